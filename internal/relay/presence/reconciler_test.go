package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lk2023060901/chat-relay-go/internal/network/session/sessiontest"
	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/memstore"
	"github.com/lk2023060901/chat-relay-go/pkg/log"
)

func TestReconcilerForcesStaleUsersOffline(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store := memstore.New()
	put := func(id string, lastSeen time.Time) {
		require.NoError(t, store.PutIdentity(ctx, storage.Identity{ID: id, Active: true, Online: true, LastSeen: lastSeen}))
	}
	put("ghost", now.Add(-6*time.Minute))
	put("fresh", now.Add(-time.Minute))
	put("local", now.Add(-time.Hour))

	reg := registry.New()
	reg.Add("local", sessiontest.New("l1", nil))
	r := NewReconciler(store, reg, time.Minute, 5*time.Minute, func() time.Time { return now })
	core, logs := observer.New(zapcore.InfoLevel)
	r.SetLogger(&log.MLogger{Logger: zap.New(core)})

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, logs.FilterMessage("stale presence corrected").Len())
	assert.False(t, online(t, store, "ghost"))
	assert.True(t, online(t, store, "fresh"))
	assert.True(t, online(t, store, "local"), "users with live sessions here are kept")
}

func TestReconcilerRunsOnInterval(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memstore.New()
	require.NoError(t, store.PutIdentity(ctx, storage.Identity{ID: "ghost", Active: true, Online: true, LastSeen: now.Add(-time.Hour)}))

	r := NewReconciler(store, registry.New(), 10*time.Millisecond, time.Minute, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		identity, err := store.Lookup(ctx, "ghost")
		return err == nil && !identity.Online
	}, waitFor, 5*time.Millisecond)

	r.Stop()
	require.NoError(t, <-done)
	r.Stop()
}

func TestReconcilerStopWithoutRun(t *testing.T) {
	r := NewReconciler(memstore.New(), registry.New(), 0, 0, nil)
	r.Stop()
	assert.Equal(t, DefaultReconcileInterval, r.interval)
	assert.Equal(t, DefaultStaleThreshold, r.threshold)
}
