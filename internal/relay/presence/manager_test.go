package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lk2023060901/chat-relay-go/internal/network/session/sessiontest"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/internal/relay/registry"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/memstore"
	"github.com/lk2023060901/chat-relay-go/internal/storage/mocks"
)

const waitFor = time.Second

func seeded(t *testing.T, ids ...string) *memstore.Store {
	t.Helper()
	store := memstore.New()
	for _, id := range ids {
		require.NoError(t, store.PutIdentity(context.Background(), storage.Identity{ID: id, Username: id, Active: true}))
	}
	return store
}

func online(t *testing.T, store storage.IdentityStore, id string) bool {
	t.Helper()
	identity, err := store.Lookup(context.Background(), id)
	require.NoError(t, err)
	return identity.Online
}

func presenceIDs(t *testing.T, rec *sessiontest.Recorder, event string) []string {
	t.Helper()
	var ids []string
	for _, env := range rec.Named(event) {
		var p protocol.Presence
		require.NoError(t, sessiontest.DecodeData(env, &p))
		ids = append(ids, p.ID)
	}
	return ids
}

func TestBroadcastOnlyOnEdges(t *testing.T) {
	ctx := context.Background()
	store := seeded(t, "alice", "bob")
	m := NewManager(registry.New(), store, Options{})

	bob := sessiontest.New("b1", nil)
	_, err := m.Online(ctx, "bob", bob)
	require.NoError(t, err)

	a1 := sessiontest.New("a1", nil)
	a2 := sessiontest.New("a2", nil)
	first, err := m.Online(ctx, "alice", a1)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = m.Online(ctx, "alice", a2)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, []string{"alice"}, presenceIDs(t, bob, protocol.EventUserOnline))
	assert.Empty(t, a1.Named(protocol.EventUserOnline), "origin does not hear its own edge")
	assert.True(t, online(t, store, "alice"))

	last, err := m.Offline(ctx, "alice", "a1")
	require.NoError(t, err)
	assert.False(t, last)
	assert.Empty(t, bob.Named(protocol.EventUserOffline))
	assert.True(t, online(t, store, "alice"))

	last, err = m.Offline(ctx, "alice", "a2")
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, []string{"alice"}, presenceIDs(t, bob, protocol.EventUserOffline))
	assert.False(t, online(t, store, "alice"))

	last, err = m.Offline(ctx, "alice", "a2")
	require.NoError(t, err)
	assert.False(t, last, "repeated disconnect is not an edge")
	assert.Len(t, bob.Named(protocol.EventUserOffline), 1)
}

// gatedStore 阻塞第一次写入直到 release 被关闭，并记录写入顺序。
type gatedStore struct {
	storage.IdentityStore

	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []bool
}

func (g *gatedStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	blocked := false
	g.once.Do(func() { blocked = true })
	if blocked {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	g.writes = append(g.writes, online)
	g.mu.Unlock()
	return g.IdentityStore.UpdatePresence(ctx, userID, online, lastSeen)
}

func (g *gatedStore) recorded() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bool(nil), g.writes...)
}

func TestDelayedInterleavedWritesKeepEdgeOrder(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		IdentityStore: seeded(t, "alice"),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	m := NewManager(registry.New(), store, Options{})
	sess := sessiontest.New("a1", nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Online(ctx, "alice", sess)
	}()
	<-store.entered

	offlineDone := make(chan struct{})
	go func() {
		defer close(offlineDone)
		_, _ = m.Offline(ctx, "alice", "a1")
	}()

	select {
	case <-offlineDone:
		t.Fatal("offline write overtook the in-flight online write")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	wg.Wait()
	<-offlineDone

	assert.Equal(t, []bool{true, false}, store.recorded())
	assert.False(t, online(t, store, "alice"))
}

func TestRapidReconnectSettlesOnline(t *testing.T) {
	ctx := context.Background()
	store := seeded(t, "alice")
	reg := registry.New()
	m := NewManager(reg, store, Options{})

	for i := 0; i < 20; i++ {
		sess := sessiontest.New("a", nil)
		_, err := m.Online(ctx, "alice", sess)
		require.NoError(t, err)
		_, err = m.Offline(ctx, "alice", "a")
		require.NoError(t, err)
	}
	_, err := m.Online(ctx, "alice", sessiontest.New("final", nil))
	require.NoError(t, err)

	assert.True(t, reg.Online("alice"))
	assert.True(t, online(t, store, "alice"))
	assert.Zero(t, reg.PendingLocks())
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store := seeded(t, "alice")
	m := NewManager(registry.New(), store, Options{Now: func() time.Time { return now }})

	require.NoError(t, m.Heartbeat(ctx, "alice", "ghost"))
	assert.False(t, online(t, store, "alice"), "unregistered session writes nothing")

	_, err := m.Online(ctx, "alice", sessiontest.New("a1", nil))
	require.NoError(t, err)
	now = now.Add(time.Minute)
	require.NoError(t, m.Heartbeat(ctx, "alice", "a1"))

	identity, err := store.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, identity.Online)
	assert.Equal(t, now, identity.LastSeen)
}

func TestWriteFailureStillBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	identities := mocks.NewMockIdentityStore(ctrl)
	identities.EXPECT().
		UpdatePresence(gomock.Any(), "alice", true, gomock.Any()).
		Return(errors.New("disk on fire"))

	reg := registry.New()
	bob := sessiontest.New("b1", nil)
	reg.Add("bob", bob)
	m := NewManager(reg, identities, Options{})

	first, err := m.Online(context.Background(), "alice", sessiontest.New("a1", nil))
	assert.True(t, first)
	assert.Error(t, err)
	assert.Equal(t, []string{"alice"}, presenceIDs(t, bob, protocol.EventUserOnline))
	assert.True(t, reg.Online("alice"), "in-memory state stays authoritative")
}

func TestSetAllOfflineAttemptsEveryUser(t *testing.T) {
	ctrl := gomock.NewController(t)
	identities := mocks.NewMockIdentityStore(ctrl)
	identities.EXPECT().UpdatePresence(gomock.Any(), "alice", false, gomock.Any()).Return(nil)
	identities.EXPECT().UpdatePresence(gomock.Any(), "bob", false, gomock.Any()).Return(errors.New("timeout"))

	reg := registry.New()
	reg.Add("alice", sessiontest.New("a1", nil))
	reg.Add("bob", sessiontest.New("b1", nil))
	m := NewManager(reg, identities, Options{})

	err := m.SetAllOffline(context.Background())
	assert.ErrorContains(t, err, "timeout")
	assert.Zero(t, reg.PendingLocks())
}
