package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, cfg := range []Config{
		{Driver: DriverMemory},
		{Driver: DriverBadger, Badger: BadgerConfig{Dir: filepath.Join(dir, "badger")}},
		{Driver: DriverSQLite, SQLite: SQLiteConfig{Path: filepath.Join(dir, "relay.db")}},
	} {
		store, err := Open(ctx, cfg)
		require.NoError(t, err, cfg.Driver)
		assert.NoError(t, store.Ping(ctx), cfg.Driver)
		assert.NoError(t, store.Close(), cfg.Driver)
	}

	_, err := Open(ctx, Config{Driver: "cassandra"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}
