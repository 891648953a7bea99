package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lk2023060901/chat-relay-go/application"
	"github.com/lk2023060901/chat-relay-go/internal/relay/auth"
	"github.com/lk2023060901/chat-relay-go/internal/storage"
	"github.com/lk2023060901/chat-relay-go/internal/storage/memstore"
	"github.com/lk2023060901/chat-relay-go/internal/storage/mocks"
	"github.com/lk2023060901/chat-relay-go/internal/storage/stores"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

const testFixtures = `
identities:
  - id: alice
    username: alice
    displayName: Alice
    role: member
    active: true
  - id: bob
    username: bob
    active: false
conversations:
  - id: c1
    name: general
    participants: [alice, bob]
  - id: d1
    type: direct
    participants: [alice]
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(application.ConfigPathEnv, "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "relay "+version))
}

func TestTokenMintsVerifiableToken(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "auth:\n  jwt_secret: s3cret\n")

	out, err := run(t, "--config", cfg, "token", "--user", "alice", "--ttl", "1h")
	require.NoError(t, err)

	a, err := auth.New("s3cret", memstore.New())
	require.NoError(t, err)
	userID, err := a.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestTokenRequiresUser(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "auth:\n  jwt_secret: s3cret\n")

	_, err := run(t, "--config", cfg, "token")
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

func TestSeedPersistentDrivers(t *testing.T) {
	cases := []struct {
		name   string
		config func(dir string) string
		open   func(dir string) stores.Config
	}{
		{
			name: "sqlite",
			config: func(dir string) string {
				return "auth:\n  jwt_secret: s3cret\nstorage:\n  driver: sqlite\n  sqlite:\n    path: " + filepath.Join(dir, "relay.db") + "\n"
			},
			open: func(dir string) stores.Config {
				return stores.Config{Driver: stores.DriverSQLite, SQLite: stores.SQLiteConfig{Path: filepath.Join(dir, "relay.db")}}
			},
		},
		{
			name: "badger",
			config: func(dir string) string {
				return "auth:\n  jwt_secret: s3cret\nstorage:\n  driver: badger\n  badger:\n    dir: " + filepath.Join(dir, "badger") + "\n"
			},
			open: func(dir string) stores.Config {
				return stores.Config{Driver: stores.DriverBadger, Badger: stores.BadgerConfig{Dir: filepath.Join(dir, "badger")}}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := writeConfig(t, dir, tc.config(dir))
			fixtures := filepath.Join(dir, "fixtures.yaml")
			require.NoError(t, os.WriteFile(fixtures, []byte(testFixtures), 0o600))

			out, err := run(t, "--config", cfg, "seed", "--file", fixtures)
			require.NoError(t, err)
			assert.Contains(t, out, "seeded 2 identities and 2 conversations")

			ctx := context.Background()
			store, err := stores.Open(ctx, tc.open(dir))
			require.NoError(t, err)
			defer store.Close()

			alice, err := store.Lookup(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "Alice", alice.DisplayName)
			assert.True(t, alice.Active)

			bob, err := store.Lookup(ctx, "bob")
			require.NoError(t, err)
			assert.False(t, bob.Active)

			convs, err := store.FindByParticipant(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, convs, 2)

			c1, err := store.FindByID(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, storage.ConversationGroup, c1.Type)
			assert.Equal(t, []string{"alice", "bob"}, c1.Participants)
		})
	}
}

func TestSeedMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "auth:\n  jwt_secret: s3cret\n")

	_, err := run(t, "--config", cfg, "seed", "--file", filepath.Join(dir, "nope.yaml"))
	assert.ErrorContains(t, err, "read fixtures")
}

func TestApplyFixturesStopsOnFirstFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	seeder := mocks.NewMockSeeder(ctrl)
	boom := merr.WrapErrStorageFailed("put identity", nil, "disk full")
	seeder.EXPECT().PutIdentity(gomock.Any(), storage.Identity{ID: "alice"}).Return(boom)

	err := applyFixtures(context.Background(), seeder, fixtures{
		Identities:    []storage.Identity{{ID: "alice"}, {ID: "bob"}},
		Conversations: []storage.Conversation{{ID: "c1"}},
	})
	assert.ErrorIs(t, err, merr.ErrStorageFailed)
	assert.ErrorContains(t, err, `seed identity "alice"`)
}

func TestOpenStoreUnknownDriverFailsFast(t *testing.T) {
	start := time.Now()
	_, err := openStore(context.Background(), stores.Config{Driver: "redis", StartupAttempts: 5})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestOpenStoreRetriesUntilContextDone(t *testing.T) {
	// badger 目录被一个普通文件占用时每次打开都会失败。
	dir := t.TempDir()
	blocked := filepath.Join(dir, "badger")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	_, err := openStore(context.Background(), stores.Config{
		Driver:          stores.DriverBadger,
		Badger:          stores.BadgerConfig{Dir: blocked},
		StartupAttempts: 2,
	})
	assert.ErrorContains(t, err, `storage "badger" unavailable`)
}

func TestHealthHandler(t *testing.T) {
	store := memstore.New()
	h := healthHandler(store)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, store.Close())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unavailable"`)
}

func TestDefaultProbeURL(t *testing.T) {
	cases := map[string]string{
		":8080":          "ws://127.0.0.1:8080/ws",
		"0.0.0.0:9000":   "ws://127.0.0.1:9000/ws",
		"relay.lan:8443": "ws://relay.lan:8443/ws",
	}
	for addr, want := range cases {
		cfg := &application.Config{Server: application.ServerConfig{Addr: addr, Path: "/ws"}}
		assert.Equal(t, want, defaultProbeURL(cfg), addr)
	}
}
