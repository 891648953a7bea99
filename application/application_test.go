package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("RELAY_AUTH_JWT_SECRET", "s3cret")

	cfg, file, err := LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, file)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.Path)
	assert.Equal(t, 2*time.Minute, cfg.Presence.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.Presence.StaleThreshold)
	assert.True(t, cfg.Presence.ResetOnStart)
	assert.Equal(t, 1000, cfg.Relay.MaxContentLength)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, uint(5), cfg.Storage.StartupAttempts)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadConfigFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
auth:
  jwt_secret: from-file
storage:
  driver: sqlite
  sqlite:
    path: /tmp/relay.db
relay:
  max_content_length: 500
`)
	t.Setenv("RELAY_SERVER_ADDR", ":9100")

	cfg, file, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, file)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/relay.db", cfg.Storage.SQLite.Path)

	svc := cfg.ServiceConfig()
	assert.Equal(t, 500, svc.MaxContentLength)
	assert.Equal(t, []string{"chat.v1"}, svc.Acceptor.Subprotocols)
	assert.Equal(t, int64(64<<10), svc.Acceptor.MaxMessageSize)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: env-path\n")
	t.Setenv(ConfigPathEnv, path)

	cfg, file, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, path, file)
	assert.Equal(t, "env-path", cfg.Auth.JWTSecret)
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"missing secret": "server:\n  addr: \":1\"\n",
		"bad driver":     "auth:\n  jwt_secret: x\nstorage:\n  driver: mongo\n",
		"bad path":       "auth:\n  jwt_secret: x\nserver:\n  path: ws\n",
		"threshold":      "auth:\n  jwt_secret: x\npresence:\n  reconcile_interval: 10m\n  stale_threshold: 5m\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("RELAY_AUTH_JWT_SECRET", "")
			_, _, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, merr.ErrParameterInvalid), "got %v", err)
		})
	}
}

func TestApplicationRun(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: x
log:
  level: debug
  stdout: false
logging:
  seed:
    level: warn
`)
	app := New(path)
	require.NoError(t, app.Run())
	assert.Equal(t, path, app.ConfigFile())
	assert.Equal(t, "x", app.Config().Auth.JWTSecret)
	assert.NotNil(t, app.Logger("seed"))
	assert.NotNil(t, app.Logger("other"))
}
