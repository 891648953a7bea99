package viper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverSection struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type root struct {
	Server serverSection `mapstructure:"server"`
}

func TestLoadFileWithDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600))

	c := New()
	c.SetDefaults(map[string]any{
		"server.addr":         ":8080",
		"server.read_timeout": "30s",
	})
	c.BindEnv("RELAYTEST")
	t.Setenv("RELAYTEST_SERVER_READ_TIMEOUT", "45s")
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, path, c.ConfigFileUsed())

	var cfg root
	require.NoError(t, c.Unmarshal(&cfg))
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)

	var section serverSection
	require.NoError(t, c.UnmarshalKey("server", &section))
	assert.Equal(t, ":9000", section.Addr)
}

func TestLoadFileMissing(t *testing.T) {
	c := New()
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestZeroValueConfig(t *testing.T) {
	var c Config
	c.Set("a.b", 3)
	var out struct {
		A struct {
			B int `mapstructure:"b"`
		} `mapstructure:"a"`
	}
	require.NoError(t, c.Unmarshal(&out))
	assert.Equal(t, 3, out.A.B)
}
