package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"COLLAB_ADDR", "COLLAB_HTTP_ADDR", "DATABASE_URL", "STORE_DRIVER", "PERSIST_INTERVAL", "COLLAB_WORKERS"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":1500", cfg.Server.Addr)
	assert.Equal(t, ":8081", cfg.Server.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Persist.Interval)
	assert.Greater(t, cfg.Server.Workers, 0)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":2000"
  workers: 3
store:
  driver: bolt
  dsn: /tmp/collab.bolt
persist:
  interval: 250ms
log:
  level: debug
`), 0o600))

	t.Setenv("COLLAB_HTTP_ADDR", ":9999")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2000", cfg.Server.Addr)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, 3, cfg.Server.Workers)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Persist.Interval)
	assert.Equal(t, "redis:6379", cfg.Relay.RedisAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 256, cfg.Server.SendQueue)
}

func TestDatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/collab")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://u:p@db/collab", cfg.Store.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"missing dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"no workers", func(c *Config) { c.Server.Workers = 0 }},
		{"half tls", func(c *Config) { c.Server.TLSCert = "cert.pem" }},
		{"zero interval", func(c *Config) { c.Persist.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("COLLAB_WORKERS", "many")
	_, err := Load("")
	assert.Error(t, err)
}
