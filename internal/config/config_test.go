package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  data_dir: /tmp/simedge
repository:
  kind: http
  http:
    base_url: http://models.local
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 1, cfg.Scheduler.MaxInFlight)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.SweepInterval)
	assert.Equal(t, 10, cfg.Scheduler.LatencyHistory)
	assert.InDelta(t, 0.9, cfg.Scheduler.Smoothing, 1e-9)
	assert.Equal(t, "/tmp/simedge/modelCache", cfg.Cache.Dir)
	assert.Equal(t, "/tmp/simedge/cache.manifest", cfg.Cache.ManifestPath)
	assert.Equal(t, "localhost:12244", cfg.BrokerAddress())
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("SIMEDGE_NODE_ID", "from-env")
	t.Setenv("SIMEDGE_BROKER_HOST", "broker.local")
	t.Setenv("SIMEDGE_BROKER_PORT", "4000")
	t.Setenv("SIMEDGE_CACHE_MAX_MEMORY", "2048")

	path := writeConfig(t, `
node:
  id: from-file
repository:
  kind: redis
  redis:
    host: redis.local
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.Equal(t, "broker.local:4000", cfg.BrokerAddress())
	assert.Equal(t, int64(2048), cfg.Cache.MaxMemory)
	assert.Equal(t, "simedge:model:", cfg.Repository.Redis.KeyPrefix)
}

func TestDefaultGeneratesNodeID(t *testing.T) {
	a := Default()
	b := Default()
	assert.NotEmpty(t, a.Node.ID)
	assert.NotEqual(t, a.Node.ID, b.Node.ID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero window", func(c *Config) { c.Scheduler.MaxInFlight = 0 }, "max_in_flight"},
		{"bad smoothing", func(c *Config) { c.Scheduler.Smoothing = 1 }, "smoothing"},
		{"bad broker port", func(c *Config) { c.Broker.Port = 70000 }, "broker.port"},
		{"unknown repository", func(c *Config) { c.Repository.Kind = "ftp" }, "repository.kind"},
		{"missing http url", func(c *Config) { c.Repository.HTTP.BaseURL = "" }, "base_url"},
		{"missing redis host", func(c *Config) { c.Repository.Kind = "redis" }, "redis.host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Repository.HTTP.BaseURL = "http://models.local"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
