package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"medsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("MEDSYNC_UPSTREAM", "http://127.0.0.1:3000")

	yamlContent := `
upstream:
  base_url: "${MEDSYNC_UPSTREAM}"
database:
  path: "queue.db"
sync:
  interval: 10s
  max_retries: 5
cache:
  version: v7
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:3000", cfg.Upstream.BaseURL)
	assert.Equal(t, "queue.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, "v7", cfg.Cache.Version)
	assert.Equal(t, ClientErrorDrop, cfg.Sync.ClientErrorPolicy)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Upstream: UpstreamConfig{BaseURL: "http://localhost:3000"},
			Database: DatabaseConfig{Path: "queue.db"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "" }, wantErr: true},
		{name: "relative upstream", mutate: func(c *Config) { c.Upstream.BaseURL = "/api" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.Sync.ClientErrorPolicy = "keep" }, wantErr: true},
		{name: "deadletter without redis", mutate: func(c *Config) { c.Sync.ClientErrorPolicy = ClientErrorDeadLetter }, wantErr: true},
		{
			name: "deadletter with redis",
			mutate: func(c *Config) {
				c.Sync.ClientErrorPolicy = ClientErrorDeadLetter
				c.Redis.Address = "localhost:6379"
			},
		},
		{name: "redis cache without redis", mutate: func(c *Config) { c.Cache.Backend = "redis" }, wantErr: true},
		{name: "unknown cache backend", mutate: func(c *Config) { c.Cache.Backend = "disk" }, wantErr: true},
		{name: "bad api prefix", mutate: func(c *Config) { c.Interceptor.APIPrefix = "api" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, models.DefaultMaxRetries, cfg.Sync.MaxRetries)
	assert.Equal(t, models.DefaultSyncInterval, cfg.Sync.Interval)
	assert.Equal(t, models.DefaultAPIPrefix, cfg.Interceptor.APIPrefix)
	assert.Equal(t, []string{"/"}, cfg.Interceptor.Precache)
	assert.Equal(t, models.DefaultCacheVersion, cfg.Cache.Version)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "/__medsync/bridge", cfg.Bridge.Path)
	assert.Equal(t, 8081, cfg.Page.StatusPort)
	assert.Equal(t, models.DefaultIndicatorInterval, cfg.Page.IndicatorInterval)
	assert.Equal(t, 0, cfg.Monitoring.PrometheusPort)

	cfg = &Config{Monitoring: MonitoringConfig{PrometheusEnabled: true}}
	cfg.applyDefaults()
	assert.Equal(t, 9090, cfg.Monitoring.PrometheusPort)
}
