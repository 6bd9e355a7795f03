package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err, "explicit missing file is an error")

	cfg, err = FromViper(New(""))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Queue.Type)
	assert.Equal(t, 2, cfg.Workers.Batch)
	assert.Equal(t, time.Second, cfg.Workers.IdlePollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Trainer.Timeout)
}

func TestFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlorch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
queue:
  type: redis
cache:
  ttl: 10m
trainer:
  url: http://trainer:8500
  algorithms: [linear_regression, logistic_regression]
auth:
  api_keys: [abc]
`), 0o644))

	t.Setenv("MLORCH_SERVER_ADDR", ":7000")
	t.Setenv("MLORCH_WORKERS_TRAINING", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr, "env beats file")
	assert.Equal(t, "redis", cfg.Queue.Type)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 4, cfg.Workers.Training)
	assert.Equal(t, "http://trainer:8500", cfg.Trainer.URL)
	assert.Equal(t, []string{"linear_regression", "logistic_regression"}, cfg.Trainer.Algorithms)
	assert.Equal(t, []string{"abc"}, cfg.Auth.APIKeys)
}

func TestValidate(t *testing.T) {
	base, err := FromViper(New(""))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad store", func(c *Config) { c.Store.Type = "mongo" }},
		{"bad queue", func(c *Config) { c.Queue.Type = "kafka" }},
		{"bad registry", func(c *Config) { c.Registry.Type = "memory" }},
		{"negative workers", func(c *Config) { c.Workers.Batch = -1 }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres"; c.Store.DSN = "" }},
		{"tls without cert", func(c *Config) { c.Server.TLS = true; c.Server.CertFile = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg, err := FromViper(New(""))
	require.NoError(t, err)
	cfg.ObjectStore.SecretKey = "s3cret"
	cfg.Auth.APIKeys = []string{"k1", "k2"}

	out, err := yaml.Marshal(cfg.Redacted())
	require.NoError(t, err)
	assert.NotContains(t, string(out), "s3cret")
	assert.NotContains(t, string(out), "k1")
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys, "original untouched")
}
