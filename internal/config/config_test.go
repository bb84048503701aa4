package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
)

func TestLoad_WritesDefaultsWhenMissing(t *testing.T) {
	t.Setenv(EnvEtcdEndpoints, "")
	t.Setenv(EnvLogLevel, "")
	path := filepath.Join(t.TempDir(), "nested", "sandmeta.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandmeta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: fuse-1
transport:
  type: http
  listen: localhost:7000
replicas:
  type: static
  static:
    - id: a
      address: localhost:7001
request:
  attempt_timeout: 500ms
  max_attempts: 2
  deadline: 3s
cache:
  dirstat: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fuse-1", cfg.ClientID)
	assert.Equal(t, "http", cfg.Transport.Type)
	assert.Equal(t, []cluster.ClusterNode{{ID: "a", Address: "localhost:7001"}}, cfg.Replicas.Static)
	assert.Equal(t, 500*time.Millisecond, cfg.Request.AttemptTimeout)
	assert.Equal(t, 3*time.Second, cfg.Request.Deadline)
	assert.True(t, cfg.Cache.DirStat)
	assert.Equal(t, 255, cfg.Cache.MaxNameLen, "unset fields keep defaults")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvEtcdEndpoints, " 10.0.0.1:2379, 10.0.0.2:2379 ,")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "sandmeta.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Replicas.Etcd.Endpoints)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandmeta.yaml")
	require.NoError(t, os.WriteFile(path, []byte("request: [1, 2"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Type = "carrier-pigeon" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "LOUD" }},
		{"zero attempts", func(c *Config) { c.Request.MaxAttempts = 0 }},
		{"deadline shorter than attempt", func(c *Config) { c.Request.Deadline = time.Second }},
		{"static without replicas", func(c *Config) { c.Replicas.Static = nil }},
		{"replica without address", func(c *Config) { c.Replicas.Static[0].Address = "" }},
		{"duplicate replica id", func(c *Config) { c.Replicas.Static[1].ID = c.Replicas.Static[0].ID }},
		{"etcd without endpoints", func(c *Config) {
			c.Replicas.Type = "etcd"
			c.Replicas.Etcd.Endpoints = nil
		}},
		{"metrics without listen", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}

	assert.NoError(t, Validate(Default()))
}
