package conf

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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  driver: sqlite
  path: /tmp/filevault.db
  loglevel: silent
auth:
  jwt_secret: 0123456789abcdef
storage:
  default_quota_bytes: 1000
  blob:
    compress_min_size: 2048
  validation:
    denied_extensions: [exe]
maintenance:
  gc_grace: 90m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.GRPCPort, "default kept")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int64(1000), cfg.Storage.DefaultQuotaBytes)
	assert.Equal(t, int64(2048), cfg.Storage.Blob.CompressMinSize)
	assert.Equal(t, "local", cfg.Storage.Blob.Backend, "default kept")
	assert.Equal(t, []string{"exe"}, cfg.Storage.Validation.DeniedExtensions)
	assert.Equal(t, 90*time.Minute, cfg.Maintenance.GCGrace)
	assert.True(t, cfg.Storage.DedupEnabled)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FILEVAULT_AUTH_JWT_SECRET", "from-the-environment")
	t.Setenv("FILEVAULT_DATABASE_DRIVER", "sqlite")
	t.Setenv("FILEVAULT_DATABASE_PATH", ":memory:")
	t.Setenv("FILEVAULT_DATABASE_LOGLEVEL", "silent")
	t.Setenv("FILEVAULT_REDIS_ADDR", "redis:6380")
	t.Setenv("FILEVAULT_STORAGE_DEFAULT_QUOTA_BYTES", "4096")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment", cfg.Auth.JWTSecret)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, int64(4096), cfg.Storage.DefaultQuotaBytes)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.JWTSecret = "0123456789abcdef"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bad blob backend", func(c *Config) { c.Storage.Blob.Backend = "ftp" }},
		{"negative quota", func(c *Config) { c.Storage.DefaultQuotaBytes = -1 }},
		{"saving ratio", func(c *Config) { c.Storage.Blob.CompressMinSaving = 1.5 }},
		{"events without redis", func(c *Config) { c.Events.Redis = true; c.Redis.Enabled = false }},
		{"minio without endpoint", func(c *Config) { c.Storage.Blob.Backend = "minio"; c.MinIO.Endpoint = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
