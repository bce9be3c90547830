package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "local"
log_level = "debug"

[server]
port = 9001

[redis]
addr = "redis.internal:6380"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.True(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, 90, cfg.Archive.RetentionDays)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
mode = "local"

[server]
port = 9001
`)

	t.Setenv("MARKETD_SERVER_PORT", "9002")
	t.Setenv("MARKETD_MODE", "serve")
	t.Setenv("MARKETD_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MARKETD_ARCHIVE_SWEEP_INTERVAL", "6h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9002, cfg.Server.Port)
	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 6*time.Hour, cfg.Archive.SweepInterval.Duration)
}

func TestValidate(t *testing.T) {
	t.Run("defaults in local mode pass", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "local"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("serve mode requires proxy key", func(t *testing.T) {
		cfg := Defaults()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "proxy")
	})

	t.Run("serve mode passes with key", func(t *testing.T) {
		cfg := Defaults()
		cfg.Proxy.PrivateKey = strings.Repeat("ab", 32)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("encrypted key needs password", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "local"
		cfg.Proxy.EncryptedKeyPath = "/etc/marketd/key.json"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key_password")
	})

	t.Run("bad mode and port reported together", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "hybrid"
		cfg.Server.Port = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown mode")
		assert.Contains(t, err.Error(), "server: port")
	})

	t.Run("s3 checked only when enabled", func(t *testing.T) {
		cfg := Defaults()
		cfg.Mode = "local"
		cfg.S3.Bucket = ""
		assert.NoError(t, cfg.Validate())

		cfg.S3.Enabled = true
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "s3: bucket")
	})
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Proxy.PrivateKey = "secret-key"
	cfg.Postgres.Password = "pg-pass"
	cfg.Redis.Password = "redis-pass"
	cfg.Server.APIKey = "api-key"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Proxy.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Empty secrets stay empty rather than leaking the placeholder.
	assert.Empty(t, red.S3.SecretKey)

	// The original is untouched.
	assert.Equal(t, "secret-key", cfg.Proxy.PrivateKey)
}
