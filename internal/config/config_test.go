package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func validConfig() Config {
	cfg := Defaults()
	cfg.Program.PrivateKey = testKey
	return cfg
}

func TestDefaultsWithKeyValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Locks.TTL.Duration)
	assert.True(t, cfg.RedisEnabled())
	assert.False(t, cfg.S3Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing program key", func(c *Config) { c.Program.PrivateKey = "" }, "program: either private_key"},
		{"encrypted key without password", func(c *Config) {
			c.Program.PrivateKey = ""
			c.Program.EncryptedKeyPath = "program.key"
		}, "key_password is required"},
		{"unknown mode", func(c *Config) { c.Mode = "trade" }, `unknown mode "trade"`},
		{"unknown deadline policy", func(c *Config) { c.Settlement.DeadlinePolicy = "soon" }, "deadline_policy"},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage: unknown backend"},
		{"redis locks without redis", func(c *Config) { c.Redis.Addr = "" }, "locks: backend redis requires redis.addr"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "archive: s3.bucket is required"},
		{"archive on memory storage", func(c *Config) {
			c.Storage.Backend = "memory"
			c.Mode = "archive"
			c.S3.Bucket = "b"
		}, "archiving requires the postgres backend"},
		{"rate limit without redis", func(c *Config) {
			c.Redis.Addr = ""
			c.Locks.Backend = "local"
			c.Server.RateLimit = 10
		}, "rate_limit requires redis.addr"},
		{"half telegram config", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_chat_id"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "port must be 1-65535"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateMemoryLocalIsSelfContained(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "memory"
	cfg.Locks.Backend = "local"
	cfg.Redis.Addr = ""
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "full"

[settlement]
deadline_policy = "strict"

[locks]
backend = "local"
ttl = "3s"

[archive]
enabled = true
interval = "15m"
`), 0o600))

	t.Setenv("MARKETSETTLE_PROGRAM_PRIVATE_KEY", testKey)
	t.Setenv("MARKETSETTLE_SERVER_PORT", "9090")
	t.Setenv("MARKETSETTLE_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("MARKETSETTLE_LOCKS_ACQUIRE_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "strict", cfg.Settlement.DeadlinePolicy)
	assert.Equal(t, "local", cfg.Locks.Backend)
	assert.Equal(t, 3*time.Second, cfg.Locks.TTL.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Locks.AcquireTimeout.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Archive.Interval.Duration)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, testKey, cfg.Program.PrivateKey)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg"
	cfg.Server.APIKey = "api"
	cfg.S3.SecretKey = "s3"

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Program.PrivateKey)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Equal(t, redacted, out.S3.SecretKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
	assert.Equal(t, testKey, cfg.Program.PrivateKey)
}
