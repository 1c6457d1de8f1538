// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSETTLE_* environment variables.
type Config struct {
	Program    ProgramConfig    `toml:"program"`
	Settlement SettlementConfig `toml:"settlement"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Locks      LocksConfig      `toml:"locks"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ProgramConfig holds the key every market address and capability is
// derived from.
type ProgramConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SettlementConfig holds lifecycle rules.
type SettlementConfig struct {
	// DeadlinePolicy is one of "advisory", "strict" or "after_deadline".
	DeadlinePolicy string `toml:"deadline_policy"`

	// MetadataBaseURL prefixes the object key of uploaded metadata documents.
	// Empty uses the bucket path as-is.
	MetadataBaseURL string `toml:"metadata_base_url"`
}

// StorageConfig selects the market and ledger backend.
type StorageConfig struct {
	Backend string `toml:"backend"` // "postgres" or "memory"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// cache, the event bus and the distributed locks.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	CacheTTL     duration `toml:"cache_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	Namespace    string   `toml:"namespace"`
}

// LocksConfig holds per-market lock parameters.
type LocksConfig struct {
	Backend        string   `toml:"backend"` // "redis" or "local"
	TTL            duration `toml:"ttl"`
	AcquireTimeout duration `toml:"acquire_timeout"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables metadata uploads and archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls periodic export of settled markets to S3.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`

	// RetentionDays is how long a market stays settled before it is
	// archived.
	RetentionDays int `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`

	// RateLimit is requests per RateWindow per client IP. It needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`

	RequireSettleSignature bool `toml:"require_settle_signature"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`

	// AmountDecimals formats minor units in messages.
	AmountDecimals int `toml:"amount_decimals"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Settlement: SettlementConfig{
			DeadlinePolicy: "advisory",
		},
		Storage: StorageConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketsettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			CacheTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10_000,
			Namespace:    "marketsettle",
		},
		Locks: LocksConfig{
			Backend:        "redis",
			TTL:            duration{10 * time.Second},
			AcquireTimeout: duration{2 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:      duration{time.Hour},
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:         []string{"market_created", "market_settled", "reward_claimed"},
			AmountDecimals: 6,
		},
		Mode:     "api",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":     true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDeadlinePolicies = map[string]bool{
	"advisory":       true,
	"strict":         true,
	"after_deadline": true,
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool { return strings.TrimSpace(c.Redis.Addr) != "" }

// S3Enabled reports whether an object storage bucket is configured.
func (c *Config) S3Enabled() bool { return strings.TrimSpace(c.S3.Bucket) != "" }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Program key
	if c.Program.PrivateKey == "" && c.Program.EncryptedKeyPath == "" {
		errs = append(errs, "program: either private_key or encrypted_key_path must be set")
	}
	if c.Program.PrivateKey == "" && c.Program.EncryptedKeyPath != "" && c.Program.KeyPassword == "" {
		errs = append(errs, "program: key_password is required when encrypted_key_path is set")
	}

	// Settlement
	if !validDeadlinePolicies[strings.ToLower(c.Settlement.DeadlinePolicy)] {
		errs = append(errs, fmt.Sprintf("settlement: unknown deadline_policy %q (valid: advisory, strict, after_deadline)", c.Settlement.DeadlinePolicy))
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
		if mode == "archive" || c.Archive.Enabled {
			errs = append(errs, "storage: archiving requires the postgres backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Redis
	if c.RedisEnabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.StreamMaxLen < 0 {
		errs = append(errs, "redis: stream_max_len must be >= 0")
	}

	// Locks
	switch strings.ToLower(c.Locks.Backend) {
	case "local":
	case "redis":
		if !c.RedisEnabled() {
			errs = append(errs, "locks: backend redis requires redis.addr")
		}
	default:
		errs = append(errs, fmt.Sprintf("locks: unknown backend %q (valid: redis, local)", c.Locks.Backend))
	}
	if c.Locks.TTL.Duration <= 0 {
		errs = append(errs, "locks: ttl must be > 0")
	}
	if c.Locks.AcquireTimeout.Duration < 0 {
		errs = append(errs, "locks: acquire_timeout must be >= 0")
	}

	// Archive
	if mode == "archive" || c.Archive.Enabled {
		if !c.S3Enabled() {
			errs = append(errs, "archive: s3.bucket is required")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 0 {
			errs = append(errs, "archive: retention_days must be >= 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 {
			if !c.RedisEnabled() {
				errs = append(errs, "server: rate_limit requires redis.addr")
			}
			if c.Server.RateWindow.Duration <= 0 {
				errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
			}
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.AmountDecimals < 0 || c.Notify.AmountDecimals > 18 {
		errs = append(errs, fmt.Sprintf("notify: amount_decimals must be 0-18, got %d", c.Notify.AmountDecimals))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
