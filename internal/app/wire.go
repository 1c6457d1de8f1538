package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/marketsettle/internal/blob/s3"
	"github.com/alanyoungcy/marketsettle/internal/cache/redis"
	"github.com/alanyoungcy/marketsettle/internal/config"
	"github.com/alanyoungcy/marketsettle/internal/crypto"
	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/lock"
	"github.com/alanyoungcy/marketsettle/internal/notify"
	"github.com/alanyoungcy/marketsettle/internal/server/handler"
	"github.com/alanyoungcy/marketsettle/internal/store/memory"
	"github.com/alanyoungcy/marketsettle/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional collaborators are nil when their backend is not
// configured.
type Dependencies struct {
	Authority *derive.Authority

	// Persistence
	Store domain.Store
	Locks domain.LockManager

	// Redis
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Metadata *s3blob.MetadataPublisher
	Archiver *s3blob.MarketArchiver

	// Notifications
	Notifier *notify.Notifier

	// Health probes keyed by dependency name.
	Health map[string]handler.HealthCheck
}

// LoadAuthority unlocks the program key named by cfg.
func LoadAuthority(cfg config.ProgramConfig) (*derive.Authority, error) {
	key, err := crypto.LoadPrivateKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.PrivateKey,
		EncryptedKeyPath: cfg.EncryptedKeyPath,
		KeyPassword:      cfg.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load program key: %w", err)
	}
	return derive.NewAuthority(key)
}

// OpenPostgres connects to PostgreSQL with the pool settings in cfg.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*postgres.Client, error) {
	return postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.DSN,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Password: cfg.Password,
		SSLMode:  cfg.SSLMode,
		MaxConns: cfg.PoolMaxConns,
		MinConns: cfg.PoolMinConns,
	})
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	auth, err := LoadAuthority(cfg.Program)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}

	deps := &Dependencies{
		Authority: auth,
		Health:    make(map[string]handler.HealthCheck),
	}

	// --- Market store and ledger ---
	switch strings.ToLower(cfg.Storage.Backend) {
	case "memory":
		logger.Warn("wire: using in-memory storage; state is lost on restart")
		deps.Store = memory.New(auth.Program())
	default:
		pgClient, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.Info("wire: applied migrations", slog.Any("versions", applied))
			}
		}

		deps.Store = postgres.NewStore(pgClient.Pool(), auth.Program())
		deps.Health["postgres"] = pgClient.Ping
	}

	// --- Redis: cache, bus, rate limiter and locks ---
	var redisClient *redis.Client
	if cfg.RedisEnabled() {
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient.Ping
	}

	if strings.ToLower(cfg.Locks.Backend) == "redis" && redisClient != nil {
		deps.Locks = redis.NewLockManager(redisClient)
	} else {
		if cfg.Storage.Backend != "memory" {
			logger.Warn("wire: process-local market locks; run a single replica")
		}
		deps.Locks = lock.NewLocal()
	}

	// --- S3: metadata documents and the settled-market archive ---
	if cfg.S3Enabled() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Health["s3"] = s3Client.Health

		bucket := s3blob.NewBucket(s3Client)
		deps.Metadata = s3blob.NewMetadataPublisher(bucket, cfg.Settlement.MetadataBaseURL)
		deps.Archiver = s3blob.NewMarketArchiver(
			bucket,
			deps.Store.Markets(),
			deps.Store.Claims(),
			deps.Store.Audit(),
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, "settlementd"))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, uint8(cfg.Notify.AmountDecimals), logger)

	return deps, cleanup, nil
}
