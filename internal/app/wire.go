package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/opengrove/marketd/internal/blob/s3"
	"github.com/opengrove/marketd/internal/cache/redis"
	"github.com/opengrove/marketd/internal/config"
	"github.com/opengrove/marketd/internal/crypto"
	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/notify"
	"github.com/opengrove/marketd/internal/store/memory"
	"github.com/opengrove/marketd/internal/store/postgres"
	"github.com/opengrove/marketd/internal/transfer"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function. Cache, locks, limiter, bus, and archiver are nil in local mode;
// the services tolerate their absence.
type Dependencies struct {
	UnitOfWork domain.UnitOfWork

	ListingCache domain.ListingCache
	RateLimiter  domain.RateLimiter
	LockManager  domain.LockManager
	SignalBus    domain.SignalBus

	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.ReceiptArchiver

	Proxy    *crypto.Proxy
	Selector *transfer.Selector

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Signing proxy ---
	proxy, err := wireProxy(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: proxy: %w", err)
	}
	deps.Proxy = proxy
	deps.Selector = transfer.NewSelector(proxy)

	// Local mode runs entirely in process: memory store, no redis, no S3.
	if cfg.Mode == "local" {
		deps.UnitOfWork = memory.New()
		logger.InfoContext(ctx, "wire: local mode, in-process store",
			slog.String("proxy_signer", proxy.Signer().Hex()),
		)
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.UnitOfWork = postgres.NewUnitOfWork(pgClient)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	cacheTTL := time.Duration(cfg.Redis.CacheTTLMinutes) * time.Minute
	deps.ListingCache = redis.NewListingCache(redisClient, cacheTTL)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, int64(cfg.Redis.StreamMaxLen))

	// --- S3 receipt archive (optional) ---
	if cfg.S3.Enabled {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.UnitOfWork)
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
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("proxy_signer", proxy.Signer().Hex()),
		slog.Bool("archive", cfg.S3.Enabled),
		slog.Int("notify_channels", len(senders)),
	)

	return deps, cleanup, nil
}

// wireProxy resolves the signing-proxy key. Local mode with no configured
// key gets a fresh ephemeral key; serve mode requires durable key material
// (enforced by config validation).
func wireProxy(cfg *config.Config) (*crypto.Proxy, error) {
	if cfg.Proxy.PrivateKey == "" && cfg.Proxy.EncryptedKeyPath == "" {
		return crypto.GenerateProxy()
	}
	key, err := crypto.LoadKey(crypto.KeySource{
		RawPrivateKey:    cfg.Proxy.PrivateKey,
		EncryptedKeyPath: cfg.Proxy.EncryptedKeyPath,
		KeyPassword:      cfg.Proxy.KeyPassword,
	})
	if err != nil {
		return nil, err
	}
	return crypto.NewProxy(key)
}
