package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/allocbot/internal/blob/s3"
	"github.com/alanyoungcy/allocbot/internal/cache/redis"
	"github.com/alanyoungcy/allocbot/internal/config"
	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/notify"
	"github.com/alanyoungcy/allocbot/internal/store/postgres"
)

// Dependencies bundles every external dependency the application modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
// Fields stay nil for modes that do not use the backing service; paper mode
// runs entirely in process.
type Dependencies struct {
	// Stores
	ExecutionStore domain.ExecutionStore
	MetricsStore   domain.MetricsStore
	AuditStore     domain.AuditStore

	// Redis
	EventBus    domain.EventBus
	StatusCache domain.StatusCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks maps dependency names to liveness probes for the health
	// endpoint.
	HealthChecks map[string]func(context.Context) error
}

// needsBackends returns true for modes that require Postgres and Redis.
func needsBackends(mode string) bool {
	switch mode {
	case "full", "server":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		HealthChecks: make(map[string]func(context.Context) error),
	}

	// --- PostgreSQL (execution history, metrics snapshots, audit log) ---
	if needsBackends(cfg.Mode) {
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

		pool := pgClient.Pool()
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.MetricsStore = postgres.NewMetricsStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping
	}

	// --- Redis (event bus, status cache, locks, rate limiting) ---
	if needsBackends(cfg.Mode) {
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

		deps.EventBus = redis.NewEventBus(redisClient)
		deps.StatusCache = redis.NewStatusCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage (history archives) ---
	if needsBackends(cfg.Mode) && cfg.Archive.Enabled {
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
		deps.HealthChecks["s3"] = s3Client.Health
		if deps.ExecutionStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.ExecutionStore, deps.AuditStore)
		}
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
