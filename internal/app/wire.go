package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/tradekit/arbscan/internal/blob/s3"
	redisbus "github.com/tradekit/arbscan/internal/bus/redis"
	"github.com/tradekit/arbscan/internal/config"
	"github.com/tradekit/arbscan/internal/crypto"
	"github.com/tradekit/arbscan/internal/dispatch"
	"github.com/tradekit/arbscan/internal/domain"
	"github.com/tradekit/arbscan/internal/feed"
	"github.com/tradekit/arbscan/internal/notify"
	"github.com/tradekit/arbscan/internal/platform/binance"
	"github.com/tradekit/arbscan/internal/platform/kraken"
	"github.com/tradekit/arbscan/internal/store/postgres"
)

// Dependencies bundles the external collaborators the scanner core talks to.
// Optional backends (Postgres, Redis, S3) are nil when disabled; the core
// runs without them.
type Dependencies struct {
	PriceStore       domain.PriceHistoryStore
	OpportunityStore domain.OpportunityStore
	SignalBus        *redisbus.SignalBus
	Archiver         *s3blob.Archiver
	Notifier         *notify.Notifier

	// Dispatchers holds one request dispatcher per venue with a REST URL,
	// keyed by venue name.
	Dispatchers map[string]*dispatch.Dispatcher

	// Fetchers holds the REST ticker clients for polled venues, keyed by
	// venue name.
	Fetchers map[string]feed.TickerFetcher
}

// Wire constructs all concrete dependencies from the configuration and
// returns them with a cleanup function releasing resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Dispatchers: make(map[string]*dispatch.Dispatcher),
		Fetchers:    make(map[string]feed.TickerFetcher),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
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
		deps.PriceStore = postgres.NewPriceStore(pool)
		deps.OpportunityStore = postgres.NewOpportunityStore(pool)
	}

	// --- Redis opportunity bus ---
	if cfg.Redis.Enabled {
		redisClient, err := redisbus.New(ctx, redisbus.ClientConfig{
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

		deps.SignalBus = redisbus.NewSignalBus(redisClient)
	}

	// --- S3 history archiver ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		if deps.PriceStore != nil {
			retention := time.Duration(cfg.S3.RetentionDays) * 24 * time.Hour
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				deps.PriceStore,
				retention,
				logger,
			)
		}
	}

	// --- Per-venue dispatchers and REST clients ---
	for _, v := range cfg.Venues {
		if v.RestURL == "" {
			continue
		}

		d := dispatch.New(dispatch.Config{
			Venue:             v.Name,
			BaseURL:           v.RestURL,
			Burst:             v.Burst,
			RefillRate:        v.RefillRate,
			MaxInflight:       int64(v.MaxInflight),
			MaxAttempts:       cfg.Dispatch.MaxAttempts,
			RetryBase:         cfg.Dispatch.RetryBase.Duration,
			RetryMax:          cfg.Dispatch.RetryMax.Duration,
			RetryAfterDefault: cfg.Dispatch.RetryAfter.Duration,
			MaxTokenWait:      cfg.Dispatch.MaxTokenWait.Duration,
			RequestTimeout:    cfg.Dispatch.RequestTimeout.Duration,
		}, logger)
		deps.Dispatchers[v.Name] = d

		var auth *crypto.HMACAuth
		if v.ApiKey != "" {
			auth = &crypto.HMACAuth{Key: v.ApiKey, Secret: v.ApiSecret}
		}

		switch v.Parser {
		case "kraken":
			deps.Fetchers[v.Name] = kraken.NewClient(v.Name, auth, d)
		default:
			// The Binance REST surface also covers Binance-compatible venues.
			deps.Fetchers[v.Name] = binance.NewClient(v.Name, auth, d)
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
