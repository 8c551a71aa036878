package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/payment-emission-service/internal/app"
	"github.com/transfa/payment-emission-service/internal/config"
	"github.com/transfa/payment-emission-service/internal/domain"
	"github.com/transfa/payment-emission-service/internal/store"
	"github.com/transfa/payment-emission-service/pkg/calendarclient"
	"github.com/transfa/payment-emission-service/pkg/gocardlessclient"
	"github.com/transfa/payment-emission-service/pkg/stripeprovider"
)

// services is the wired application graph shared by every subcommand.
type services struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	repo      *store.Repository
	ledger    *app.Ledger
	lifecycle *app.Lifecycle
	intents   *app.IntentService
	emission  *app.EmissionScheduler
	closers   []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	pgConfig.MaxConns = 50
	pgConfig.MinConns = 5
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	logger.Info("database connection established")
	return dbpool, nil
}

func buildServices(ctx context.Context, logger *slog.Logger) (*services, error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	dbpool, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc := &services{cfg: cfg, pool: dbpool, closers: []func(){dbpool.Close}}

	clock := app.SystemClock{}
	repository := store.NewRepository(dbpool)
	ledger := app.NewLedger(repository, clock, cfg.EventFanoutEnabled, cfg.EventExchange)
	calendar := calendarclient.NewClient(cfg.CalendarServiceURL, cfg.CalendarServiceInternalAPIKey)
	lifecycle := app.NewLifecycle(repository, ledger, calendar, clock, logger, cfg.DefaultMaxRetries)
	guard := app.NewIdempotencyGuard(repository, ledger, logger)
	escalator := app.NewEscalator(clock, logger)

	gocardless := gocardlessclient.NewClient(cfg.GoCardlessGatewayURL, cfg.GoCardlessAccessToken)
	dispatcher := app.NewDispatcher(map[domain.Provider]app.ProviderHandler{
		domain.ProviderGoCardless: gocardless,
		domain.ProviderStripe:     stripeprovider.New(cfg.StripeSecretKey, cfg.StripeAPIURL),
	}, gocardless, cfg.ProviderTimeout())

	lock, err := newRunLock(ctx, cfg, dbpool, svc, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.repo = repository
	svc.ledger = ledger
	svc.lifecycle = lifecycle
	svc.intents = app.NewIntentService(repository, guard, ledger, escalator, clock, logger)
	svc.emission = app.NewEmissionScheduler(app.EmissionDeps{
		Repo:        repository,
		Lifecycle:   lifecycle,
		Guard:       guard,
		Dispatcher:  dispatcher,
		Escalator:   escalator,
		Ledger:      ledger,
		Lock:        lock,
		Clock:       clock,
		Location:    cfg.Location(),
		Concurrency: cfg.EmissionConcurrency,
		Logger:      logger,
	})
	return svc, nil
}

// newRunLock picks the cross-instance lock backend; the result always carries
// the in-process guard.
func newRunLock(ctx context.Context, cfg *config.Config, dbpool *pgxpool.Pool, svc *services, logger *slog.Logger) (app.RunLock, error) {
	switch cfg.RunLockBackend {
	case config.RunLockRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup; emission runs will fail until it is", "error", err)
		}
		logger.Info("using redis run lock", "key", cfg.RunLockKey)
		return app.NewGuardedRunLock(app.NewRedisRunLock(client, cfg.RunLockKey, cfg.RunLockTTL(), logger)), nil
	case config.RunLockLocal:
		logger.Warn("using process-local run lock; do not run more than one instance")
		return app.NewGuardedRunLock(nil), nil
	default:
		logger.Info("using postgres advisory run lock", "key", cfg.RunLockKey)
		return app.NewGuardedRunLock(store.NewAdvisoryLock(dbpool, cfg.RunLockKey)), nil
	}
}
