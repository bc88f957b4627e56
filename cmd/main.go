/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, the database,
 * the message broker, the rate limiter, the escrow engine, the auto-release scheduler
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limiting for the status poll.
 * - github.com/prometheus/client_golang: Metrics registry and exposition.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/store"
	rmrabbit "github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load .env for local development; absent files are fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("escrow-service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	logger.Info("starting escrow-service", "port", cfg.ServerPort, "database_driver", cfg.DatabaseDriver)

	repository, closeRepository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepository()

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; lifecycle events disabled", "env", "RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	statusLimiter, closeLimiter, err := newStatusLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	escrowService := app.NewService(repository, publisher, logger, app.Settings{
		AutoReleaseAfter: time.Duration(cfg.AutoReleaseMinutes) * time.Minute,
		PaymentDeadline:  time.Duration(cfg.PaymentDeadlineMinutes) * time.Minute,
		ShareBaseURL:     cfg.TransferShareBaseURL,
		EventsExchange:   cfg.EventsExchange,
		SweepBatchSize:   cfg.AutoReleaseSweepBatchSize,
	})
	escrowService.SetTokenGenerator(app.NewUniqueCodeGenerator(cfg.TransferCodeLength, repository.TransferCodeExists))
	escrowService.SetMetrics(app.NewMetrics(registry))

	scheduler := app.NewScheduler(escrowService, logger, cfg.AutoReleaseSweepSchedule)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start auto-release scheduler: %w", err)
	}

	if cfg.AdminJWTSecret == "" && cfg.AdminJWKSURL == "" {
		logger.Warn("no admin token verifier configured; admin routes will reject every request", "env", "ADMIN_JWT_SECRET/ADMIN_JWKS_URL")
	}

	handlers := api.NewEscrowHandlers(escrowService, logger)
	router := api.EscrowRoutes(handlers, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins(),
		AdminAuth: api.AdminAuthConfig{
			Secret:  cfg.AdminJWTSecret,
			JWKSURL: cfg.AdminJWKSURL,
			Issuer:  cfg.AdminJWTIssuer,
		},
		StatusLimiter: statusLimiter,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("server stopped unexpectedly", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("auto-release sweep still running at shutdown")
	}

	logger.Info("shutdown complete")
	return runErr
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func(), error) {
	if cfg.DatabaseDriver == config.DriverSQLite {
		repo, err := store.NewSQLiteRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		logger.Info("sqlite database opened", "path", cfg.DatabaseURL)
		return repo, func() { _ = repo.Close() }, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("database connected")

	repo := store.NewPostgresRepository(dbpool)
	if cfg.DatabaseAutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			dbpool.Close()
			return nil, nil, err
		}
		logger.Info("database schema applied")
	}
	return repo, dbpool.Close, nil
}

// newStatusLimiter prefers Redis so replicas share one budget and falls back to an
// in-process limiter.
func newStatusLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (app.RateLimiter, func(), error) {
	window := time.Minute
	limit := cfg.StatusPollRateLimitPerMinute

	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis url parse failed; using in-process rate limiting", "error", err)
		} else {
			client := redis.NewClient(redisOptions)
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx).Err(); err != nil {
				logger.Warn("redis ping failed; using in-process rate limiting", "error", err)
				_ = client.Close()
			} else {
				logger.Info("redis connected")
				return app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix, limit, window), func() { _ = client.Close() }, nil
			}
		}
	}

	limiter, err := app.NewMemoryRateLimiter(limit, window, 0)
	if err != nil {
		return nil, nil, err
	}
	return limiter, func() {}, nil
}
