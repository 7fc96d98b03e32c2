package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/leadwave/automations/internal/actions"
	"github.com/leadwave/automations/internal/api"
	"github.com/leadwave/automations/internal/auth"
	"github.com/leadwave/automations/internal/config"
	"github.com/leadwave/automations/internal/crm"
	"github.com/leadwave/automations/internal/engine"
	"github.com/leadwave/automations/internal/logging"
	"github.com/leadwave/automations/internal/repository"
	wftls "github.com/leadwave/automations/internal/tls"
	"github.com/leadwave/automations/internal/trigger"
	"github.com/leadwave/automations/internal/worker"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.NewLogger(*logLevel)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("configuration loading failed: %v", err)
	}
	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("db_driver", cfg.DB.Driver),
		slog.String("config_file", viper.ConfigFileUsed()),
	)

	logger.Info("starting automation service")

	store, cleanup, err := initStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}
	defer cleanup()

	registry := actions.NewRegistry()
	crmClient := crm.NewHTTPClient(cfg.CRM.BaseURL, cfg.CRM.APIKey)
	actions.RegisterDefaults(registry, crmClient, store)

	matcher := trigger.NewMatcher(store, store, logger)
	runner := engine.NewRunner(registry, store, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("automations"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	verifier := auth.NewVerifier(
		cfg.Webhook.SigningSecret,
		cfg.Webhook.APIKey,
		cfg.Webhook.SignatureTTL,
		cfg.IsProduction(),
		logger,
	)

	srv := api.NewServer(store, matcher, registry, logger)
	srv.RegisterRoutes(e, verifier.Middleware())

	logger.Info("HTTP handlers mounted")

	// Optional in-process worker, for single-binary deployments. Larger
	// installs run cmd/worker separately against the same database.
	var pool *worker.Pool
	if cfg.Server.EmbeddedWorker {
		opts := []worker.Option{
			worker.WithConcurrency(cfg.Worker.Concurrency),
			worker.WithBatchSize(cfg.Worker.BatchSize),
			worker.WithPollInterval(cfg.Worker.PollInterval),
		}
		if cfg.Dispatch.ReclaimStale {
			opts = append(opts, worker.WithStaleReclaim(cfg.Dispatch.StaleThreshold))
		}
		pool = worker.NewPool(store, runner, logger, opts...)
		pool.Start()
	}

	scheduler := trigger.NewScheduler(matcher, logger)
	for label, spec := range cfg.Schedules {
		if err := scheduler.Add(label, spec); err != nil {
			log.Fatalf("invalid cron schedule %q: %v", label, err)
		}
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("address", cfg.Server.Addr), slog.Bool("tls", cfg.TLS.Enable))
		if cfg.TLS.Enable {
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				serverErrors <- fmt.Errorf("tls enabled but cert/key file not provided")
				return
			}
			if err := wftls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
				logger.Error("failed to ensure self-signed cert", slog.String("error", err.Error()))
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		scheduler.Stop()
		if pool != nil {
			if err := pool.Stop(ctx); err != nil {
				logger.Error("worker shutdown error", slog.String("error", err.Error()))
			}
		}
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
			if err := server.Close(); err != nil {
				logger.Error("server close error", slog.String("error", err.Error()))
			}
		}

		logger.Info("server stopped gracefully")
	}
}

// initStore selects the storage backend from config. Postgres is the
// production path; the in-memory store exists for development and
// single-process testing and loses everything on restart.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	switch cfg.DB.Driver {
	case "memory":
		logger.Warn("using in-memory storage; dispatches will not survive a restart")
		return repository.NewMemoryStore(), func() {}, nil
	case "postgres":
		pool, err := initDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("schema migration failed: %w", err)
		}
		logger.Info("database connected", slog.String("host", cfg.DB.Host), slog.String("name", cfg.DB.Name))
		return repository.NewPostgresStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
