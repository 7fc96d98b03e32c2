package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leadwave/automations/internal/actions"
	"github.com/leadwave/automations/internal/config"
	"github.com/leadwave/automations/internal/crm"
	"github.com/leadwave/automations/internal/engine"
	"github.com/leadwave/automations/internal/logging"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/internal/worker"
)

// Standalone dispatch worker. Any number of these may run against the
// same database; the claim protocol keeps them from stepping on each
// other. Requires the postgres driver since workers share the queue
// through the database.
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
	if cfg.DB.Driver != "postgres" {
		log.Fatalf("standalone workers require db.driver=postgres, got %q", cfg.DB.Driver)
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		log.Fatalf("database initialization failed: %v", err)
	}
	defer pool.Close()

	if err := repository.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	registry := actions.NewRegistry()
	crmClient := crm.NewHTTPClient(cfg.CRM.BaseURL, cfg.CRM.APIKey)
	actions.RegisterDefaults(registry, crmClient, store)

	runner := engine.NewRunner(registry, store, logger)

	opts := []worker.Option{
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithBatchSize(cfg.Worker.BatchSize),
		worker.WithPollInterval(cfg.Worker.PollInterval),
	}
	if cfg.Dispatch.ReclaimStale {
		opts = append(opts, worker.WithStaleReclaim(cfg.Dispatch.StaleThreshold))
	}
	p := worker.NewPool(store, runner, logger, opts...)
	p.Start()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		logger.Error("worker shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("worker stopped gracefully")
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
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
