/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the escrow engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Resolve configuration (defaults, YAML, .env, environment, flags)
  2. Build the zap logger
  3. Open the configured store (memory, sqlite or postgres)
  4. Wire ledger observers: metrics, websocket feed, Kafka, Redis cache
  5. Configure HTTP router and the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file
  -env     .env file (default: .env, skipped when absent)
  -port    HTTP server port (overrides http_addr)
  -db      SQLite database path
  -driver  Storage driver: memory, sqlite or postgres

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Disconnect websocket clients, flush Kafka, close Redis and the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/escrow.db"

  # Run in memory, journaled to disk
  ESCROW_JOURNAL_DIR=./wal ./server -driver=memory

  # Run against Postgres
  ESCROW_POSTGRES_DSN=postgres://localhost/escrow ./server -driver=postgres

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/escrow-engine/api"
	"github.com/warp/escrow-engine/auth"
	"github.com/warp/escrow-engine/config"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/escrow/store"
	"github.com/warp/escrow-engine/events"
	"github.com/warp/escrow-engine/metrics"
	"github.com/warp/escrow-engine/store/cache"
	"github.com/warp/escrow-engine/store/postgres"
	"github.com/warp/escrow-engine/store/sqlite"
)

// ledgerStore is what every storage driver provides.
type ledgerStore interface {
	escrow.TxStore
	Close() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ledgerStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		if cfg.JournalDir == "" {
			logger.Warn("memory storage without a journal; state is lost on exit")
			return store.NewMemory(), nil
		}
		j, err := store.OpenWALJournal(cfg.JournalDir)
		if err != nil {
			return nil, err
		}
		m, err := store.NewJournaledMemory(j)
		if err != nil {
			j.Close()
			return nil, err
		}
		logger.Info("memory storage journaled", zap.String("dir", cfg.JournalDir), zap.Uint64("index", j.CurrentIndex()))
		return m, nil
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	defer st.Close()
	logger.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	// Observers
	recorder := metrics.NewRecorder()
	feed := api.NewFeed(logger.Named("feed"))
	defer feed.Close()
	opts := []escrow.Option{
		escrow.WithLogger(logger.Named("ledger")),
		escrow.WithObserver(recorder),
		escrow.WithObserver(feed),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), logger.Named("events"))
		defer publisher.Close()
		opts = append(opts, escrow.WithObserver(publisher))
		logger.Info("publishing ledger events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	ledger := escrow.NewWalletLedger(st, opts...)
	handler := api.NewHandler(ledger, logger.Named("api"))
	handler.Scheduler.CheckInterval = cfg.ReconcileInterval
	handler.Scheduler.Observer = recorder
	if p, ok := st.(pinger); ok {
		handler.Ping = p.Ping
	}

	if len(cfg.Redis.Addrs) > 0 {
		rdb := cache.NewRedis(cfg.Redis.Addrs, cfg.Redis.Password)
		defer rdb.Close()
		if err := rdb.Ping(ctx); err != nil {
			logger.Warn("redis unreachable; balance reads fall through to storage", zap.Error(err))
		}
		balances := cache.NewBalanceCache(rdb, ledger, cfg.Redis.TTL, logger.Named("cache"))
		ledger.Subscribe(balances)
		handler.Balances = balances
	}

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	router := api.NewRouter(handler, api.RouterConfig{
		Tokens:         tokens,
		Metrics:        recorder,
		MetricsHandler: recorder.Handler(),
		Feed:           feed,
	})

	handler.Scheduler.Start()
	defer handler.Scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
