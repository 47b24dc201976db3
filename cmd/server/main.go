/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coach payout server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zap logger
  3. Open the store (SQLite, or PostgreSQL with goose migrations)
  4. Attach the Redis summary cache and RabbitMQ publisher when configured
  5. Configure HTTP router, start the draft refresher
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the draft refresher
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close broker, cache and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payouts.db"

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Store implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payout-engine/api"
	"github.com/warp/payout-engine/cache"
	"github.com/warp/payout-engine/config"
	"github.com/warp/payout-engine/events"
	"github.com/warp/payout-engine/logging"
	"github.com/warp/payout-engine/payout"
	"github.com/warp/payout-engine/store/postgres"
	"github.com/warp/payout-engine/store/sqlite"
)

type closer interface {
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.Port, cfg.DBPath = *port, *dbPath
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Env)
	defer logger.Sync()
	if !cfg.EnvFileLoaded {
		logger.Debug("no .env file, using environment only")
	}

	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	if c, ok := store.(closer); ok {
		defer c.Close()
	}

	engine := payout.NewEngine(store, logger.Named("payout"))

	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis unavailable, summary cache disabled", zap.Error(err))
		} else {
			defer client.Close()
			engine.Cache = cache.NewSummaryCache(client, cfg.SummaryCacheTTL, logger.Named("cache"))
			logger.Info("summary cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.SummaryCacheTTL))
		}
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := events.NewPublisher(cfg.RabbitMQURL, logger.Named("events"))
		if err != nil {
			logger.Warn("rabbitmq unavailable, run events disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			engine.Publisher = publisher
			logger.Info("run events enabled", zap.String("queue", events.DefaultQueue))
		}
	}

	// Initialize handler and router
	handler := api.NewHandler(engine, logger.Named("http"))
	router := api.NewRouter(handler, cfg.CORSOrigins)

	refresher := api.NewDraftRefresher(engine, logger, cfg.RefreshInterval)
	refresher.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Port)),
			zap.String("env", cfg.Env),
			zap.String("driver", cfg.DBDriver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return
	}

	logger.Info("server stopped")
}

// openStore opens the configured database and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (payout.TxStore, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		version, err := postgres.Version(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("postgres ready", zap.Int64("schema_version", version))
		return postgres.New(pool), nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite ready", zap.String("path", cfg.DBPath))
		return store, nil
	}
}
