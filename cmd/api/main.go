// Package main is the entry point for the Veyra token ledger API server.
//
// This server exposes the REST surface that generation backends call for
// token accounting: grants, reservations, refunds and balance reads.
//
// The server initializes:
// 1. The ledger store (PostgreSQL, or SQLite for single-node deployments)
// 2. The ledger engine
// 3. The Redis balance mirror for read-heavy consumers
// 4. HTTP server with health checks and metrics
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize dependencies
// 3. Start HTTP server
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Clean up resources
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/veyra/tokenledger/internal/ledger"
	"github.com/veyra/tokenledger/internal/metrics"
	"github.com/veyra/tokenledger/internal/rest"
	"github.com/veyra/tokenledger/internal/store"
	"github.com/veyra/tokenledger/internal/store/postgres"
	"github.com/veyra/tokenledger/internal/store/sqlite"
	syncpkg "github.com/veyra/tokenledger/internal/sync"
)

// Config holds all configuration for the server.
// All fields are loaded from environment variables.
type Config struct {
	HTTPPort      string
	PostgresURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	MirrorEvery   time.Duration
	LogLevel      string
	Environment   string
}

// LoadConfig loads configuration from environment variables with defaults.
// When POSTGRES_URL is empty the server falls back to an embedded SQLite
// database at SQLITE_PATH.
func LoadConfig() *Config {
	mirrorEvery := 5 * time.Minute
	if v := os.Getenv("MIRROR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			mirrorEvery = d
		}
	}

	return &Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		PostgresURL:   getEnv("POSTGRES_URL", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/tokenledger.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MirrorEvery:   mirrorEvery,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Environment:   getEnv("ENVIRONMENT", "development"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Load configuration
	cfg := LoadConfig()

	// Initialize structured logger
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting veyra token ledger api server")

	// Initialize the ledger store
	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer st.Close()

	// Initialize metrics and the engine
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	engine := ledger.NewEngine(st, logger, ledger.WithMetrics(collector))

	logger.Info().Msg("ledger engine initialized")

	// Optional Redis balance mirror for read-heavy consumers
	var mirror *syncpkg.Mirror
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     100,
			MinIdleConns: 25,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		cancel()

		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

		mirror = syncpkg.NewMirror(redisClient, st, logger)

		// Populate the mirror before serving so balance reads against
		// Redis never see a cold cache.
		initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mirror.MirrorAll(initCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize redis balance mirror")
		}
		initCancel()

		mirror.StartPeriodicMirror(cfg.MirrorEvery)
		defer mirror.Stop()

		logger.Info().Dur("interval", cfg.MirrorEvery).Msg("redis balance mirror running")
	}

	// Build the HTTP server
	handler := rest.NewHandler(engine, st, collector, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      rest.LoggingMiddleware(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.HTTPPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	logger.Info().Msg("shutdown complete")
}

// openStore selects the backing store from configuration. PostgreSQL when a
// URL is configured, embedded SQLite otherwise.
func openStore(cfg *Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.PostgresURL != "" {
		logger.Info().Msg("using postgresql store")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, cfg.PostgresURL)
	}

	logger.Info().Str("path", cfg.SQLitePath).Msg("using sqlite store")
	return sqlite.New(cfg.SQLitePath)
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	// Parse log level
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "tokenledger-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}
