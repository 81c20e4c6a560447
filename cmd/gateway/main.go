package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/manifold-ai/manifold-gateway/internal/auth"
	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/config"
	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/gateway"
	"github.com/manifold-ai/manifold-gateway/internal/policy"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/ratelimit"
	"github.com/manifold-ai/manifold-gateway/internal/telemetry"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

var version = "dev"

func main() {
	configDir := flag.String("config", "configs", "path to configuration directory")
	flag.Parse()

	godotenv.Load()

	loader := config.NewLoader(*configDir, nil)
	if err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Telemetry)
	slog.SetDefault(logger)

	if err := loader.Watch(); err != nil {
		logger.Warn("failed to start config watcher", "error", err)
	}

	ctx := context.Background()

	// Connect to PostgreSQL
	dbPool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Warn("database not reachable (gateway will start but auth will fail)", "error", err)
	} else {
		logger.Info("database connected")
	}

	// Connect to Redis
	var rdb *redis.Client
	if len(cfg.Redis.Addresses) > 0 && cfg.Redis.Addresses[0] != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addresses[0],
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable (auth cache and rate limiting disabled)", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	metrics := telemetry.NewMetrics()

	// Outbound transport shared by every adapter
	client := transport.NewClient(transport.Options{
		Retry: transport.RetryPolicy{
			MaxRetries:  cfg.Transport.MaxRetries,
			BackoffBase: cfg.Transport.BackoffBase,
			BackoffMax:  cfg.Transport.BackoffMax,
		},
		DNSTTL:          cfg.Transport.DNSTTL,
		MaxConnsPerHost: cfg.Transport.MaxConnsPerHost,
		RequestTimeout:  cfg.Transport.RequestTimeout,
	}, logger)

	// Provider pool
	manager := pool.NewManager(client, metrics, logger)
	store := pool.NewStore(cfg.Pool.File, logger)
	entries, err := store.Load()
	if err != nil {
		logger.Error("failed to load pool file", "file", cfg.Pool.File, "error", err)
		os.Exit(1)
	}
	if err := manager.LoadEntries(entries); err != nil {
		logger.Error("failed to build provider pool", "error", err)
		os.Exit(1)
	}
	logger.Info("provider pool loaded", "file", cfg.Pool.File, "entries", len(entries))

	if err := store.Watch(func(cfgs []pool.EntryConfig) {
		if err := manager.ReplaceAll(cfgs); err != nil {
			logger.Error("failed to apply pool file change", "error", err)
			return
		}
		logger.Info("provider pool reloaded", "entries", len(cfgs))
	}); err != nil {
		logger.Warn("failed to start pool file watcher", "error", err)
	}

	prober := pool.NewProber(manager, cfg.Pool.ProbeInterval, logger)
	probeCtx, stopProber := context.WithCancel(ctx)
	defer stopProber()
	go prober.Run(probeCtx)

	// Access policy
	access := policy.NewEvaluator(logger)
	if err := access.Load(cfg.Policy.Dir); err != nil {
		logger.Error("failed to load access policy", "dir", cfg.Policy.Dir, "error", err)
		os.Exit(1)
	}

	// Gateway handlers
	handler := gateway.NewHandler(convert.DefaultRegistry(), manager, access, metrics, func() gateway.SystemDefault {
		sys := loader.Config().System
		return gateway.SystemDefault{Prompt: sys.Prompt, Mode: canonical.SystemMode(sys.Mode)}
	}, logger)
	admin := gateway.NewAdminHandler(manager, store, prober, logger)

	keyStore := auth.NewCachedKeyStore(dbPool, rdb)
	limiter := ratelimit.NewLimiter(rdb)

	router := gateway.Routes(handler, admin,
		auth.Middleware(keyStore),
		ratelimit.Middleware(limiter),
	)

	// Metrics listener on its own port
	if cfg.Telemetry.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", "addr", addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	stopProber()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func newLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.LogFormat == "text" {
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
