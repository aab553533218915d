package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/atmx/spot-exchange/internal/api"
	"github.com/atmx/spot-exchange/internal/config"
	"github.com/atmx/spot-exchange/internal/exchange"
	"github.com/atmx/spot-exchange/internal/logging"
	"github.com/atmx/spot-exchange/internal/metrics"
	"github.com/atmx/spot-exchange/internal/notify"
	"github.com/atmx/spot-exchange/internal/store"
	"github.com/atmx/spot-exchange/internal/symbol"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	_, flush, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		slog.Error("logger", "err", err)
		os.Exit(1)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.Trading.LockTimeout)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis order book cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Notifications ---
	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)

	sinks := []notify.Sink{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { ks.Close() })
		sinks = append(sinks, ks)
		slog.Info("Kafka trade feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, sinks...)
	go dispatcher.Run(ctx)

	// --- Exchange service ---
	symbols, err := symbol.NewRegistry(cfg.Trading.SupportedSymbols...)
	if err != nil {
		slog.Error("invalid supported symbols", "err", err)
		os.Exit(1)
	}
	svc := exchange.NewService(st, exchange.Options{
		Symbols:    symbols,
		Limits:     cfg.Trading.Limiter(),
		Policy:     cfg.Trading.Policy(),
		MaxRetries: cfg.Trading.MaxRetries,
	}, dispatcher)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"spot-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	var apiOpts []api.Option
	if cfg.FundingEnabled {
		slog.Warn("funding endpoints enabled: any caller can open and fund accounts")
		apiOpts = append(apiOpts, api.WithFunding())
	}
	r.Route("/api/v1", api.NewHandler(svc, wsHub, apiOpts...).Register)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", api.AccountHeader},
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("spot-exchange listening",
			"port", cfg.Port,
			"symbols", symbols.List(),
			"commission_rate", cfg.Trading.CommissionRate.String(),
			"commission_from", cfg.Trading.CommissionFrom,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down spot-exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("spot-exchange stopped")
}
