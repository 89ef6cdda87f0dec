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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/api"
	"github.com/copytrade/copy-engine/internal/cache"
	"github.com/copytrade/copy-engine/internal/limits"
	"github.com/copytrade/copy-engine/internal/metrics"
	"github.com/copytrade/copy-engine/internal/pricing"
	"github.com/copytrade/copy-engine/internal/settlement"
	"github.com/copytrade/copy-engine/internal/stats"
	"github.com/copytrade/copy-engine/internal/store"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Stats cache ---
	var statsCache cache.Cache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		statsCache = cache.NewRedisCache(rdb)
		slog.Info("Redis stats cache enabled")
	} else {
		statsCache = cache.NewMemoryCache()
		slog.Warn("REDIS_URL not set, using in-process stats cache")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price source ---
	var prices pricing.Source
	if os.Getenv("PRICE_SOURCE") == "binance" {
		prices = pricing.NewBinanceSource()
		slog.Info("using Binance price source")
	} else {
		prices = pricing.NewStaticSource(map[string]decimal.Decimal{
			"BTC": decimal.NewFromInt(65000),
			"ETH": decimal.NewFromInt(3000),
			"SOL": decimal.NewFromInt(150),
		})
		slog.Warn("PRICE_SOURCE not set, using static prices")
	}

	// --- Allocation limits ---
	maxPerMarket := envDecimal("MAX_ALLOCATION_PER_MARKET", decimal.NewFromInt(50000))
	maxPerLeader := envDecimal("MAX_ALLOCATION_PER_LEADER", decimal.NewFromInt(200000))
	limiter := limits.NewAllocationLimiter(maxPerMarket, maxPerLeader)

	// --- Event hub ---
	hub := api.NewEventHub()
	go hub.Run()

	// --- Engines ---
	statsEngine := stats.NewEngine(st, statsCache, prices)
	settleEngine := settlement.NewEngine(st, prices, limiter, statsEngine, hub)
	svc := api.NewService(st, settleEngine, statsEngine, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"copy-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("copy-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down copy-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("copy-engine stopped")
}

// envDecimal reads a decimal environment variable, falling back on parse
// failure or absence.
func envDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("invalid decimal env value, using default", "key", key, "value", raw)
		return fallback
	}
	return d
}
