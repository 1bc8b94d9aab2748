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
	"github.com/redis/go-redis/v9"

	"github.com/netshift/settlement-engine/internal/config"
	"github.com/netshift/settlement-engine/internal/exchange"
	"github.com/netshift/settlement-engine/internal/lock"
	"github.com/netshift/settlement-engine/internal/logging"
	"github.com/netshift/settlement-engine/internal/metrics"
	"github.com/netshift/settlement-engine/internal/netting"
	"github.com/netshift/settlement-engine/internal/orchestrator"
	"github.com/netshift/settlement-engine/internal/poller"
	"github.com/netshift/settlement-engine/internal/pricing"
	"github.com/netshift/settlement-engine/internal/retry"
	"github.com/netshift/settlement-engine/internal/settlement"
	"github.com/netshift/settlement-engine/internal/store"
	"github.com/netshift/settlement-engine/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis (lock, price cache, store cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.StoreCacheTTL)
			slog.Info("settlement cache enabled", "ttl", cfg.StoreCacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Settlement lock ---
	var locker lock.Locker = lock.NewMemory()
	if rdb != nil {
		opts := lock.DefaultOptions()
		opts.Expiry = cfg.LockExpiry
		locker = lock.NewRedis(rdb, opts)
	}

	// --- Prices ---
	var price netting.PriceFunc
	if cfg.PriceOracleURL != "" {
		oracle := pricing.NewOracle(cfg.PriceOracleURL, nil)
		price = oracle.Price
		if rdb != nil {
			price = pricing.NewCached(oracle.Price, rdb, cfg.PriceCacheTTL).Price
		}
		slog.Info("price oracle enabled", "url", cfg.PriceOracleURL)
	} else {
		slog.Warn("PRICE_ORACLE_URL not set, pricing from the fallback table only")
	}

	// --- Exchange ---
	scheduler := throttle.NewLimiter(cfg.Throttle, throttle.WithWaitObserver(func(class throttle.Class, wait time.Duration) {
		metrics.ThrottleWait.WithLabelValues(string(class)).Observe(wait.Seconds())
	}))
	client := exchange.NewSideShift(exchange.Config{
		BaseURL:     cfg.ExchangeURL,
		Secret:      cfg.ExchangeSecret,
		AffiliateID: cfg.AffiliateID,
		Timeout:     cfg.ExchangeTimeout,
	})
	policy := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Retryable:   exchange.IsRetryable,
	}

	// --- WebSocket hub ---
	hub := settlement.NewHub()
	go hub.Run(ctx)

	// --- Settlement service ---
	svc := settlement.NewService(settlement.Deps{
		Store:     st,
		Locker:    locker,
		Executor:  orchestrator.New(client, exchange.Structural{}, scheduler, orchestrator.Config{FanOut: cfg.FanOut, Retry: policy}),
		Poller:    poller.New(client, scheduler, policy),
		Exchange:  client,
		Scheduler: scheduler,
		Price:     price,
		Fallback:  cfg.FallbackPrices,
		Hub:       hub,
		Deposit:   cfg.Deposit,
	})
	go settlement.NewWatcher(svc, cfg.PollInterval).Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	// The caller address feeds the exchange compliance gate; forwarded
	// headers are client controlled unless a proxy rewrites them.
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api := settlement.NewAPI(svc)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement status events.
		r.Get("/ws", hub.HandleWS)

		// Execution waits on the exchange throttle, so only the
		// request/response routes get a deadline.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(2 * time.Minute))
			api.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("settlement-engine stopped")
}
