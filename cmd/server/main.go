package main

import (
	"context"
	"errors"
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

	"github.com/earnpool/pool-engine/internal/allocation"
	"github.com/earnpool/pool-engine/internal/config"
	"github.com/earnpool/pool-engine/internal/growth"
	"github.com/earnpool/pool-engine/internal/lock"
	"github.com/earnpool/pool-engine/internal/logging"
	"github.com/earnpool/pool-engine/internal/market"
	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/model"
	"github.com/earnpool/pool-engine/internal/notify"
	"github.com/earnpool/pool-engine/internal/pnl"
	"github.com/earnpool/pool-engine/internal/store"
	"github.com/earnpool/pool-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser := logging.Setup(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, rdb, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if err := ensureWallet(ctx, st, cfg); err != nil {
		slog.Error("wallet init failed", "wallet", cfg.WalletID, "err", err)
		os.Exit(1)
	}

	// --- Trade lock ---
	var locker lock.Locker = lock.NewStoreLocker(st, cfg.LockTTL)
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
	}

	// --- Exchange ---
	if !cfg.DryRun && (cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "") {
		slog.Error("live trading requires BINANCE_API_KEY and BINANCE_API_SECRET")
		os.Exit(1)
	}
	client := market.NewBinanceClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet)
	limiter := market.NewLimiter(cfg.ExchangeRateLimit)
	prices := market.NewBinancePriceSource(client, limiter, logger)
	var exchange market.Exchange
	if !cfg.DryRun {
		exchange = market.NewBinanceExchange(client, limiter)
	}

	// --- Trade cycle ---
	sizer, err := allocation.NewSizer(cfg.AllocationPercent, cfg.MinAllocation, cfg.MaxAllocation)
	if err != nil {
		slog.Error("invalid allocation settings", "err", err)
		os.Exit(1)
	}
	policy, err := pnl.ParseFailurePolicy(cfg.FailedBuyPolicy)
	if err != nil {
		slog.Error("invalid FAILED_BUY_POLICY", "err", err)
		os.Exit(1)
	}

	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	orch, err := trade.NewOrchestrator(trade.Config{
		WalletID:            cfg.WalletID,
		QuoteAsset:          cfg.QuoteAsset,
		TopN:                cfg.TopN,
		MaxConcurrentTrades: cfg.MaxConcurrentTrades,
		DryRun:              cfg.DryRun,
		FailedBuyPolicy:     policy,
	}, trade.Deps{
		Store:    st,
		Locker:   locker,
		Prices:   prices,
		Exchange: exchange,
		Sizer:    sizer,
		Exit:     trade.NewRandomExit(cfg.TakeProfitPct, cfg.StopLossPct, cfg.WinProbability, nil),
		Hub:      wsHub,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	runner := trade.NewRunner(orch, cfg.TradeInterval, newNotifier(cfg), wsHub, logger)
	go runner.Run(ctx)

	if cfg.GrowthInterval > 0 {
		sim, err := growth.NewSimulator(st, cfg.GrowthMinPct, cfg.GrowthMaxPct, nil, logger)
		if err != nil {
			slog.Error("invalid growth settings", "err", err)
			os.Exit(1)
		}
		go sim.Run(ctx, cfg.GrowthInterval)
	}

	// --- HTTP router ---
	tradeSvc := trade.NewService(st, runner, cfg.WalletID)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for operator dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade and cycle events.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(2 * time.Minute))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pool-engine listening",
			"port", cfg.Port,
			"wallet", cfg.WalletID,
			"dry_run", cfg.DryRun,
			"testnet", cfg.BinanceTestnet,
			"lock", cfg.LockBackend,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pool-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pool-engine stopped")
}

// openStore picks PostgreSQL, then SQLite, then memory, and wraps the
// persistent ones in the Redis cache when REDIS_URL is set. The Redis
// client is returned for the lock as well; it is nil without REDIS_URL.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *redis.Client, []func(), error) {
	var st store.Store
	var cleanup []func()
	persistent := true

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, cleanup, fmt.Errorf("database ping: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, nil, cleanup, fmt.Errorf("database migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		persistent = false
	}

	if cfg.RedisURL == "" {
		return st, nil, cleanup, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	cleanup = append(cleanup, func() { rdb.Close() })
	if persistent {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return st, rdb, cleanup, nil
}

func ensureWallet(ctx context.Context, st store.Store, cfg *config.Config) error {
	_, err := st.GetWallet(ctx, cfg.WalletID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if !cfg.WalletAutocreate {
		slog.Warn("wallet does not exist, cycles will be skipped", "wallet", cfg.WalletID)
		return nil
	}
	err = st.CreateWallet(ctx, &model.Wallet{ID: cfg.WalletID})
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	if err == nil {
		slog.Info("wallet created", "wallet", cfg.WalletID)
	}
	return err
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.TelegramToken == "" {
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramAdminChatID)
	if err != nil {
		slog.Warn("telegram disabled", "err", err)
		return notify.Nop{}
	}
	slog.Info("telegram notifications enabled")
	return tg
}
