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

	"github.com/stocksim/market-engine/internal/config"
	"github.com/stocksim/market-engine/internal/market"
	"github.com/stocksim/market-engine/internal/metrics"
	"github.com/stocksim/market-engine/internal/store"
	"github.com/stocksim/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
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

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// Seed the settings row on first boot so the gate has hours,
	// holidays and status to work with.
	if err := store.EnsureSettings(context.Background(), st); err != nil {
		slog.Error("settings unavailable at startup", "err", err)
		os.Exit(1)
	}

	// --- Market gate & price generator ---
	gate := market.NewGate(st)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := market.NewGenerator(st, gate, cfg.TickInterval, nil, wsHub)
	go gen.Run(ctx)

	// --- Wallet limits ---
	limits := trade.NewWalletLimits(cfg.MaxTxnAmount, cfg.MaxBalance)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, gate, gen, limits, wsHub, cfg.TradeDelay)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and settlement updates.
		r.Get("/ws", wsHub.HandleWS)

		// Instrument management.
		r.Get("/instruments", tradeSvc.ListInstruments)
		r.Post("/instruments", tradeSvc.CreateInstrument)
		r.Get("/instruments/ticker/{ticker}", tradeSvc.GetInstrumentByTicker)
		r.Get("/instruments/{instrumentID}", tradeSvc.GetInstrument)
		r.Get("/instruments/{instrumentID}/history", tradeSvc.GetHistory)

		// Market status.
		r.Get("/market/status", tradeSvc.GetMarketStatus)

		// Deferred trading.
		r.Post("/trades", tradeSvc.SubmitTrade)
		r.Delete("/trades/{intentID}", tradeSvc.CancelTrade)

		// Wallets.
		r.Get("/wallets/{userID}", tradeSvc.GetWallet)
		r.Post("/wallets/{userID}/deposit", tradeSvc.Deposit)
		r.Post("/wallets/{userID}/withdraw", tradeSvc.Withdraw)

		// Portfolio and trade history.
		r.Get("/portfolio/{userID}", tradeSvc.GetPortfolio)
		r.Get("/users/{userID}/trades", tradeSvc.GetTrades)

		// Administration.
		r.Post("/admin/market/override", tradeSvc.SetOverride)
		r.Post("/admin/market/clock", tradeSvc.SetClock)
		r.Post("/admin/history/seed", tradeSvc.SeedHistory)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port, "tick", cfg.TickInterval.String(), "trade_delay", cfg.TradeDelay.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down market-engine...")
	cancel()
	tradeSvc.Queue().Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
