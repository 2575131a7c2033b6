package main

import (
	"context"
	"encoding/json"
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
	"github.com/shopspring/decimal"

	"github.com/loopfarm/farm-engine/internal/api"
	"github.com/loopfarm/farm-engine/internal/asset"
	"github.com/loopfarm/farm-engine/internal/config"
	"github.com/loopfarm/farm-engine/internal/engine"
	"github.com/loopfarm/farm-engine/internal/flashloan"
	"github.com/loopfarm/farm-engine/internal/ledger"
	"github.com/loopfarm/farm-engine/internal/metrics"
	"github.com/loopfarm/farm-engine/internal/moneymarket"
	"github.com/loopfarm/farm-engine/internal/swap"
)

// Simulated protocol accounts.
const (
	acctOwner      = "owner"
	acctEngine     = "farm-engine"
	acctMarketPool = "compound-pool"
	acctFlashPool  = "balancer-vault"
	acctRouter     = "uniswap-router"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize ledger store ---
	var st ledger.Store
	var cleanup []func()

	if dbURL := cfg.Server.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = ledger.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := cfg.Server.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = ledger.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (data will not persist)")
		st = ledger.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Simulated protocol ---
	assets := asset.NewLedger()
	base := cfg.Strategy.BaseAsset
	reward := cfg.Strategy.RewardAsset

	if err := assets.Mint(acctMarketPool, base, decimal.NewFromFloat(cfg.Market.PoolLiquidity)); err != nil {
		slog.Error("market pool seeding failed", "err", err)
		os.Exit(1)
	}
	if err := assets.Mint(acctFlashPool, base, decimal.NewFromFloat(cfg.FlashLoan.PoolLiquidity)); err != nil {
		slog.Error("flash pool seeding failed", "err", err)
		os.Exit(1)
	}

	market := moneymarket.NewSimMarket(assets, moneymarket.SimConfig{
		PoolAccount:      acctMarketPool,
		Underlying:       base,
		RewardAsset:      reward,
		CollateralFactor: decimal.NewFromFloat(cfg.Market.CollateralFactor),
		SupplyRate:       decimal.NewFromFloat(cfg.Market.SupplyRate),
		BorrowRate:       decimal.NewFromFloat(cfg.Market.BorrowRate),
		RewardPerBlock:   decimal.NewFromFloat(cfg.Market.RewardPerBlock),
	})

	lender := flashloan.NewSimLender(assets, acctFlashPool, acctEngine,
		decimal.NewFromFloat(cfg.FlashLoan.FeeRate), market.CurrentBlock)
	lender.Register(market)

	eng := engine.New(engine.Config{
		Account:      acctEngine,
		Owner:        acctOwner,
		BaseAsset:    base,
		RewardAsset:  reward,
		SafetyMargin: cfg.SafetyMargin(),
	}, assets, moneymarket.NewAdapter(market, acctEngine), lender, st, market.CurrentBlock)

	// --- Funding step: swap ETH for the base asset, then fund the engine ---
	router := swap.NewSimRouter(assets, acctRouter)
	if err := router.AddLiquidity("WETH", base, decimal.NewFromInt(1000), decimal.NewFromInt(3_000_000)); err != nil {
		slog.Error("router seeding failed", "err", err)
		os.Exit(1)
	}
	if err := assets.Mint(acctOwner, "WETH", decimal.NewFromInt(1)); err != nil {
		slog.Error("owner seeding failed", "err", err)
		os.Exit(1)
	}

	funded, err := router.SwapExactInput(context.Background(), acctOwner,
		"WETH", base, decimal.NewFromInt(1), decimal.Zero, time.Now().Add(20*time.Minute))
	if err != nil {
		slog.Error("funding swap failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Fund(context.Background(), acctOwner, funded); err != nil {
		slog.Error("engine funding failed", "err", err)
		os.Exit(1)
	}
	slog.Info("engine funded via swap", "amount", funded.String(), "asset", base)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(eng, st, wsHub, decimal.NewFromFloat(cfg.Strategy.TargetLeverage))

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
		w.Write([]byte(`{"status":"ok","service":"farm-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position events.
		r.Get("/ws", wsHub.HandleWS)

		// Position lifecycle.
		r.Post("/position/open", svc.OpenPosition)
		r.Post("/position/close", svc.ClosePosition)
		r.Get("/position", svc.GetPosition)
		r.Get("/position/history", svc.GetHistory)

		// Historical positions from the ledger store.
		r.Get("/positions", svc.ListPositions)
		r.Get("/positions/{positionID}", svc.GetPositionByID)

		// Simulation control: mine blocks to accrue interest and rewards.
		r.Post("/sim/advance", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Blocks uint64 `json:"blocks"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Blocks == 0 {
				http.Error(w, `{"error":"blocks must be a positive integer"}`, http.StatusBadRequest)
				return
			}
			market.AdvanceBlocks(req.Blocks)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]uint64{"block": market.CurrentBlock()})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("farm-engine listening", "port", cfg.Server.Port)
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

	slog.Info("shutting down farm-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("farm-engine stopped")
}
