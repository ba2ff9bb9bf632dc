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
	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/config"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/logging"
	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/position"
	"github.com/jdai/vault-engine/internal/recovery"
	"github.com/jdai/vault-engine/internal/store"
	"github.com/jdai/vault-engine/internal/verify"
	"github.com/jdai/vault-engine/internal/wizard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	_, logCloser := logging.Setup("vault-engine", cfg.Env, logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Ledger client ---
	client, err := openLedger(ctx, cfg)
	if err != nil {
		slog.Error("ledger setup failed", "err", err)
		os.Exit(1)
	}

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
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
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
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.Duration)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (sessions will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := wizard.NewHub()
	go hub.Run(ctx)

	// --- Position reader ---
	reader := position.NewReader(client, cfg.Ledger.Ilk, cfg.SafetyRatio.Decimal, nil)
	poller := position.NewPoller(reader, cfg.PollInterval.Duration, hub.PublishPosition)
	go poller.Run(ctx)

	// --- Wizard and recovery ---
	verifier := verify.New(client, cfg.Ledger.Ilk, cfg.Epsilon.Decimal)
	manager := wizard.NewManager(client, verifier, st, wizard.Config{
		Ilk:     cfg.Ledger.Ilk,
		TTL:     cfg.SessionTTL.Duration,
		Poller:  poller,
		Publish: hub.PublishWizard,
	})
	sweeper := recovery.New(client, manager, st, cfg.Ledger.Ilk, cfg.DustAmount.Decimal)
	svc := wizard.NewService(manager, poller, sweeper)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		fmt.Fprintf(w, `{"status":"ok","service":"vault-engine","signer":%q,"dev":%t}`, client.Sender(), cfg.DevMode())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for position and wizard updates.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	// No write timeout: execute blocks until the transaction is mined.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening", "port", cfg.Port, "ilk", cfg.Ledger.Ilk, "dev", cfg.DevMode())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()
	fmt.Println("vault-engine stopped")
}

// openLedger dials the configured RPC endpoint, or builds the in-memory
// ledger when none is configured.
func openLedger(ctx context.Context, cfg config.Config) (ledger.Client, error) {
	if cfg.DevMode() {
		slog.Warn("RPC_URL not set, using the in-memory ledger")
		mem := ledger.NewMemory(cfg.Ledger.Contracts)
		mem.SetOracle(decimal.NewFromInt(2), decimal.NewFromInt(1), decimal.RequireFromString("1.5"))
		if cfg.DevFund != "" {
			mem.Fund(cfg.DevFund, decimal.NewFromInt(10_000), decimal.NewFromInt(1_000))
			slog.Info("dev account funded", "user", cfg.DevFund)
		}
		return mem, nil
	}

	var signer ledger.Signer
	if cfg.Ledger.Keystore != "" {
		ks, err := ledger.LoadKeystoreSigner(cfg.Ledger.Keystore, cfg.Passphrase(), nil)
		if err != nil {
			return nil, err
		}
		slog.Info("signing enabled", "account", ks.Address().Hex())
		signer = ks
	} else {
		slog.Warn("no keystore configured, writes are disabled")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	eth, err := ledger.DialEth(dialCtx, cfg.Ledger.RPCURL, signer, cfg.EthConfig())
	if err != nil {
		return nil, err
	}
	return eth, nil
}
