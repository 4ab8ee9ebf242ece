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

	"github.com/quantdesk/paper-engine/internal/analytics"
	"github.com/quantdesk/paper-engine/internal/broker"
	"github.com/quantdesk/paper-engine/internal/identity"
	"github.com/quantdesk/paper-engine/internal/metrics"
	"github.com/quantdesk/paper-engine/internal/paper"
	"github.com/quantdesk/paper-engine/internal/quote"
	"github.com/quantdesk/paper-engine/internal/store"
	"github.com/quantdesk/paper-engine/internal/stream"
)

func main() {
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

	// --- Price oracle ---
	oracle := quote.NewClient(os.Getenv("QUOTE_BASE_URL"))

	// --- Paper trading engine ---
	engine := paper.NewEngine(st, oracle)

	// --- Sandbox broker service ---
	brokerCfg := broker.Config{
		AlpacaKey:      os.Getenv("ALPACA_SANDBOX_KEY"),
		AlpacaSecret:   os.Getenv("ALPACA_SANDBOX_SECRET"),
		AlpacaBaseURL:  os.Getenv("ALPACA_SANDBOX_URL"),
		OandaToken:     os.Getenv("OANDA_SANDBOX_TOKEN"),
		OandaAccountID: os.Getenv("OANDA_SANDBOX_ACCOUNT_ID"),
		OandaBaseURL:   os.Getenv("OANDA_SANDBOX_URL"),
		WebhookSecret:  os.Getenv("BROKER_WEBHOOK_SECRET"),
	}
	brokerSvc := broker.NewService(engine, brokerCfg)

	// --- Portfolio analytics ---
	analyticsSvc := analytics.NewService(engine)

	// --- Live quote stream hub ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := stream.NewHub(oracle, stream.DefaultPollInterval)
	go hub.Run(ctx)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Broker-Webhook-Secret")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Live quote stream. No per-user state, so no identity required.
		r.Get("/stream", hub.HandleWS)

		// Provider webhooks authenticate with a shared secret instead
		// of a user header.
		r.Post("/broker/sandbox/webhook/{provider}", brokerSvc.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware)

			// Paper trading ledger.
			r.Post("/paper/orders", engine.SubmitOrder)
			r.Get("/paper/orders", engine.ListOrders)
			r.Delete("/paper/orders/{orderID}", engine.CancelOrder)
			r.Get("/paper/positions", engine.ListPositions)
			r.Post("/paper/positions/protect", engine.ProtectPosition)
			r.Get("/paper/summary", engine.GetSummary)

			// Sandbox broker.
			r.Get("/broker/sandbox", brokerSvc.GetState)
			r.Get("/broker/sandbox/providers", brokerSvc.ListProviders)
			r.Post("/broker/sandbox/connect", brokerSvc.Connect)
			r.Post("/broker/sandbox/disconnect", brokerSvc.Disconnect)
			r.Post("/broker/sandbox/preview", brokerSvc.HandlePreview)
			r.Post("/broker/sandbox/execute", brokerSvc.HandleExecute)
			r.Post("/broker/sandbox/sync", brokerSvc.HandleSync)

			// Portfolio analytics.
			r.Get("/portfolio/analytics", analyticsSvc.HandlePortfolioAnalytics)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-engine stopped")
}
