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

	"github.com/trigon/triangle-engine/internal/engine"
	"github.com/trigon/triangle-engine/internal/metrics"
	"github.com/trigon/triangle-engine/internal/plan"
	"github.com/trigon/triangle-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Plan catalog ---
	var planCfg plan.Config
	if v := os.Getenv("LEAF_MULTIPLIER"); v != "" {
		m, err := decimal.NewFromString(v)
		if err != nil {
			slog.Error("invalid LEAF_MULTIPLIER", "err", err)
			os.Exit(1)
		}
		planCfg.LeafMultiplier = m
	}
	catalog, err := plan.DefaultCatalog(planCfg)
	if err != nil {
		slog.Error("invalid plan configuration", "err", err)
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

	// --- WebSocket hub ---
	hub := engine.NewHub()
	go hub.Run()

	// --- Engine service ---
	svc := engine.NewService(st, catalog, hub)

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
		w.Write([]byte(`{"status":"ok","service":"triangle-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for push events.
		r.Get("/ws", hub.HandleWS)

		// Registration & referral.
		r.Post("/register", svc.HandleRegister)
		r.Get("/referrers/{code}", svc.HandleResolveReferrer)
		r.Get("/rejoin/{username}", svc.HandleGetRejoin)
		r.Get("/plans", svc.HandleListPlans)

		// Formations.
		r.Get("/triangles", svc.HandleListFormations)
		r.Get("/triangles/{formationID}", svc.HandleGetFormation)

		// Payouts.
		r.Post("/payouts", svc.HandleRequestPayout)

		// Ledger decisions & status polling.
		r.Get("/transactions/{transactionID}", svc.HandleGetTransaction)
		r.Post("/transactions/{transactionID}/confirm", svc.HandleConfirmTransaction)
		r.Post("/transactions/{transactionID}/complete", svc.HandleCompleteTransaction)
		r.Post("/transactions/{transactionID}/reject", svc.HandleRejectTransaction)
		r.Post("/transactions/{transactionID}/expire", svc.HandleExpireTransaction)
		r.Post("/transactions/{transactionID}/cancel", svc.HandleCancelTransaction)

		// User read models.
		r.Get("/users/{userID}", svc.HandleGetUser)
		r.Get("/users/{userID}/transactions", svc.HandleListUserTransactions)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("triangle-engine listening", "port", port)
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

	slog.Info("shutting down triangle-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("triangle-engine stopped")
}
