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
	"github.com/redis/go-redis/v9"

	"github.com/dealbaron/economy-engine/internal/metrics"
	"github.com/dealbaron/economy-engine/internal/pricing"
	"github.com/dealbaron/economy-engine/internal/settle"
	"github.com/dealbaron/economy-engine/internal/snapshot"
	"github.com/dealbaron/economy-engine/internal/store"
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
		pool, err := store.NewPool(context.Background(), dbURL)
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

	// --- Pricing engine ---
	engine := pricing.NewEngine(st)

	// --- WebSocket hub ---
	hub := settle.NewHub()
	go hub.Run()

	// --- Settlement service ---
	svc := settle.NewService(st, engine, hub, logger)

	// --- Snapshot recorder ---
	interval := snapshot.DefaultInterval
	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid SNAPSHOT_INTERVAL", "err", err)
			os.Exit(1)
		}
		interval = d
	}
	recorder := snapshot.NewRecorder(st, engine, interval, logger)
	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	go recorder.Run(recCtx)

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
		w.Write([]byte(`{"status":"ok","service":"economy-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market events.
		r.Get("/ws", hub.HandleWS)

		// Product catalog and pricing.
		r.Get("/products", svc.ListProducts)
		r.Post("/products", svc.CreateProduct)
		r.Get("/products/{productID}", svc.GetProduct)
		r.Get("/products/{productID}/quote", svc.GetQuote)
		r.Get("/products/{productID}/stats", svc.GetMarketStats)
		r.Get("/products/{productID}/history", svc.GetPriceHistory)
		r.Post("/products/{productID}/price-preview", svc.PricePreview)

		// Players and businesses.
		r.Post("/players", svc.CreatePlayer)
		r.Get("/players/{playerID}", svc.GetPlayer)
		r.Get("/players/{playerID}/listings", svc.HandleSellerListings)
		r.Post("/businesses", svc.CreateBusiness)
		r.Get("/businesses/{businessID}/inventory/{productID}", svc.GetBusinessInventory)
		r.Get("/businesses/{businessID}/production", svc.HandleBusinessJobs)

		// Market listings.
		r.Get("/listings", svc.HandleListListings)
		r.Post("/listings", svc.HandleCreateListing)
		r.Get("/listings/{listingID}", svc.HandleGetListing)
		r.Post("/listings/{listingID}/buy", svc.HandleBuyListing)
		r.Post("/listings/{listingID}/cancel", svc.HandleCancelListing)

		// DealBaron trades.
		r.Post("/npc/buy", svc.HandleNPCBuy)
		r.Post("/npc/sell", svc.HandleNPCSell)

		// Production.
		r.Post("/production", svc.HandleStartProduction)
		r.Get("/production/{jobID}", svc.HandleGetProductionJob)
		r.Post("/production/{jobID}/collect", svc.HandleCollectProduction)
		r.Post("/production/{jobID}/cancel", svc.HandleCancelProduction)
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
		slog.Info("economy-engine listening", "port", port)
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

	slog.Info("shutting down economy-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("economy-engine stopped")
}
