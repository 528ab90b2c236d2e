package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/altify/alttext-api/config"
	"github.com/altify/alttext-api/internal/cache"
	"github.com/altify/alttext-api/internal/describe"
	"github.com/altify/alttext-api/internal/license"
	"github.com/altify/alttext-api/internal/quota"
	"github.com/altify/alttext-api/internal/seeder"
	"github.com/altify/alttext-api/internal/telemetry"
	"github.com/altify/alttext-api/internal/usage"
	"github.com/altify/alttext-api/internal/vision"
	"github.com/altify/alttext-api/pkg/ratelimit"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("alttext-api", cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis; without it the cache and rate limiter run on
	// process-local stores.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		log.Info().Msg("Redis connected")
	}

	// 5. Init license auth
	licenseStore := license.NewPostgresStore(pool)
	authMiddleware := license.NewMiddleware(licenseStore, rdb, log)

	// 6. Init result cache
	var cacheStore cache.Store
	if rdb != nil {
		cacheStore = cache.NewRedisStore(rdb)
	} else {
		cacheStore = cache.NewMemoryStore(log)
	}
	resultCache := cache.New(cacheStore, cfg.ResultCacheTTL, log)

	// 7. Init quota ledger and usage recorder
	ledger := quota.NewLedger(quota.NewPostgresStore(pool), log)
	usageStore := usage.NewPostgresStore(pool)
	recorder := usage.NewRecorder(usageStore, ledger, log)

	// 8. Init rate limiter
	var windowStore ratelimit.WindowStore
	if rdb != nil {
		windowStore = ratelimit.NewRedisStore(rdb)
	} else {
		windowStore = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(windowStore, cfg.RateLimitRequests, cfg.RateLimitWindow)

	// 9. Init vision client behind a circuit breaker
	describer := vision.NewBreaker(vision.NewOpenAIClient(cfg.VisionAPIKey, cfg.VisionBaseURL, cfg.VisionModel))

	// 10. Init handlers
	tracer := otel.GetTracerProvider().Tracer("alttext-api")
	handler := describe.NewHandler(ledger, recorder, usageStore, resultCache, limiter, describer, tracer, log)
	admin := describe.NewAdminHandler(cfg.AdminSecret, resultCache, log)

	// 11. Seed test license if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestLicense(ctx, licenseStore, log)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"alttext-api"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/describe", handler.HandleDescribe)
		r.Get("/v1/quota", handler.HandleQuotaStatus)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/usage/sites", handler.HandleUsageBySite)
		r.Get("/v1/usage/users", handler.HandleUsageByUser)
	})

	// Admin routes, gated by the shared secret instead of a license
	r.Post("/admin/cache/flush", admin.HandleFlushCache)

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("alt-text API starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}
