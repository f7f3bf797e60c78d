package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/meritmatch/meritmatch-api/internal/config"
	"github.com/meritmatch/meritmatch-api/internal/domain/ledger"
	"github.com/meritmatch/meritmatch-api/internal/domain/purchase"
	"github.com/meritmatch/meritmatch-api/internal/domain/refund"
	"github.com/meritmatch/meritmatch-api/internal/middleware"
	"github.com/meritmatch/meritmatch-api/internal/pkg/database"
	"github.com/meritmatch/meritmatch-api/internal/pkg/jwt"
	"github.com/meritmatch/meritmatch-api/internal/pkg/lock"
	"github.com/meritmatch/meritmatch-api/internal/pkg/logger"
	pkgresponse "github.com/meritmatch/meritmatch-api/internal/pkg/response"
	"github.com/meritmatch/meritmatch-api/internal/pkg/stripe"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting MeritMatch API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Metrics and reliability ----------
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// One registry of circuit breakers for every external dependency,
	// constructed here and injected into consumers.
	manager := reliability.NewDefaultManager(log.Logger, reliability.NewMetrics(registry))

	// ---------- External clients ----------
	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})

	var locker lock.Locker = lock.NopLocker{}
	if redis != nil {
		locker = lock.NewRedisLocker(redis, "meritmatch:lock:")
	}

	// ---------- Services ----------
	ledgerSvc := ledger.NewService(db)
	purchaseSvc := purchase.NewService(db, ledgerSvc, stripeClient, manager, purchase.Config{
		SuccessURL: cfg.FrontendURL + "/billing/success",
		CancelURL:  cfg.FrontendURL + "/billing/cancel",
	})
	refundSvc := refund.NewService(purchaseSvc, ledgerSvc, stripeClient, manager, locker, refund.Config{
		Window: cfg.RefundWindow(),
	})

	// ---------- Handlers ----------
	ledgerHandler := ledger.NewHandler(ledgerSvc)
	purchaseHandler := purchase.NewHandler(purchaseSvc, cfg.StripeWebhookSecret)
	refundHandler := refund.NewHandler(refundSvc)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		health := manager.ServiceHealth()
		ready := true
		for _, h := range health {
			if !h.Healthy {
				ready = false
				break
			}
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		pkgresponse.JSON(w, status, map[string]interface{}{
			"ready":    ready,
			"services": health,
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/billing", ledgerHandler.Routes(authMiddleware))
		r.Mount("/purchases", purchaseHandler.Routes(authMiddleware))
		r.Mount("/refunds", refundHandler.Routes(authMiddleware))
		r.Mount("/admin/refunds", refundHandler.AdminRoutes(authMiddleware))

		// Signature-verified, no session auth.
		r.Post("/payments/stripe/webhook", purchaseHandler.Webhook)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
