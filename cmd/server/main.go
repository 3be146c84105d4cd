package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/tripledger/booking/internal/app"
	"github.com/tripledger/booking/internal/config"
	"github.com/tripledger/booking/internal/handler"
	appMiddleware "github.com/tripledger/booking/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if present (for local development)
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	a.Scheduler.Start(ctx)
	log.Info("due-installment job scheduled", zap.Time("next_run", a.Scheduler.NextRun(time.Now())))

	// Initialize handlers
	checks := map[string]handler.Pinger{"database": a.DB}
	if a.Cache != nil {
		checks["redis"] = a.Cache
	}
	healthHandler := handler.NewHealthHandler(checks)
	plansHandler := handler.NewPlansHandler()
	webhookHandler := handler.NewWebhookHandler(a.Reconciler)
	tripHandler := handler.NewTripHandler(a.Catalog)
	bookingHandler := handler.NewBookingHandler(a.Bookings)
	adminHandler := handler.NewAdminHandler(a.Bookings, a.Processor, a.Reconciler, a.Commissions, a.Catalog)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(appMiddleware.Recovery(log))
	r.Use(appMiddleware.Logger(log.Named("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Global rate limiter (20 req/sec per IP, burst of 40)
	globalRL := appMiddleware.NewRateLimiter(ctx, 20, 40)
	r.Use(globalRL.Middleware())

	// Public routes
	r.Get("/health", healthHandler.Check)
	r.Get("/api/payment-plans", plansHandler.List)
	r.Get("/api/trips/{id}", tripHandler.Get)
	r.Get("/api/packages/{id}/plans", tripHandler.Plans)
	r.Get("/api/schedule/preview", tripHandler.PreviewSchedule)
	r.Post("/webhook", webhookHandler.Handle)

	// Buyer routes
	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.Auth(a.Tokens))

		r.With(appMiddleware.CheckoutRateLimiter(ctx)).Post("/api/checkout", bookingHandler.Checkout)

		r.Get("/api/bookings", bookingHandler.List)
		r.Get("/api/bookings/{id}", bookingHandler.Get)
		r.Post("/api/bookings/{id}/frequency", bookingHandler.ChangeFrequency)
		r.Post("/api/bookings/{id}/payoff", bookingHandler.PayOff)
		r.Post("/api/bookings/{id}/payment-method", bookingHandler.UpdatePaymentMethod)
		r.Post("/api/bookings/{id}/cancel", bookingHandler.Cancel)
		r.Post("/api/installments/{id}/retry", bookingHandler.RetryInstallment)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.AdminOnly)
			r.Post("/trips/upsert", tripHandler.Upsert)
			r.Get("/api/admin/bookings/{id}", adminHandler.GetBooking)
			r.Post("/api/admin/bookings/{id}/cancel", adminHandler.CancelBooking)
			r.Post("/api/admin/bookings/{id}/refund", adminHandler.RefundBooking)
			r.Post("/api/admin/jobs/due-installments", adminHandler.RunDueInstallments)
			r.Post("/api/admin/resync/{customerId}", adminHandler.Resync)
			r.Get("/api/admin/commissions", adminHandler.ListCommissions)
			r.Post("/api/admin/commissions/{id}/status", adminHandler.SetCommissionStatus)
			r.Post("/api/admin/referral-codes", adminHandler.UpsertReferralCode)
		})
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}()

	log.Info("booking service listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}
