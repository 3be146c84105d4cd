// Package app wires the booking services from configuration. It is shared
// by the HTTP server and the operator CLI.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tripledger/booking/internal/config"
	"github.com/tripledger/booking/internal/notify"
	"github.com/tripledger/booking/internal/repository"
	"github.com/tripledger/booking/internal/service"
	"github.com/tripledger/booking/pkg/crypto"
	"github.com/tripledger/booking/pkg/payment"
	"go.uber.org/zap"
)

// App holds the wired services and the connections they share.
type App struct {
	DB    *pgxpool.Pool
	Cache *repository.RedisCache // nil when REDIS_URL is unset

	Gateway     payment.Gateway
	Tokens      *service.TokenService
	Catalog     *service.CatalogService
	Commissions *service.CommissionEngine
	Bookings    *service.BookingService
	Processor   *service.Processor
	Reconciler  *service.Reconciler
	Scheduler   *service.Scheduler
	Outbox      *notify.RedisQueue // nil when REDIS_URL is unset
}

// New connects to the stores, runs migrations and builds every service.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := repository.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := repository.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	log.Info("database connected and migrated")

	a := &App{DB: db}

	var (
		locker   service.Locker
		deduper  service.Deduper
		notifier service.Notifier = notify.NewLogNotifier(log.Named("notify"))
	)
	if cfg.RedisURL != "" {
		cache, err := repository.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Cache = cache
		a.Outbox = notify.NewRedisQueue(cache, log.Named("notify"))
		locker, deduper, notifier = cache, cache, a.Outbox
		log.Info("redis connected")
	} else {
		log.Warn("REDIS_URL not set: job locking and webhook dedupe disabled, notifications logged only")
	}

	if cfg.UseMockGateway() {
		log.Warn("STRIPE_SECRET_KEY not set: using in-memory mock gateway")
		a.Gateway = payment.NewMockGateway(cfg.MockWebhookSecret)
	} else {
		a.Gateway = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	}

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("sealer: %w", err)
	}

	ledger := service.Ledger{
		Bookings:      repository.NewBookingRepository(db),
		Installments:  repository.NewInstallmentRepository(db),
		Commissions:   repository.NewCommissionRepository(db),
		Subscriptions: repository.NewSubscriptionRepository(db),
		Trips:         repository.NewTripRepository(db),
		Referrals:     repository.NewReferralRepository(db),
	}
	opts := Options(cfg)

	a.Tokens = service.NewTokenService(cfg.JWTSecret)
	a.Catalog = service.NewCatalogService(ledger.Trips, ledger.Referrals, cfg.CutoffLeadDays, log.Named("catalog"))
	a.Commissions = service.NewCommissionEngine(ledger.Commissions, decimal.NewFromFloat(cfg.ReferralRate), log.Named("commission"))
	a.Bookings = service.NewBookingService(ledger, a.Gateway, sealer, a.Commissions, notifier, opts, log.Named("booking"))
	a.Processor = service.NewProcessor(ledger, a.Bookings, locker, opts, log.Named("processor"))
	a.Reconciler = service.NewReconciler(a.Gateway, ledger, a.Bookings, deduper, log.Named("reconciler"))
	a.Scheduler, err = service.NewScheduler(cfg.DueJobRRule, a.Processor, log.Named("scheduler"))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Options maps configuration onto the billing options.
func Options(cfg *config.Config) service.Options {
	return service.Options{
		Currency:          cfg.Currency,
		CutoffLeadDays:    cfg.CutoffLeadDays,
		ProcessingTimeout: cfg.ProcessingTimeout,
		OverdueGrace:      cfg.OverdueGrace,
		RetryFailedAfter:  cfg.RetryFailedAfter,
		MaxAttempts:       cfg.MaxChargeAttempts,
		Concurrency:       cfg.JobConcurrency,
		OpsEmail:          cfg.OpsEmail,
		SuccessURL:        cfg.CheckoutSuccessURL,
		CancelURL:         cfg.CheckoutCancelURL,
	}
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.Cache != nil {
		_ = a.Cache.Close()
	}
	a.DB.Close()
}

// NewLogger builds the process logger: JSON in production, console in
// development.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
