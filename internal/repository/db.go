package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the initial schema migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS trips (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL,
			travel_date         TIMESTAMPTZ NOT NULL,
			external_product_id TEXT NOT NULL DEFAULT '',
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS packages (
			id      TEXT PRIMARY KEY,
			trip_id TEXT NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
			name    TEXT NOT NULL,
			price   BIGINT NOT NULL CHECK (price > 0),
			deposit BIGINT NOT NULL CHECK (deposit >= 0)
		);
		CREATE INDEX IF NOT EXISTS idx_packages_trip_id ON packages(trip_id);

		CREATE TABLE IF NOT EXISTS referral_codes (
			code       TEXT PRIMARY KEY,
			account_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bookings (
			id                  TEXT PRIMARY KEY,
			buyer_id            TEXT NOT NULL,
			buyer_email         TEXT NOT NULL,
			trip_id             TEXT NOT NULL,
			package_id          TEXT NOT NULL,
			referrer_id         TEXT,
			total_amount        BIGINT NOT NULL,
			deposit_amount      BIGINT NOT NULL,
			amount_paid         BIGINT NOT NULL DEFAULT 0,
			frequency           TEXT NOT NULL,
			cutoff_date         TIMESTAMPTZ NOT NULL,
			status              TEXT NOT NULL,
			gateway_customer_id TEXT NOT NULL DEFAULT '',
			checkout_session_id TEXT NOT NULL DEFAULT '',
			deposit_charge_ref  TEXT NOT NULL DEFAULT '',
			payment_method_ref  TEXT NOT NULL DEFAULT '',
			version             INTEGER NOT NULL DEFAULT 1,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (amount_paid <= total_amount)
		);
		CREATE INDEX IF NOT EXISTS idx_bookings_buyer_id ON bookings(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_bookings_customer ON bookings(gateway_customer_id);

		CREATE TABLE IF NOT EXISTS installments (
			id                TEXT PRIMARY KEY,
			booking_id        TEXT NOT NULL REFERENCES bookings(id),
			sequence          INTEGER NOT NULL,
			kind              TEXT NOT NULL DEFAULT 'scheduled',
			amount            BIGINT NOT NULL CHECK (amount > 0),
			due_date          TIMESTAMPTZ NOT NULL,
			status            TEXT NOT NULL,
			charge_ref        TEXT NOT NULL DEFAULT '',
			failure_reason    TEXT NOT NULL DEFAULT '',
			attempts          INTEGER NOT NULL DEFAULT 0,
			last_attempt_at   TIMESTAMPTZ,
			processing_since  TIMESTAMPTZ,
			paid_at           TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_installments_booking_id ON installments(booking_id);
		CREATE INDEX IF NOT EXISTS idx_installments_due ON installments(status, due_date);

		CREATE TABLE IF NOT EXISTS commissions (
			id                 TEXT PRIMARY KEY,
			referrer_id        TEXT NOT NULL,
			booking_id         TEXT NOT NULL REFERENCES bookings(id),
			source_payment_ref TEXT NOT NULL UNIQUE,
			amount             BIGINT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'pending',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_commissions_status ON commissions(status);

		CREATE TABLE IF NOT EXISTS subscription_states (
			customer_id     TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			expires_at      TIMESTAMPTZ,
			synced_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
