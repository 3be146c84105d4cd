package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Replace overwrites the mirrored state for the customer.
func (r *SubscriptionRepository) Replace(ctx context.Context, s *domain.SubscriptionState) error {
	query := `
		INSERT INTO subscription_states (customer_id, subscription_id, status, expires_at, synced_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (customer_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			synced_at = EXCLUDED.synced_at
	`
	_, err := r.db.Exec(ctx, query, s.CustomerID, s.SubscriptionID, string(s.Status), s.ExpiresAt, s.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to replace subscription state: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) FindByCustomer(ctx context.Context, customerID string) (*domain.SubscriptionState, error) {
	query := `
		SELECT customer_id, subscription_id, status, expires_at, synced_at
		FROM subscription_states WHERE customer_id = $1
	`
	var s domain.SubscriptionState
	var status string
	err := r.db.QueryRow(ctx, query, customerID).Scan(&s.CustomerID, &s.SubscriptionID, &status, &s.ExpiresAt, &s.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Never synced
		}
		return nil, fmt.Errorf("failed to find subscription state: %w", err)
	}
	s.Status = domain.SubscriptionStatus(status)
	return &s, nil
}
