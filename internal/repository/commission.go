package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

const commissionColumns = `id, referrer_id, booking_id, source_payment_ref, amount, status, created_at, updated_at`

// CommissionRepository handles database operations for referral commissions.
type CommissionRepository struct {
	db *pgxpool.Pool
}

// NewCommissionRepository creates a new CommissionRepository.
func NewCommissionRepository(db *pgxpool.Pool) *CommissionRepository {
	return &CommissionRepository{db: db}
}

// Create inserts c unless a commission for the same source payment exists.
// It reports whether a row was written.
func (r *CommissionRepository) Create(ctx context.Context, c *domain.Commission) (bool, error) {
	query := `
		INSERT INTO commissions (` + commissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_payment_ref) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		c.ID, c.ReferrerID, c.BookingID, c.SourcePaymentRef, c.Amount, string(c.Status),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create commission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindByID returns a commission, or nil when it does not exist.
func (r *CommissionRepository) FindByID(ctx context.Context, id string) (*domain.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE id = $1`
	c, err := scanCommission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find commission: %w", err)
	}
	return c, nil
}

// List returns commissions, optionally filtered by status, newest first.
func (r *CommissionRepository) List(ctx context.Context, status domain.CommissionStatus) ([]*domain.Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM commissions
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Commission{}
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus settles a pending commission. It reports false when the
// commission was not pending.
func (r *CommissionRepository) UpdateStatus(ctx context.Context, id string, status domain.CommissionStatus, now time.Time) (bool, error) {
	query := `UPDATE commissions SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'pending'`
	tag, err := r.db.Exec(ctx, query, id, string(status), now)
	if err != nil {
		return false, fmt.Errorf("failed to update commission status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanCommission(row pgx.Row) (*domain.Commission, error) {
	var c domain.Commission
	var status string
	err := row.Scan(&c.ID, &c.ReferrerID, &c.BookingID, &c.SourcePaymentRef, &c.Amount, &status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CommissionStatus(status)
	return &c, nil
}
