package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

const installmentColumns = `id, booking_id, sequence, kind, amount, due_date, status,
	charge_ref, failure_reason, attempts, last_attempt_at, processing_since, paid_at,
	created_at, updated_at`

// InstallmentRepository handles database operations for installments.
type InstallmentRepository struct {
	db *pgxpool.Pool
}

// NewInstallmentRepository creates a new InstallmentRepository.
func NewInstallmentRepository(db *pgxpool.Pool) *InstallmentRepository {
	return &InstallmentRepository{db: db}
}

// FindByID returns an installment, or nil when it does not exist.
func (r *InstallmentRepository) FindByID(ctx context.Context, id string) (*domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE id = $1`
	it, err := scanInstallment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find installment: %w", err)
	}
	return it, nil
}

// ListByBooking returns a booking's installments in sequence order.
func (r *InstallmentRepository) ListByBooking(ctx context.Context, bookingID string) ([]*domain.Installment, error) {
	query := `SELECT ` + installmentColumns + ` FROM installments WHERE booking_id = $1 ORDER BY sequence`
	return r.list(ctx, query, bookingID)
}

// ListDue returns installments the processor should attempt, grouped by
// booking and ordered by sequence within each booking.
func (r *InstallmentRepository) ListDue(ctx context.Context, q domain.DueQuery) ([]*domain.Installment, error) {
	var retryBefore *time.Time
	if !q.RetryFailedBefore.IsZero() {
		retryBefore = &q.RetryFailedBefore
	}

	query := `
		SELECT ` + prefixed("i", installmentColumns) + `
		FROM installments i
		JOIN bookings b ON b.id = i.booking_id
		WHERE b.status IN ('confirmed', 'overdue')
		  AND i.due_date <= $1
		  AND (
		        i.status = 'pending'
		     OR (i.status = 'processing' AND (i.processing_since IS NULL OR i.processing_since < $2))
		     OR ($3::timestamptz IS NOT NULL AND i.status = 'failed' AND i.attempts < $4
		         AND (i.last_attempt_at IS NULL OR i.last_attempt_at < $3))
		  )
		ORDER BY i.booking_id, i.sequence
	`
	return r.list(ctx, query, q.Now, q.StaleBefore, retryBefore, q.MaxAttempts)
}

// Claim moves a chargeable installment to processing. It returns nil when
// another worker holds the claim, the installment is no longer chargeable or
// the booking is not confirmed or overdue.
//
// The booking row is locked and its version bumped in the same transaction,
// so a concurrent schedule change or cancellation fails its version check
// instead of writing over an in-flight charge. Re-taking a stale claim keeps
// attempts and last_attempt_at, which keeps the charge's idempotency key.
func (r *InstallmentRepository) Claim(ctx context.Context, id string, staleBefore, now time.Time) (*domain.Installment, error) {
	var claimed *domain.Installment
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var bookingID, status string
		err := tx.QueryRow(ctx, `
			SELECT b.id, b.status FROM bookings b
			JOIN installments i ON i.booking_id = b.id
			WHERE i.id = $1
			FOR UPDATE OF b
		`, id).Scan(&bookingID, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if st := domain.BookingStatus(status); st != domain.BookingConfirmed && st != domain.BookingOverdue {
			return nil
		}

		query := `
			UPDATE installments SET
				attempts = CASE WHEN status = 'processing' THEN attempts ELSE attempts + 1 END,
				last_attempt_at = CASE WHEN status = 'processing' THEN last_attempt_at ELSE $2 END,
				status = 'processing', processing_since = $2, updated_at = $2
			WHERE id = $1 AND (
			      status IN ('pending', 'failed')
			   OR (status = 'processing' AND (processing_since IS NULL OR processing_since < $3))
			)
			RETURNING ` + installmentColumns
		it, err := scanInstallment(tx.QueryRow(ctx, query, id, now, staleBefore))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE bookings SET version = version + 1 WHERE id = $1`, bookingID); err != nil {
			return err
		}
		claimed = it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim installment: %w", err)
	}
	return claimed, nil
}

// MarkPaid records a successful charge. It reports false when the
// installment was already paid or cancelled, which makes replays no-ops.
func (r *InstallmentRepository) MarkPaid(ctx context.Context, id, chargeRef string, now time.Time) (bool, error) {
	query := `
		UPDATE installments SET
			status = 'paid', charge_ref = $2, paid_at = $3, failure_reason = '',
			processing_since = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, id, chargeRef, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark installment paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a declined charge.
func (r *InstallmentRepository) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE installments SET
			status = 'failed', failure_reason = $2, processing_since = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'processing')
	`
	tag, err := r.db.Exec(ctx, query, id, reason, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark installment failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelClaim cancels a processing claim whose booking was closed after
// the claim was taken.
func (r *InstallmentRepository) CancelClaim(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE installments SET status = 'cancelled', processing_since = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`
	if _, err := r.db.Exec(ctx, query, id, now); err != nil {
		return fmt.Errorf("failed to cancel installment claim: %w", err)
	}
	return nil
}

func (r *InstallmentRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Installment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	items := []*domain.Installment{}
	for rows.Next() {
		it, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func queueInsertInstallment(batch *pgx.Batch, it *domain.Installment) {
	batch.Queue(`
		INSERT INTO installments (`+installmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		it.ID, it.BookingID, it.Sequence, string(it.Kind), it.Amount, it.DueDate, string(it.Status),
		it.ChargeRef, it.FailureReason, it.Attempts, it.LastAttemptAt, it.ProcessingSince, it.PaidAt,
		it.CreatedAt, it.UpdatedAt,
	)
}

func scanInstallment(row pgx.Row) (*domain.Installment, error) {
	var it domain.Installment
	var kind, status string
	err := row.Scan(
		&it.ID, &it.BookingID, &it.Sequence, &kind, &it.Amount, &it.DueDate, &status,
		&it.ChargeRef, &it.FailureReason, &it.Attempts, &it.LastAttemptAt, &it.ProcessingSince, &it.PaidAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Kind = domain.InstallmentKind(kind)
	it.Status = domain.InstallmentStatus(status)
	return &it, nil
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
