package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tripledger/booking/internal/domain"
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const bookingColumns = `id, buyer_id, buyer_email, trip_id, package_id, referrer_id,
	total_amount, deposit_amount, amount_paid, frequency, cutoff_date, status,
	gateway_customer_id, checkout_session_id, deposit_charge_ref, payment_method_ref,
	version, created_at, updated_at`

// BookingRepository handles database operations for bookings.
type BookingRepository struct {
	db *pgxpool.Pool
}

// NewBookingRepository creates a new BookingRepository.
func NewBookingRepository(db *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a new booking.
func (r *BookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	if b.Version == 0 {
		b.Version = 1
	}
	_, err := r.db.Exec(ctx, query,
		b.ID, b.BuyerID, b.BuyerEmail, b.TripID, b.PackageID, b.ReferrerID,
		b.TotalAmount, b.DepositAmount, b.AmountPaid, string(b.Frequency), b.CutoffDate, string(b.Status),
		b.GatewayCustomerID, b.CheckoutSessionID, b.DepositChargeRef, b.PaymentMethodRef,
		b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// FindByID returns a booking, or nil when it does not exist.
func (r *BookingRepository) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	b, err := scanBooking(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find booking: %w", err)
	}
	return b, nil
}

// ListByBuyer returns a buyer's bookings, newest first.
func (r *BookingRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE buyer_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	bookings := []*domain.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ListPastCutoff returns confirmed bookings whose cutoff has passed while a
// balance is still outstanding.
func (r *BookingRepository) ListPastCutoff(ctx context.Context, now time.Time) ([]*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE status = 'confirmed' AND cutoff_date < $1 AND amount_paid < total_amount
		ORDER BY cutoff_date`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings past cutoff: %w", err)
	}
	defer rows.Close()

	bookings := []*domain.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// Update writes b if nobody else changed it since it was read.
// On success b.Version is advanced; otherwise ErrVersionConflict is returned.
func (r *BookingRepository) Update(ctx context.Context, b *domain.Booking) error {
	if err := updateBooking(ctx, r.db, b); err != nil {
		return err
	}
	b.Version++
	return nil
}

// UpdateWithSchedule updates the booking and applies the installment
// change in one transaction.
func (r *BookingRepository) UpdateWithSchedule(ctx context.Context, b *domain.Booking, change domain.ScheduleChange) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := updateBooking(ctx, tx, b); err != nil {
			return err
		}

		if len(change.CancelStatuses) > 0 {
			statuses := make([]string, len(change.CancelStatuses))
			for i, s := range change.CancelStatuses {
				statuses[i] = string(s)
			}
			_, err := tx.Exec(ctx, `
				UPDATE installments SET status = 'cancelled', processing_since = NULL, updated_at = $3
				WHERE booking_id = $1 AND status = ANY($2)
			`, b.ID, statuses, b.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to cancel installments: %w", err)
			}
		}

		if len(change.Add) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, it := range change.Add {
			queueInsertInstallment(batch, it)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert installments: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.Version++
	return nil
}

func updateBooking(ctx context.Context, db dbtx, b *domain.Booking) error {
	query := `
		UPDATE bookings SET
			amount_paid = $3, frequency = $4, status = $5,
			gateway_customer_id = $6, checkout_session_id = $7,
			deposit_charge_ref = $8, payment_method_ref = $9,
			updated_at = $10, version = version + 1
		WHERE id = $1 AND version = $2
	`
	tag, err := db.Exec(ctx, query,
		b.ID, b.Version,
		b.AmountPaid, string(b.Frequency), string(b.Status),
		b.GatewayCustomerID, b.CheckoutSessionID,
		b.DepositChargeRef, b.PaymentMethodRef,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %s at version %d: %w", b.ID, b.Version, domain.ErrVersionConflict)
	}
	return nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	var frequency, status string
	err := row.Scan(
		&b.ID, &b.BuyerID, &b.BuyerEmail, &b.TripID, &b.PackageID, &b.ReferrerID,
		&b.TotalAmount, &b.DepositAmount, &b.AmountPaid, &frequency, &b.CutoffDate, &status,
		&b.GatewayCustomerID, &b.CheckoutSessionID, &b.DepositChargeRef, &b.PaymentMethodRef,
		&b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Frequency = domain.Frequency(frequency)
	b.Status = domain.BookingStatus(status)
	return &b, nil
}
