package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tripledger/booking/internal/domain"
	"go.uber.org/zap"
)

// CommissionEngine credits referring accounts for confirmed payments.
type CommissionEngine struct {
	commissions CommissionStore
	rate        decimal.Decimal
	log         *zap.Logger
}

// NewCommissionEngine creates a CommissionEngine paying rate (e.g. 0.01)
// of every confirmed payment.
func NewCommissionEngine(commissions CommissionStore, rate decimal.Decimal, log *zap.Logger) *CommissionEngine {
	return &CommissionEngine{commissions: commissions, rate: rate, log: log}
}

// CommissionAmount returns amount × rate rounded half up to a whole minor unit.
func CommissionAmount(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}

// OnPaymentConfirmed creates the commission for one confirmed payment of b.
// It returns nil when the booking has no referrer, the amount rounds to
// zero, or the payment was already credited.
func (e *CommissionEngine) OnPaymentConfirmed(ctx context.Context, b *domain.Booking, paymentRef string, amount int64, now time.Time) (*domain.Commission, error) {
	if b.ReferrerID == nil || *b.ReferrerID == "" {
		return nil, nil
	}
	value := CommissionAmount(amount, e.rate)
	if value <= 0 {
		return nil, nil
	}

	c := &domain.Commission{
		ID:               domain.NewCommissionID(),
		ReferrerID:       *b.ReferrerID,
		BookingID:        b.ID,
		SourcePaymentRef: paymentRef,
		Amount:           value,
		Status:           domain.CommissionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created, err := e.commissions.Create(ctx, c)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}

	e.log.Info("commission created",
		zap.String("commission_id", c.ID),
		zap.String("booking_id", b.ID),
		zap.String("referrer_id", c.ReferrerID),
		zap.Int64("amount", c.Amount),
	)
	return c, nil
}

// List returns commissions, optionally filtered by status.
func (e *CommissionEngine) List(ctx context.Context, status domain.CommissionStatus) ([]*domain.Commission, error) {
	items, err := e.commissions.List(ctx, status)
	if err != nil {
		return nil, domain.ErrInternal("failed to list commissions", err)
	}
	return items, nil
}

// SetStatus records the payout outcome reported by the payout process.
func (e *CommissionEngine) SetStatus(ctx context.Context, id string, status domain.CommissionStatus, now time.Time) (*domain.Commission, error) {
	c, err := e.commissions.FindByID(ctx, id)
	if err != nil {
		return nil, domain.ErrInternal("failed to find commission", err)
	}
	if c == nil {
		return nil, domain.ErrNotFoundf("commission %s not found", id)
	}
	if c.Status == status {
		return c, nil
	}

	ok, err := e.commissions.UpdateStatus(ctx, id, status, now)
	if err != nil {
		return nil, domain.ErrInternal("failed to update commission", err)
	}
	if !ok {
		return nil, domain.ErrConflict("commission is already settled", nil)
	}
	c.Status = status
	c.UpdatedAt = now
	return c, nil
}
