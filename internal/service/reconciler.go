package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/pkg/payment"
	"go.uber.org/zap"
)

// eventDedupeTTL covers the gateway's redelivery window.
const eventDedupeTTL = 72 * time.Hour

// attemptSkew tolerates clock drift between us and the gateway when
// matching a failed payment to the attempt that produced it.
const attemptSkew = time.Minute

// Reconciler applies gateway webhooks by re-fetching authoritative state
// instead of trusting the event body.
type Reconciler struct {
	gateway  payment.Gateway
	ledger   Ledger
	bookings *BookingService
	dedupe   Deduper
	log      *zap.Logger
}

// NewReconciler creates a Reconciler. A nil deduper disables the
// duplicate-delivery short circuit; replays stay correct without it.
func NewReconciler(gateway payment.Gateway, ledger Ledger, bookings *BookingService, dedupe Deduper, log *zap.Logger) *Reconciler {
	return &Reconciler{
		gateway:  gateway,
		ledger:   ledger,
		bookings: bookings,
		dedupe:   dedupe,
		log:      log,
	}
}

// HandleEvent verifies and applies one webhook delivery. Unknown event
// types are acknowledged without effect.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string, now time.Time) error {
	ev, err := r.gateway.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			r.log.Warn("rejected webhook with invalid signature")
			return fmt.Errorf("%w: %v", domain.ErrSignature, err)
		}
		return domain.ErrBadRequest("malformed event payload")
	}

	log := r.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	if ev.Kind == payment.EventUnknown {
		log.Debug("ignoring event outside the allow-list")
		return nil
	}

	if r.dedupe != nil && ev.ID != "" {
		first, err := r.dedupe.FirstSeen(ctx, "event:"+ev.ID, eventDedupeTTL)
		switch {
		case err != nil:
			log.Warn("event dedupe unavailable", zap.Error(err))
		case !first:
			log.Info("duplicate event delivery skipped")
			return nil
		}
	}

	if err := r.apply(ctx, ev, now); err != nil {
		if r.dedupe != nil && ev.ID != "" {
			if ferr := r.dedupe.Forget(ctx, "event:"+ev.ID); ferr != nil {
				log.Warn("failed to clear dedupe marker", zap.Error(ferr))
			}
		}
		log.Error("failed to apply event", zap.Error(err))
		return err
	}
	log.Info("event applied", zap.String("customer_id", ev.CustomerID))
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev *payment.Event, now time.Time) error {
	if ev.Kind.IsPayment() && ev.PaymentID != "" {
		p, err := r.gateway.GetPayment(ctx, ev.PaymentID)
		if err != nil {
			return fmt.Errorf("fetch payment %s: %w", ev.PaymentID, err)
		}
		if _, err := r.applyPayment(ctx, p, now); err != nil {
			return err
		}
	}
	if ev.CustomerID == "" {
		return nil
	}
	_, err := r.Resync(ctx, ev.CustomerID, now)
	return err
}

// Resync replaces the mirrored subscription state of a customer with the
// gateway's current view and applies every recent payment that carries
// booking metadata. Running it twice is a no-op.
func (r *Reconciler) Resync(ctx context.Context, customerID string, now time.Time) (*domain.ResyncReport, error) {
	state, err := r.gateway.CustomerState(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("fetch customer %s: %w", customerID, err)
	}

	mirror := &domain.SubscriptionState{
		CustomerID: customerID,
		Status:     domain.SubscriptionNone,
		SyncedAt:   now,
	}
	if sub := state.Subscription; sub != nil {
		expires := sub.CurrentPeriodEnd
		mirror.SubscriptionID = sub.ID
		mirror.Status = domain.SubscriptionActive
		mirror.ExpiresAt = &expires
	}
	if err := r.ledger.Subscriptions.Replace(ctx, mirror); err != nil {
		return nil, fmt.Errorf("replace subscription state: %w", err)
	}

	report := &domain.ResyncReport{
		CustomerID:   customerID,
		Subscription: mirror,
		PaymentsSeen: len(state.Payments),
	}
	for _, p := range state.Payments {
		applied, err := r.applyPayment(ctx, p, now)
		if err != nil {
			return nil, err
		}
		if applied {
			report.PaymentsApplied++
		}
	}
	return report, nil
}

// applyPayment records one gateway payment against the booking or
// installment named in its metadata. It reports whether the ledger changed.
func (r *Reconciler) applyPayment(ctx context.Context, p *payment.Payment, now time.Time) (bool, error) {
	bookingID := p.Metadata[payment.MetaBookingID]
	if bookingID == "" {
		return false, nil
	}

	var applied bool
	var err error
	switch p.Metadata[payment.MetaKind] {
	case payment.KindDeposit:
		if !p.Succeeded() {
			return false, nil
		}
		applied, err = r.bookings.ConfirmDeposit(ctx, bookingID, p.ChargeRef(), p.PaymentMethodID, p.Amount, now)

	case payment.KindInstallment:
		installmentID := p.Metadata[payment.MetaInstallmentID]
		if installmentID == "" {
			return false, nil
		}
		switch p.Status {
		case payment.StatusSucceeded:
			applied, err = r.bookings.MarkInstallmentPaid(ctx, installmentID, p.ChargeRef(), now)
		case payment.StatusFailed:
			applied, err = r.applyFailure(ctx, installmentID, p, now)
		}

	default:
		return false, nil
	}

	if errors.Is(err, domain.ErrNotFound) {
		r.log.Warn("payment references unknown ledger entry",
			zap.String("payment_id", p.ID),
			zap.String("booking_id", bookingID),
		)
		return false, nil
	}
	return applied, err
}

// applyFailure records a failed payment only for the attempt currently in
// flight, so an old declined attempt never overrides a newer one.
func (r *Reconciler) applyFailure(ctx context.Context, installmentID string, p *payment.Payment, now time.Time) (bool, error) {
	it, err := r.ledger.Installments.FindByID(ctx, installmentID)
	if err != nil {
		return false, err
	}
	if it == nil || it.Status != domain.InstallmentProcessing {
		return false, nil
	}
	if it.LastAttemptAt != nil && p.CreatedAt.Before(it.LastAttemptAt.Add(-attemptSkew)) {
		return false, nil
	}
	reason := p.FailureReason
	if reason == "" {
		reason = "payment failed"
	}
	return r.bookings.MarkInstallmentFailed(ctx, installmentID, reason, now)
}
