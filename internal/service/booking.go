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

// maxVersionRetries bounds re-reads after an optimistic write conflict.
const maxVersionRetries = 5

// errUnchanged tells update that the mutation has nothing to write.
var errUnchanged = errors.New("booking unchanged")

// Options carries the billing settings shared by the booking components.
type Options struct {
	Currency          string
	CutoffLeadDays    int
	ProcessingTimeout time.Duration
	OverdueGrace      time.Duration
	RetryFailedAfter  time.Duration
	MaxAttempts       int
	Concurrency       int
	OpsEmail          string
	SuccessURL        string
	CancelURL         string
}

// BookingService owns every mutation of a booking and its installments.
type BookingService struct {
	ledger      Ledger
	gateway     payment.Gateway
	sealer      Sealer
	commissions *CommissionEngine
	notifier    Notifier
	opts        Options
	log         *zap.Logger
}

// NewBookingService creates a new BookingService.
func NewBookingService(ledger Ledger, gateway payment.Gateway, sealer Sealer, commissions *CommissionEngine, notifier Notifier, opts Options, log *zap.Logger) *BookingService {
	return &BookingService{
		ledger:      ledger,
		gateway:     gateway,
		sealer:      sealer,
		commissions: commissions,
		notifier:    notifier,
		opts:        opts,
		log:         log,
	}
}

// CreateCheckout creates a pending booking and the hosted checkout that
// collects its deposit (or the full price for lump-sum bookings).
func (s *BookingService) CreateCheckout(ctx context.Context, buyerID string, req *domain.CheckoutRequest, now time.Time) (*domain.CheckoutResponse, error) {
	if !req.Frequency.Valid() {
		return nil, domain.ErrValidation("unknown payment frequency")
	}

	pkg, err := s.ledger.Trips.FindPackage(ctx, req.PackageID)
	if err != nil {
		return nil, domain.ErrInternal("failed to find package", err)
	}
	if pkg == nil {
		return nil, domain.ErrNotFoundf("package %s not found", req.PackageID)
	}
	trip, err := s.ledger.Trips.FindByID(ctx, pkg.TripID)
	if err != nil {
		return nil, domain.ErrInternal("failed to find trip", err)
	}
	if trip == nil {
		return nil, domain.ErrNotFoundf("trip %s not found", pkg.TripID)
	}

	cutoff := trip.TravelDate.AddDate(0, 0, -s.opts.CutoffLeadDays)
	if req.Frequency != domain.FrequencyLumpSum && !cutoff.After(now) {
		return nil, domain.ErrValidation("the balance is already due for this trip; choose lump_sum")
	}

	deposit := pkg.Deposit
	if req.Frequency == domain.FrequencyLumpSum {
		deposit = pkg.Price
	}
	if deposit <= 0 {
		return nil, domain.ErrValidation("this package has no deposit; choose lump_sum")
	}

	var referrerID *string
	if req.ReferralCode != "" {
		rc, err := s.ledger.Referrals.FindByCode(ctx, req.ReferralCode)
		if err != nil {
			return nil, domain.ErrInternal("failed to resolve referral code", err)
		}
		if rc == nil {
			return nil, domain.ErrValidation("unknown referral code")
		}
		if rc.AccountID == buyerID {
			s.log.Info("ignoring self-referral", zap.String("buyer_id", buyerID), zap.String("code", rc.Code))
		} else {
			id := rc.AccountID
			referrerID = &id
		}
	}

	customerID, err := s.gateway.CreateCustomer(ctx, req.Buyer.Email, req.Buyer.Name)
	if err != nil {
		return nil, domain.ErrInternal("failed to register customer with payment gateway", err)
	}

	b := &domain.Booking{
		ID:                domain.NewBookingID(),
		BuyerID:           buyerID,
		BuyerEmail:        req.Buyer.Email,
		TripID:            trip.ID,
		PackageID:         pkg.ID,
		ReferrerID:        referrerID,
		TotalAmount:       pkg.Price,
		DepositAmount:     deposit,
		Frequency:         req.Frequency,
		CutoffDate:        cutoff,
		Status:            domain.BookingPendingDeposit,
		GatewayCustomerID: customerID,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		CustomerID:  customerID,
		Description: fmt.Sprintf("%s - %s", trip.Name, pkg.Name),
		Amount:      deposit,
		Currency:    s.opts.Currency,
		SuccessURL:  s.opts.SuccessURL,
		CancelURL:   s.opts.CancelURL,
		Metadata: map[string]string{
			payment.MetaBookingID: b.ID,
			payment.MetaKind:      payment.KindDeposit,
		},
	})
	if err != nil {
		return nil, domain.ErrInternal("failed to create checkout session", err)
	}
	b.CheckoutSessionID = session.ID

	if err := s.ledger.Bookings.Create(ctx, b); err != nil {
		return nil, domain.ErrInternal("failed to create booking", err)
	}

	s.log.Info("checkout created",
		zap.String("booking_id", b.ID),
		zap.String("package_id", pkg.ID),
		zap.String("frequency", string(b.Frequency)),
		zap.Int64("deposit", deposit),
	)
	return &domain.CheckoutResponse{BookingID: b.ID, CheckoutURL: session.URL}, nil
}

// Get returns a booking with its installments. A non-empty buyerID
// restricts the lookup to that buyer's bookings.
func (s *BookingService) Get(ctx context.Context, buyerID, id string) (*domain.BookingDetail, error) {
	b, err := s.find(ctx, buyerID, id)
	if err != nil {
		return nil, err
	}
	items, err := s.ledger.Installments.ListByBooking(ctx, id)
	if err != nil {
		return nil, domain.ErrInternal("failed to list installments", err)
	}
	return &domain.BookingDetail{Booking: b, Installments: items}, nil
}

// ListForBuyer returns a buyer's bookings.
func (s *BookingService) ListForBuyer(ctx context.Context, buyerID string) ([]*domain.Booking, error) {
	bookings, err := s.ledger.Bookings.ListByBuyer(ctx, buyerID)
	if err != nil {
		return nil, domain.ErrInternal("failed to list bookings", err)
	}
	return bookings, nil
}

// ConfirmDeposit records the collected deposit, stores the payment method
// for later installments and generates the schedule. Replays are no-ops;
// it reports whether this call confirmed the booking.
func (s *BookingService) ConfirmDeposit(ctx context.Context, bookingID, chargeRef, paymentMethodID string, amount int64, now time.Time) (bool, error) {
	confirmed := false
	b, err := s.update(ctx, bookingID, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		confirmed = false
		if b.Status != domain.BookingPendingDeposit {
			return nil, errUnchanged
		}
		if amount != b.DepositAmount {
			s.log.Warn("deposit amount differs from booking",
				zap.String("booking_id", b.ID),
				zap.Int64("expected", b.DepositAmount),
				zap.Int64("collected", amount),
			)
		}

		sealed, err := s.sealer.Seal(paymentMethodID)
		if err != nil {
			return nil, fmt.Errorf("seal payment method: %w", err)
		}
		b.DepositChargeRef = chargeRef
		b.PaymentMethodRef = sealed
		if err := b.ApplyPaid(b.DepositAmount); err != nil {
			return nil, err
		}
		if err := b.TransitionTo(domain.BookingConfirmed, now); err != nil {
			return nil, err
		}

		charges, err := domain.GenerateSchedule(b.Remaining(), b.CutoffDate, b.Frequency, now)
		if err != nil {
			return nil, err
		}
		if b.Remaining() <= 0 {
			if err := b.TransitionTo(domain.BookingFullyPaid, now); err != nil {
				return nil, err
			}
		}
		confirmed = true
		return &domain.ScheduleChange{
			Add: domain.NewInstallments(b.ID, charges, domain.MaxSequence(items), now),
		}, nil
	})
	if err != nil {
		return false, err
	}

	// Deposit already recorded under another charge: nothing to credit.
	if b.DepositChargeRef != chargeRef {
		if !confirmed {
			s.log.Warn("deposit payment not applied",
				zap.String("booking_id", b.ID),
				zap.String("status", string(b.Status)),
				zap.String("charge_ref", chargeRef),
			)
		}
		return false, nil
	}
	s.creditCommission(ctx, b, chargeRef, b.DepositAmount, now)
	if confirmed {
		s.log.Info("deposit confirmed",
			zap.String("booking_id", b.ID),
			zap.String("status", string(b.Status)),
			zap.Int64("deposit", b.DepositAmount),
		)
		s.notify(ctx, domain.Notification{
			Event:      domain.NotifyBookingConfirmed,
			BookingID:  b.ID,
			Amount:     b.DepositAmount,
			Recipient:  b.BuyerEmail,
			OccurredAt: now,
		})
	}
	return confirmed, nil
}

// MarkInstallmentPaid records a successful charge of an installment keyed
// by the gateway charge reference. Applying the same charge twice is a
// no-op; it reports whether this call changed the installment.
func (s *BookingService) MarkInstallmentPaid(ctx context.Context, installmentID, chargeRef string, now time.Time) (bool, error) {
	it, err := s.ledger.Installments.FindByID(ctx, installmentID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, domain.ErrNotFoundf("installment %s not found", installmentID)
	}

	changed, err := s.ledger.Installments.MarkPaid(ctx, it.ID, chargeRef, now)
	if err != nil {
		return false, err
	}
	if !changed {
		fresh, err := s.ledger.Installments.FindByID(ctx, it.ID)
		if err != nil {
			return false, err
		}
		if fresh == nil || fresh.Status != domain.InstallmentPaid {
			s.log.Warn("payment for installment that is no longer chargeable",
				zap.String("installment_id", it.ID),
				zap.String("status", string(it.Status)),
				zap.String("charge_ref", chargeRef),
			)
			return false, nil
		}
		chargeRef = fresh.ChargeRef
	}

	b, err := s.settle(ctx, it.BookingID, now)
	if err != nil {
		return changed, err
	}
	s.creditCommission(ctx, b, chargeRef, it.Amount, now)

	if changed {
		s.log.Info("installment paid",
			zap.String("booking_id", b.ID),
			zap.String("installment_id", it.ID),
			zap.String("charge_ref", chargeRef),
			zap.Int64("amount_paid", b.AmountPaid),
			zap.String("status", string(b.Status)),
		)
		s.notify(ctx, domain.Notification{
			Event:         domain.NotifyPaymentSucceeded,
			BookingID:     b.ID,
			InstallmentID: it.ID,
			Amount:        it.Amount,
			Recipient:     b.BuyerEmail,
			OccurredAt:    now,
		})
	}
	return changed, nil
}

// MarkInstallmentFailed records a failed charge, moves the booking to
// overdue and notifies the buyer and the operations contact.
func (s *BookingService) MarkInstallmentFailed(ctx context.Context, installmentID, reason string, now time.Time) (bool, error) {
	it, err := s.ledger.Installments.FindByID(ctx, installmentID)
	if err != nil {
		return false, err
	}
	if it == nil {
		return false, domain.ErrNotFoundf("installment %s not found", installmentID)
	}

	changed, err := s.ledger.Installments.MarkFailed(ctx, it.ID, reason, now)
	if err != nil || !changed {
		return false, err
	}

	b, err := s.markOverdue(ctx, it.BookingID, now)
	if err != nil {
		return true, err
	}

	s.log.Warn("installment charge failed",
		zap.String("booking_id", b.ID),
		zap.String("installment_id", it.ID),
		zap.String("reason", reason),
	)
	n := domain.Notification{
		Event:         domain.NotifyPaymentFailed,
		BookingID:     b.ID,
		InstallmentID: it.ID,
		Amount:        it.Amount,
		Recipient:     b.BuyerEmail,
		Reason:        reason,
		OccurredAt:    now,
	}
	s.notify(ctx, n)
	if s.opts.OpsEmail != "" {
		n.Recipient = s.opts.OpsEmail
		s.notify(ctx, n)
	}
	return true, nil
}

// Cancel cancels a booking together with its unpaid installments.
// Cancelling a cancelled booking is a no-op. It is refused while a charge
// holds a claim, since that charge may already have collected.
func (s *BookingService) Cancel(ctx context.Context, buyerID, id string, now time.Time) (*domain.Booking, error) {
	b, err := s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		if err := checkOwner(b, buyerID); err != nil {
			return nil, err
		}
		if b.Status == domain.BookingCancelled {
			return nil, errUnchanged
		}
		if inFlight(items) {
			return nil, domain.ErrConflict("a charge for this booking is in progress", nil)
		}
		if err := b.TransitionTo(domain.BookingCancelled, now); err != nil {
			return nil, domain.ErrConflict("booking cannot be cancelled", err)
		}
		return &domain.ScheduleChange{
			CancelStatuses: []domain.InstallmentStatus{domain.InstallmentPending, domain.InstallmentFailed},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("booking cancelled", zap.String("booking_id", b.ID))
	return b, nil
}

// Refund marks a fully paid booking refunded.
func (s *BookingService) Refund(ctx context.Context, id string, now time.Time) (*domain.Booking, error) {
	b, err := s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		if b.Status == domain.BookingRefunded {
			return nil, errUnchanged
		}
		if err := b.TransitionTo(domain.BookingRefunded, now); err != nil {
			return nil, domain.ErrConflict("only fully paid bookings can be refunded", err)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("booking refunded", zap.String("booking_id", b.ID))
	return b, nil
}

// ChangeFrequency replaces the pending schedule with one for the new
// frequency. Failed installments stay owed and are excluded from the new
// schedule.
func (s *BookingService) ChangeFrequency(ctx context.Context, buyerID, id string, freq domain.Frequency, now time.Time) (*domain.BookingDetail, error) {
	if freq != domain.FrequencyNone && !freq.Recurring() {
		return nil, domain.ErrValidation("frequency must be weekly, biweekly, monthly or none")
	}

	_, err := s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		if err := checkOwner(b, buyerID); err != nil {
			return nil, err
		}
		if err := acceptingPayments(b, items); err != nil {
			return nil, err
		}

		remaining := b.Remaining() - domain.FailedSum(items)
		charges, err := domain.GenerateSchedule(remaining, b.CutoffDate, freq, now)
		if err != nil {
			return nil, err
		}
		b.Frequency = freq
		b.UpdatedAt = now
		return &domain.ScheduleChange{
			CancelStatuses: []domain.InstallmentStatus{domain.InstallmentPending},
			Add:            domain.NewInstallments(b.ID, charges, domain.MaxSequence(items), now),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("booking rescheduled", zap.String("booking_id", id), zap.String("frequency", string(freq)))
	return s.Get(ctx, buyerID, id)
}

// PayOff replaces every unpaid installment with one payoff installment for
// the remaining balance and charges it immediately.
func (s *BookingService) PayOff(ctx context.Context, buyerID, id string, now time.Time) (*domain.Installment, error) {
	var payoff *domain.Installment
	b, err := s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		payoff = nil
		if err := checkOwner(b, buyerID); err != nil {
			return nil, err
		}
		if err := acceptingPayments(b, items); err != nil {
			return nil, err
		}
		remaining := b.Remaining()
		if remaining <= 0 {
			return nil, domain.ErrBadRequest("nothing left to pay")
		}

		payoff = &domain.Installment{
			ID:        domain.NewInstallmentID(),
			BookingID: b.ID,
			Sequence:  domain.MaxSequence(items) + 1,
			Kind:      domain.InstallmentPayoff,
			Amount:    remaining,
			DueDate:   now,
			Status:    domain.InstallmentPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		b.UpdatedAt = now
		return &domain.ScheduleChange{
			CancelStatuses: []domain.InstallmentStatus{domain.InstallmentPending, domain.InstallmentFailed},
			Add:            []*domain.Installment{payoff},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payoff requested", zap.String("booking_id", b.ID), zap.Int64("amount", payoff.Amount))
	return s.chargeNow(ctx, b, payoff.ID, now)
}

// RetryInstallment makes an explicit new charge attempt for a failed
// installment.
func (s *BookingService) RetryInstallment(ctx context.Context, buyerID, installmentID string, now time.Time) (*domain.Installment, error) {
	it, err := s.ledger.Installments.FindByID(ctx, installmentID)
	if err != nil {
		return nil, domain.ErrInternal("failed to find installment", err)
	}
	if it == nil {
		return nil, domain.ErrNotFoundf("installment %s not found", installmentID)
	}
	b, err := s.find(ctx, buyerID, it.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Terminal() {
		return nil, domain.ErrConflict("booking is closed", nil)
	}
	if it.Status != domain.InstallmentFailed {
		return nil, domain.ErrConflict("only failed installments can be retried", nil)
	}

	s.log.Info("manual retry requested",
		zap.String("booking_id", b.ID),
		zap.String("installment_id", it.ID),
		zap.Int("previous_attempts", it.Attempts),
	)
	return s.chargeNow(ctx, b, it.ID, now)
}

// UpdatePaymentMethod stores a new payment method for future charges.
func (s *BookingService) UpdatePaymentMethod(ctx context.Context, buyerID, id, paymentMethodID string, now time.Time) (*domain.Booking, error) {
	sealed, err := s.sealer.Seal(paymentMethodID)
	if err != nil {
		return nil, domain.ErrInternal("failed to store payment method", err)
	}
	b, err := s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		if err := checkOwner(b, buyerID); err != nil {
			return nil, err
		}
		if b.Terminal() {
			return nil, domain.ErrConflict("booking is closed", nil)
		}
		b.PaymentMethodRef = sealed
		b.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment method updated", zap.String("booking_id", b.ID))
	return b, nil
}

// chargeOutcome is the result of one charge attempt.
type chargeOutcome int

const (
	outcomeCharged chargeOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// chargeNow claims and charges one installment outside the daily run.
func (s *BookingService) chargeNow(ctx context.Context, b *domain.Booking, installmentID string, now time.Time) (*domain.Installment, error) {
	claimed, err := s.ledger.Installments.Claim(ctx, installmentID, now.Add(-s.opts.ProcessingTimeout), now)
	if err != nil {
		return nil, domain.ErrInternal("failed to claim installment", err)
	}
	if claimed == nil {
		return nil, domain.ErrConflict("installment is already being charged", nil)
	}
	if _, err := s.charge(ctx, b, claimed, now); err != nil {
		return nil, domain.ErrInternal("failed to record charge", err)
	}
	it, err := s.ledger.Installments.FindByID(ctx, installmentID)
	if err != nil {
		return nil, domain.ErrInternal("failed to reload installment", err)
	}
	return it, nil
}

// charge attempts a claimed installment against the booking's stored
// payment method and records the outcome. The returned error is only set
// when the outcome could not be recorded.
func (s *BookingService) charge(ctx context.Context, b *domain.Booking, it *domain.Installment, now time.Time) (chargeOutcome, error) {
	pm, err := s.sealer.Open(b.PaymentMethodRef)
	if err != nil {
		s.log.Error("stored payment method unreadable", zap.String("booking_id", b.ID), zap.Error(err))
		return s.fail(ctx, it, "stored payment method unreadable", now)
	}
	if pm == "" {
		return s.fail(ctx, it, "no payment method on file", now)
	}

	if it.Resumed() {
		collected, err := s.collected(ctx, b, it)
		if err != nil {
			// Leave the claim in place; it goes stale and is resumed later.
			s.log.Warn("could not check gateway for abandoned charge",
				zap.String("installment_id", it.ID), zap.Error(err))
			return outcomeSkipped, nil
		}
		if collected != nil {
			s.log.Info("recovered abandoned charge",
				zap.String("installment_id", it.ID), zap.String("charge_ref", collected.ChargeRef()))
			if _, err := s.MarkInstallmentPaid(ctx, it.ID, collected.ChargeRef(), now); err != nil {
				return outcomeCharged, err
			}
			return outcomeCharged, nil
		}
	}

	ch, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		CustomerID:      b.GatewayCustomerID,
		PaymentMethodID: pm,
		Amount:          it.Amount,
		Currency:        s.opts.Currency,
		IdempotencyKey:  it.IdempotencyKey(),
		Metadata: map[string]string{
			payment.MetaBookingID:     b.ID,
			payment.MetaInstallmentID: it.ID,
			payment.MetaKind:          payment.KindInstallment,
		},
	})
	if err != nil {
		ce := payment.AsChargeError(err)
		return s.fail(ctx, it, fmt.Sprintf("%s: %s", ce.Kind, ce.Reason), now)
	}

	if _, err := s.MarkInstallmentPaid(ctx, it.ID, ch.ID, now); err != nil {
		return outcomeCharged, err
	}
	return outcomeCharged, nil
}

// collected returns the succeeded gateway payment for the installment, or
// nil when the abandoned attempt never collected anything.
func (s *BookingService) collected(ctx context.Context, b *domain.Booking, it *domain.Installment) (*payment.Payment, error) {
	state, err := s.gateway.CustomerState(ctx, b.GatewayCustomerID)
	if err != nil {
		return nil, err
	}
	for _, p := range state.Payments {
		if p.Succeeded() && p.Metadata[payment.MetaInstallmentID] == it.ID {
			return p, nil
		}
	}
	return nil, nil
}

func (s *BookingService) fail(ctx context.Context, it *domain.Installment, reason string, now time.Time) (chargeOutcome, error) {
	if _, err := s.MarkInstallmentFailed(ctx, it.ID, reason, now); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

// settle recomputes the collected amount from the deposit and the paid
// installments and applies the resulting status transition.
func (s *BookingService) settle(ctx context.Context, id string, now time.Time) (*domain.Booking, error) {
	return s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		paid := domain.PaidSum(items)
		if b.DepositChargeRef != "" {
			paid += b.DepositAmount
		}
		before, beforePaid := b.Status, b.AmountPaid
		if err := b.ApplyPaid(paid); err != nil {
			return nil, err
		}

		if !b.Terminal() && b.Status != domain.BookingPendingDeposit {
			switch {
			case b.Remaining() <= 0:
				if err := b.TransitionTo(domain.BookingFullyPaid, now); err != nil {
					return nil, err
				}
			case b.Status == domain.BookingOverdue && cured(items, now.Add(-s.opts.OverdueGrace)):
				if err := b.TransitionTo(domain.BookingConfirmed, now); err != nil {
					return nil, err
				}
			}
		}

		if b.Status == before && b.AmountPaid == beforePaid {
			return nil, errUnchanged
		}
		b.UpdatedAt = now
		return nil, nil
	})
}

// markOverdue moves a confirmed booking to overdue.
func (s *BookingService) markOverdue(ctx context.Context, id string, now time.Time) (*domain.Booking, error) {
	return s.update(ctx, id, func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error) {
		if b.Status != domain.BookingConfirmed {
			return nil, errUnchanged
		}
		if err := b.TransitionTo(domain.BookingOverdue, now); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// update reads the booking and its installments, applies fn and writes the
// result with an optimistic version check, re-reading on conflict. fn may
// run more than once and must not have side effects outside b.
func (s *BookingService) update(ctx context.Context, id string, fn func(b *domain.Booking, items []*domain.Installment) (*domain.ScheduleChange, error)) (*domain.Booking, error) {
	for attempt := 0; ; attempt++ {
		b, err := s.ledger.Bookings.FindByID(ctx, id)
		if err != nil {
			return nil, domain.ErrInternal("failed to find booking", err)
		}
		if b == nil {
			return nil, domain.ErrNotFoundf("booking %s not found", id)
		}
		items, err := s.ledger.Installments.ListByBooking(ctx, id)
		if err != nil {
			return nil, domain.ErrInternal("failed to list installments", err)
		}

		change, err := fn(b, items)
		if errors.Is(err, errUnchanged) {
			return b, nil
		}
		if err != nil {
			return nil, err
		}

		if change == nil {
			err = s.ledger.Bookings.Update(ctx, b)
		} else {
			err = s.ledger.Bookings.UpdateWithSchedule(ctx, b, *change)
		}
		if errors.Is(err, domain.ErrVersionConflict) && attempt < maxVersionRetries {
			s.log.Debug("booking version conflict, retrying", zap.String("booking_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (s *BookingService) find(ctx context.Context, buyerID, id string) (*domain.Booking, error) {
	b, err := s.ledger.Bookings.FindByID(ctx, id)
	if err != nil {
		return nil, domain.ErrInternal("failed to find booking", err)
	}
	if b == nil {
		return nil, domain.ErrNotFoundf("booking %s not found", id)
	}
	if err := checkOwner(b, buyerID); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *BookingService) creditCommission(ctx context.Context, b *domain.Booking, paymentRef string, amount int64, now time.Time) {
	if _, err := s.commissions.OnPaymentConfirmed(ctx, b, paymentRef, amount, now); err != nil {
		s.log.Error("failed to create commission",
			zap.String("booking_id", b.ID),
			zap.String("payment_ref", paymentRef),
			zap.Error(err),
		)
	}
}

func (s *BookingService) notify(ctx context.Context, n domain.Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Error("failed to dispatch notification",
			zap.String("event", string(n.Event)),
			zap.String("booking_id", n.BookingID),
			zap.Error(err),
		)
	}
}

// checkOwner hides bookings of other buyers. An empty buyerID is an
// operator acting on any booking.
func checkOwner(b *domain.Booking, buyerID string) error {
	if buyerID != "" && b.BuyerID != buyerID {
		return domain.ErrNotFoundf("booking %s not found", b.ID)
	}
	return nil
}

// acceptingPayments rejects schedule changes on closed bookings and while
// a charge is in flight.
func acceptingPayments(b *domain.Booking, items []*domain.Installment) error {
	if b.Status != domain.BookingConfirmed && b.Status != domain.BookingOverdue {
		return domain.ErrConflict(fmt.Sprintf("booking is %s", b.Status), nil)
	}
	if inFlight(items) {
		return domain.ErrConflict("a charge for this booking is in progress", nil)
	}
	return nil
}

// inFlight reports whether any installment is claimed by a charge.
func inFlight(items []*domain.Installment) bool {
	for _, it := range items {
		if it.Status == domain.InstallmentProcessing {
			return true
		}
	}
	return false
}

// cured reports whether an overdue booking has nothing failed and nothing
// pending past the grace period.
func cured(items []*domain.Installment, lateBefore time.Time) bool {
	for _, it := range items {
		if it.Status == domain.InstallmentFailed {
			return false
		}
		if it.Status == domain.InstallmentPending && it.DueDate.Before(lateBefore) {
			return false
		}
	}
	return true
}
