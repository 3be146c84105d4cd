package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/pkg/payment"
)

const dayDur = 24 * time.Hour

// travelIn90 puts the cutoff (travel date minus 30 days) 90 days after t0.
var travelIn90 = t0.Add(120 * dayDur)

func TestCheckoutAndDepositEndToEnd(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	if _, err := h.catalog.UpsertReferralCode(ctx, &domain.ReferralCode{Code: "friend", AccountID: "referrer-1"}); err != nil {
		t.Fatalf("UpsertReferralCode: %v", err)
	}

	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "FRIEND")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	b := h.booking(id)
	if b.Status != domain.BookingConfirmed {
		t.Fatalf("status = %s, want confirmed", b.Status)
	}
	if b.AmountPaid != 20000 {
		t.Errorf("amountPaid = %d, want 20000", b.AmountPaid)
	}
	if b.PaymentMethodRef != "sealed:pm_card_visa" {
		t.Errorf("payment method not sealed: %q", b.PaymentMethodRef)
	}
	if !b.CutoffDate.Equal(t0.Add(90 * dayDur)) {
		t.Errorf("cutoff = %v, want %v", b.CutoffDate, t0.Add(90*dayDur))
	}

	got := amounts(h.installments(id), domain.InstallmentPending)
	want := []int64{33334, 33334, 33332}
	if len(got) != len(want) {
		t.Fatalf("installments = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("installments = %v, want %v", got, want)
		}
	}

	if n := h.notifier.byEvent(domain.NotifyBookingConfirmed); len(n) != 1 || n[0].Recipient != "buyer-1@example.com" {
		t.Errorf("booking_confirmed notifications = %+v", n)
	}

	// Collect each installment on its due date.
	for k := 1; k <= 3; k++ {
		report, err := h.processor.RunDueInstallments(ctx, t0.Add(time.Duration(k*30)*dayDur))
		if err != nil {
			t.Fatalf("run %d: %v", k, err)
		}
		if report.Charged != 1 {
			t.Fatalf("run %d charged %d, want 1", k, report.Charged)
		}
	}

	b = h.booking(id)
	if b.Status != domain.BookingFullyPaid {
		t.Errorf("status = %s, want fully_paid", b.Status)
	}
	if b.AmountPaid != 120000 {
		t.Errorf("amountPaid = %d, want 120000", b.AmountPaid)
	}
	if n := len(h.notifier.byEvent(domain.NotifyPaymentSucceeded)); n != 3 {
		t.Errorf("payment_succeeded notifications = %d, want 3", n)
	}

	// Deposit and three installments each earn 1% for the referrer.
	commissions, _ := h.store.ledger().Commissions.List(ctx, "")
	var total int64
	for _, c := range commissions {
		if c.ReferrerID != "referrer-1" || c.Status != domain.CommissionPending {
			t.Errorf("unexpected commission %+v", c)
		}
		total += c.Amount
	}
	if len(commissions) != 4 || total != 200+333+333+333 {
		t.Errorf("commissions = %d totalling %d", len(commissions), total)
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	tests := []struct {
		name     string
		travel   time.Time
		deposit  int64
		freq     domain.Frequency
		referral string
		wantCode int
	}{
		{name: "unknown frequency", travel: travelIn90, deposit: 100, freq: "daily", wantCode: http.StatusUnprocessableEntity},
		{name: "installments after cutoff", travel: t0.Add(20 * dayDur), deposit: 100, freq: domain.FrequencyMonthly, wantCode: http.StatusUnprocessableEntity},
		{name: "deposit only without deposit", travel: travelIn90, deposit: 0, freq: domain.FrequencyNone, wantCode: http.StatusUnprocessableEntity},
		{name: "unknown referral code", travel: travelIn90, deposit: 100, freq: domain.FrequencyWeekly, referral: "NOPE", wantCode: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.seedTrip(tt.travel, 1000, tt.deposit)
			_, err := h.bookings.CreateCheckout(context.Background(), "buyer-1", &domain.CheckoutRequest{
				PackageID:    "pkg-1",
				Buyer:        domain.BuyerInfo{Name: "Ana", Email: "ana@example.com"},
				Frequency:    tt.freq,
				ReferralCode: tt.referral,
			}, t0)
			appErr, ok := domain.AsAppError(err)
			if !ok || appErr.Code != tt.wantCode {
				t.Fatalf("err = %v, want code %d", err, tt.wantCode)
			}
		})
	}
}

func TestCreateCheckoutUnknownPackage(t *testing.T) {
	h := newHarness()
	_, err := h.bookings.CreateCheckout(context.Background(), "buyer-1", &domain.CheckoutRequest{
		PackageID: "missing",
		Frequency: domain.FrequencyMonthly,
	}, t0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestLumpSumAfterCutoffIsFullyPaidAtCheckout(t *testing.T) {
	h := newHarness()
	h.seedTrip(t0.Add(10*dayDur), 50000, 5000)

	id, err := h.confirmedBooking("buyer-1", domain.FrequencyLumpSum, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	b := h.booking(id)
	if b.Status != domain.BookingFullyPaid || b.AmountPaid != 50000 {
		t.Errorf("booking = %s paid %d, want fully_paid 50000", b.Status, b.AmountPaid)
	}
	if items := h.installments(id); len(items) != 0 {
		t.Errorf("lump sum produced %d installments", len(items))
	}
}

func TestSelfReferralIsIgnored(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 10000, 1000)
	_, _ = h.catalog.UpsertReferralCode(ctx, &domain.ReferralCode{Code: "ME", AccountID: "buyer-1"})

	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "me")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	if b := h.booking(id); b.ReferrerID != nil {
		t.Errorf("referrer = %q, want none", *b.ReferrerID)
	}
	if c, _ := h.store.ledger().Commissions.List(ctx, ""); len(c) != 0 {
		t.Errorf("self-referral created %d commissions", len(c))
	}
}

func TestConfirmDepositIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	b := h.booking(id)

	confirmed, err := h.bookings.ConfirmDeposit(ctx, id, b.DepositChargeRef, "pm_other", 20000, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ConfirmDeposit replay: %v", err)
	}
	if confirmed {
		t.Error("replay reported a new confirmation")
	}
	if got := len(h.installments(id)); got != 3 {
		t.Errorf("installments = %d after replay, want 3", got)
	}
	after := h.booking(id)
	if after.PaymentMethodRef != b.PaymentMethodRef || after.Version != b.Version {
		t.Error("replay modified the booking")
	}
	if n := len(h.notifier.byEvent(domain.NotifyBookingConfirmed)); n != 1 {
		t.Errorf("booking_confirmed notifications = %d, want 1", n)
	}
}

func TestCancelStopsAllFutureCharges(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	if _, err := h.bookings.Cancel(ctx, "", id, t0.Add(dayDur)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := amounts(h.installments(id), domain.InstallmentCancelled); len(got) != 3 {
		t.Fatalf("cancelled installments = %v, want 3", got)
	}

	report, err := h.processor.RunDueInstallments(ctx, t0.Add(200*dayDur))
	if err != nil {
		t.Fatalf("RunDueInstallments: %v", err)
	}
	if report.Considered != 0 || h.gateway.ChargeCount() != 0 {
		t.Errorf("cancelled booking was charged: %+v, %d calls", report, h.gateway.ChargeCount())
	}

	before := h.booking(id)
	if _, err := h.bookings.Cancel(ctx, "", id, t0.Add(2*dayDur)); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if h.booking(id).Version != before.Version {
		t.Error("second cancel rewrote the booking")
	}
}

func TestCancelByOtherBuyerIsNotFound(t *testing.T) {
	h := newHarness()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	_, err = h.bookings.Cancel(context.Background(), "buyer-2", id, t0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if h.booking(id).Status != domain.BookingConfirmed {
		t.Error("booking changed")
	}
}

func TestRefundOnlyFromFullyPaid(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(t0.Add(10*dayDur), 50000, 5000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyLumpSum, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	b, err := h.bookings.Refund(ctx, id, t0.Add(dayDur))
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if b.Status != domain.BookingRefunded {
		t.Errorf("status = %s, want refunded", b.Status)
	}
	if _, err := h.bookings.Cancel(ctx, "", id, t0.Add(2*dayDur)); err == nil {
		t.Error("cancel after refund succeeded")
	}
	if _, err := h.bookings.Refund(ctx, id, t0.Add(2*dayDur)); err != nil {
		t.Errorf("refund replay: %v", err)
	}
}

func TestPayOffCollectsRemainingBalance(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	if _, err := h.processor.RunDueInstallments(ctx, t0.Add(30*dayDur)); err != nil {
		t.Fatalf("RunDueInstallments: %v", err)
	}

	payoff, err := h.bookings.PayOff(ctx, "buyer-1", id, t0.Add(31*dayDur))
	if err != nil {
		t.Fatalf("PayOff: %v", err)
	}
	if payoff.Kind != domain.InstallmentPayoff || payoff.Status != domain.InstallmentPaid {
		t.Errorf("payoff = %s/%s, want payoff/paid", payoff.Kind, payoff.Status)
	}
	if payoff.Amount != 120000-20000-33334 {
		t.Errorf("payoff amount = %d", payoff.Amount)
	}

	b := h.booking(id)
	if b.Status != domain.BookingFullyPaid || b.AmountPaid != 120000 {
		t.Errorf("booking = %s paid %d", b.Status, b.AmountPaid)
	}
	if got := amounts(h.installments(id), domain.InstallmentCancelled); len(got) != 2 {
		t.Errorf("cancelled = %v, want the two remaining scheduled installments", got)
	}

	if _, err := h.bookings.PayOff(ctx, "buyer-1", id, t0.Add(32*dayDur)); err == nil {
		t.Error("payoff of a fully paid booking succeeded")
	}
}

func TestChangeFrequencyReschedulesPending(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	detail, err := h.bookings.ChangeFrequency(ctx, "buyer-1", id, domain.FrequencyWeekly, t0)
	if err != nil {
		t.Fatalf("ChangeFrequency: %v", err)
	}
	if detail.Booking.Frequency != domain.FrequencyWeekly {
		t.Errorf("frequency = %s", detail.Booking.Frequency)
	}

	var sum int64
	pending := amounts(detail.Installments, domain.InstallmentPending)
	for _, a := range pending {
		sum += a
	}
	if len(pending) != 13 || sum != 100000 {
		t.Errorf("weekly schedule = %d entries summing to %d, want 13 and 100000", len(pending), sum)
	}
	if got := amounts(detail.Installments, domain.InstallmentCancelled); len(got) != 3 {
		t.Errorf("cancelled = %d, want 3", len(got))
	}

	maxSeq := 0
	for _, it := range detail.Installments {
		if it.Status == domain.InstallmentPending && it.Sequence <= 3 {
			t.Errorf("new installment reused sequence %d", it.Sequence)
		}
		if it.Sequence > maxSeq {
			maxSeq = it.Sequence
		}
	}
	if maxSeq != 16 {
		t.Errorf("max sequence = %d, want 16", maxSeq)
	}

	if _, err := h.bookings.ChangeFrequency(ctx, "buyer-1", id, domain.FrequencyLumpSum, t0); err == nil {
		t.Error("lump_sum accepted as a new frequency")
	}
}

func TestChangeFrequencyExcludesFailedAmounts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}
	h.gateway.ChargeFunc = func(payment.ChargeRequest) error {
		return &payment.ChargeError{Kind: payment.FailureDeclined, Reason: "insufficient funds"}
	}
	if _, err := h.processor.RunDueInstallments(ctx, t0.Add(30*dayDur)); err != nil {
		t.Fatalf("RunDueInstallments: %v", err)
	}

	detail, err := h.bookings.ChangeFrequency(ctx, "buyer-1", id, domain.FrequencyNone, t0.Add(31*dayDur))
	if err != nil {
		t.Fatalf("ChangeFrequency: %v", err)
	}
	if got := amounts(detail.Installments, domain.InstallmentFailed); len(got) != 1 || got[0] != 33334 {
		t.Errorf("failed = %v, want the declined installment kept", got)
	}
	if got := amounts(detail.Installments, domain.InstallmentPending); len(got) != 0 {
		t.Errorf("pending = %v, want none for frequency none", got)
	}
}

func TestUpdatePaymentMethod(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	if _, err := h.bookings.UpdatePaymentMethod(ctx, "buyer-1", id, "pm_new", t0); err != nil {
		t.Fatalf("UpdatePaymentMethod: %v", err)
	}
	if _, err := h.processor.RunDueInstallments(ctx, t0.Add(30*dayDur)); err != nil {
		t.Fatalf("RunDueInstallments: %v", err)
	}
	calls := h.gateway.ChargeCalls
	if len(calls) != 1 || calls[0].PaymentMethodID != "pm_new" {
		t.Errorf("charges = %+v, want one against pm_new", calls)
	}
}

func TestGetAndListForBuyer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	detail, err := h.bookings.Get(ctx, "buyer-1", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.Booking.ID != id || len(detail.Installments) != 3 {
		t.Errorf("detail = %+v", detail)
	}
	if _, err := h.bookings.Get(ctx, "buyer-2", id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("other buyer err = %v, want not found", err)
	}

	list, err := h.bookings.ListForBuyer(ctx, "buyer-1")
	if err != nil || len(list) != 1 {
		t.Errorf("ListForBuyer = %d, %v", len(list), err)
	}
}

func TestUpdateRetriesVersionConflict(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.seedTrip(travelIn90, 120000, 20000)
	id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
	if err != nil {
		t.Fatalf("confirmedBooking: %v", err)
	}

	h.store.mu.Lock()
	h.store.failUpdate = domain.ErrVersionConflict
	h.store.mu.Unlock()

	b, err := h.bookings.Cancel(ctx, "", id, t0)
	if err != nil {
		t.Fatalf("Cancel after conflict: %v", err)
	}
	if b.Status != domain.BookingCancelled {
		t.Errorf("status = %s", b.Status)
	}
}

func TestScheduleChangesLoseToConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	ops := []struct {
		name string
		run  func(s *BookingService, id string, now time.Time) error
	}{
		{"payoff", func(s *BookingService, id string, now time.Time) error {
			_, err := s.PayOff(ctx, "buyer-1", id, now)
			return err
		}},
		{"change frequency", func(s *BookingService, id string, now time.Time) error {
			_, err := s.ChangeFrequency(ctx, "buyer-1", id, domain.FrequencyWeekly, now)
			return err
		}},
		{"cancel", func(s *BookingService, id string, now time.Time) error {
			_, err := s.Cancel(ctx, "buyer-1", id, now)
			return err
		}},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			h := newHarness()
			h.seedTrip(travelIn90, 120000, 20000)
			id, err := h.confirmedBooking("buyer-1", domain.FrequencyMonthly, "")
			if err != nil {
				t.Fatalf("confirmedBooking: %v", err)
			}
			now := t0.Add(30 * dayDur)
			first := h.installments(id)[0]

			err = op.run(h.bookingsRacingClaim(first.ID, now), id, now)
			if appErr, ok := domain.AsAppError(err); !ok || appErr.Code != http.StatusConflict {
				t.Fatalf("err = %v, want conflict", err)
			}
			if got := amounts(h.installments(id), domain.InstallmentCancelled); len(got) != 0 {
				t.Errorf("installments cancelled under an in-flight charge: %v", got)
			}
			if b := h.booking(id); b.Status != domain.BookingConfirmed {
				t.Errorf("status = %s, want confirmed", b.Status)
			}

			// The claimed charge completes and the operation then goes through.
			if _, err := h.processor.RunDueInstallments(ctx, now.Add(3*time.Hour)); err != nil {
				t.Fatalf("RunDueInstallments: %v", err)
			}
			if err := op.run(h.bookings, id, now.Add(4*time.Hour)); err != nil {
				t.Fatalf("after charge settled: %v", err)
			}

			b := h.booking(id)
			total, per := h.collected(b.GatewayCustomerID)
			if total > b.TotalAmount || b.AmountPaid > b.TotalAmount {
				t.Errorf("collected %d, recorded %d, total %d", total, b.AmountPaid, b.TotalAmount)
			}
			if total != b.AmountPaid {
				t.Errorf("gateway collected %d, ledger recorded %d", total, b.AmountPaid)
			}
			if per[first.ID] != 1 {
				t.Errorf("first installment charged %d times", per[first.ID])
			}
		})
	}
}
