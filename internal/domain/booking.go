package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a Booking.
type BookingStatus string

const (
	BookingPendingDeposit BookingStatus = "pending_deposit"
	BookingConfirmed      BookingStatus = "confirmed"
	BookingOverdue        BookingStatus = "overdue"
	BookingFullyPaid      BookingStatus = "fully_paid"
	BookingCancelled      BookingStatus = "cancelled"
	BookingRefunded       BookingStatus = "refunded"
)

// Frequency is how often the remaining balance is charged after the deposit.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyLumpSum  Frequency = "lump_sum"
	// FrequencyNone is the deposit-based variant: the balance is settled
	// through the payoff path, not by the recurring scheduler.
	FrequencyNone Frequency = "none"
)

// Recurring reports whether the frequency produces a recurring schedule.
func (f Frequency) Recurring() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	return f.Recurring() || f == FrequencyLumpSum || f == FrequencyNone
}

// Booking represents one purchase commitment for a trip package.
type Booking struct {
	ID                string        `json:"id"`
	BuyerID           string        `json:"buyerId"`
	BuyerEmail        string        `json:"buyerEmail"`
	TripID            string        `json:"tripId"`
	PackageID         string        `json:"packageId"`
	ReferrerID        *string       `json:"referrerId,omitempty"`
	TotalAmount       int64         `json:"totalAmount"`
	DepositAmount     int64         `json:"depositAmount"`
	AmountPaid        int64         `json:"amountPaid"`
	Frequency         Frequency     `json:"frequency"`
	CutoffDate        time.Time     `json:"cutoffDate"`
	Status            BookingStatus `json:"status"`
	GatewayCustomerID string        `json:"gatewayCustomerId,omitempty"`
	CheckoutSessionID string        `json:"checkoutSessionId,omitempty"`
	DepositChargeRef  string        `json:"depositChargeRef,omitempty"`
	PaymentMethodRef  string        `json:"-"`
	Version           int           `json:"version"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// NewBookingID generates a new UUID for a booking.
func NewBookingID() string {
	return uuid.New().String()
}

// Remaining is the part of the total not yet collected.
func (b *Booking) Remaining() int64 {
	return b.TotalAmount - b.AmountPaid
}

// Terminal reports whether no further installment processing may occur.
func (b *Booking) Terminal() bool {
	return b.Status.Terminal()
}

// Terminal reports whether the status ends automatic processing.
func (s BookingStatus) Terminal() bool {
	return s == BookingFullyPaid || s == BookingCancelled || s == BookingRefunded
}

// rank orders statuses so that a booking never moves backward.
// confirmed and overdue share a rank: overdue is a side branch that is
// cured back to confirmed once the missed charge is collected.
func (s BookingStatus) rank() int {
	switch s {
	case BookingPendingDeposit:
		return 0
	case BookingConfirmed, BookingOverdue:
		return 1
	case BookingFullyPaid, BookingCancelled:
		return 2
	case BookingRefunded:
		return 3
	}
	return -1
}

// bookingTransitions lists the allowed edges. overdue -> confirmed is the
// cure edge: an overdue booking returns to confirmed once nothing failed
// and nothing late remains, and it is the only edge that leaves overdue
// without closing the booking.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPendingDeposit: {BookingConfirmed, BookingCancelled},
	BookingConfirmed:      {BookingFullyPaid, BookingOverdue, BookingCancelled},
	BookingOverdue:        {BookingConfirmed, BookingFullyPaid, BookingCancelled},
	BookingFullyPaid:      {BookingRefunded},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return to.rank() >= from.rank()
		}
	}
	return false
}

// TransitionTo moves the booking to the given status or returns
// ErrInvalidTransition. Transitioning to the current status is a no-op.
func (b *Booking) TransitionTo(to BookingStatus, now time.Time) error {
	if b.Status == to {
		return nil
	}
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = now
	return nil
}

// ApplyPaid sets the collected amount, rejecting values above the total.
func (b *Booking) ApplyPaid(amount int64) error {
	if amount > b.TotalAmount {
		return fmt.Errorf("amount paid %d exceeds total %d for booking %s", amount, b.TotalAmount, b.ID)
	}
	b.AmountPaid = amount
	return nil
}

// CheckoutRequest is the validated input for starting a checkout.
type CheckoutRequest struct {
	PackageID    string    `json:"packageId" validate:"required"`
	Buyer        BuyerInfo `json:"buyer" validate:"required"`
	Frequency    Frequency `json:"frequency" validate:"required,oneof=weekly biweekly monthly lump_sum none"`
	ReferralCode string    `json:"referralCode" validate:"omitempty,alphanum,max=32"`
}

// BuyerInfo is the buyer form data submitted with a checkout.
type BuyerInfo struct {
	Name  string `json:"name" validate:"required,min=1,max=200"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"omitempty,max=40"`
}

// CheckoutResponse returns the gateway URL the buyer is redirected to.
type CheckoutResponse struct {
	BookingID   string `json:"bookingId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// ChangeFrequencyRequest is the input for rescheduling a booking.
type ChangeFrequencyRequest struct {
	Frequency Frequency `json:"frequency" validate:"required,oneof=weekly biweekly monthly none"`
}

// UpdatePaymentMethodRequest carries a new gateway payment method id.
type UpdatePaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"required,max=255"`
}

// BookingDetail is a booking together with its installments.
type BookingDetail struct {
	Booking      *Booking       `json:"booking"`
	Installments []*Installment `json:"installments"`
}
