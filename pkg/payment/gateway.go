package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway defines the calls made to the card-processing provider.
type Gateway interface {
	// CreateCustomer registers the buyer and returns the gateway customer id.
	CreateCustomer(ctx context.Context, email, name string) (string, error)
	// CreateCheckoutSession creates a hosted checkout for the deposit.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// Charge attempts an off-session charge of a stored payment method.
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// GetPayment fetches the authoritative state of one payment.
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	// CustomerState fetches the authoritative subscription and recent payments.
	CustomerState(ctx context.Context, customerID string) (*CustomerState, error)
	// ParseEvent verifies the webhook signature and decodes the event.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

// ErrInvalidSignature is returned by ParseEvent for unverifiable payloads.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Metadata keys attached to gateway objects for reconciliation.
const (
	MetaBookingID     = "booking_id"
	MetaInstallmentID = "installment_id"
	MetaKind          = "kind"

	KindDeposit     = "deposit"
	KindInstallment = "installment"
)

// PaymentStatus constants
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// CheckoutRequest describes a hosted checkout for a booking deposit.
type CheckoutRequest struct {
	CustomerID  string
	Description string
	Amount      int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CheckoutSession is the created hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// ChargeRequest is an off-session charge against a saved payment method.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	// IdempotencyKey makes a retried HTTP call to the gateway return the
	// original result instead of charging twice.
	IdempotencyKey string
	Metadata       map[string]string
}

// Charge is a successful charge.
type Charge struct {
	ID        string
	PaymentID string
	Amount    int64
}

// Payment is the gateway's view of one payment attempt.
type Payment struct {
	ID              string
	ChargeID        string
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Status          string
	FailureReason   string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// Succeeded reports whether the payment collected funds.
func (p *Payment) Succeeded() bool {
	return p.Status == StatusSucceeded
}

// ChargeRef returns the reference recorded on the ledger for this payment.
func (p *Payment) ChargeRef() string {
	if p.ChargeID != "" {
		return p.ChargeID
	}
	return p.ID
}

// Subscription is the gateway's view of a customer subscription.
type Subscription struct {
	ID               string
	Status           string
	CurrentPeriodEnd time.Time
}

// CustomerState is everything the reconciler needs about one customer.
type CustomerState struct {
	CustomerID string
	// Subscription is nil when the customer has no active subscription.
	Subscription *Subscription
	Payments     []*Payment
}

// FailureKind classifies a failed charge.
type FailureKind string

const (
	FailureDeclined     FailureKind = "card_declined"
	FailureAuthRequired FailureKind = "authentication_required"
	FailureTransient    FailureKind = "gateway_error"
)

// ChargeError is returned by Charge when the gateway did not collect funds.
type ChargeError struct {
	Kind      FailureKind
	Reason    string
	PaymentID string
	Err       error
}

func (e *ChargeError) Error() string {
	return fmt.Sprintf("charge failed (%s): %s", e.Kind, e.Reason)
}

func (e *ChargeError) Unwrap() error {
	return e.Err
}

// AsChargeError extracts a ChargeError; other errors are classified transient.
func AsChargeError(err error) *ChargeError {
	var ce *ChargeError
	if errors.As(err, &ce) {
		return ce
	}
	return &ChargeError{Kind: FailureTransient, Reason: err.Error(), Err: err}
}
