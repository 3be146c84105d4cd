package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommissionStatus tracks the payout of a referral commission.
type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending"
	CommissionPaid    CommissionStatus = "paid"
	CommissionFailed  CommissionStatus = "failed"
)

// Commission is one payout credit to a referring account.
type Commission struct {
	ID               string           `json:"id"`
	ReferrerID       string           `json:"referrerId"`
	BookingID        string           `json:"bookingId"`
	SourcePaymentRef string           `json:"sourcePaymentRef"`
	Amount           int64            `json:"amount"`
	Status           CommissionStatus `json:"status"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// NewCommissionID generates a new UUID for a commission.
func NewCommissionID() string {
	return uuid.New().String()
}

// CommissionStatusRequest is sent by the payout collaborator.
type CommissionStatusRequest struct {
	Status CommissionStatus `json:"status" validate:"required,oneof=paid failed"`
}

// ReferralCode maps a shareable code to the referring account.
type ReferralCode struct {
	Code      string `json:"code" validate:"required,alphanum,max=32"`
	AccountID string `json:"accountId" validate:"required,max=255"`
}
