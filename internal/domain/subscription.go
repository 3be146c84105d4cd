package domain

import "time"

// SubscriptionStatus mirrors whether the gateway customer has an active subscription.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionNone   SubscriptionStatus = "none"
)

// SubscriptionState is the local mirror of a gateway customer's subscription.
// It is never patched; every resync replaces it wholesale.
type SubscriptionState struct {
	CustomerID     string             `json:"customerId"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	Status         SubscriptionStatus `json:"status"`
	ExpiresAt      *time.Time         `json:"expiresAt,omitempty"`
	SyncedAt       time.Time          `json:"syncedAt"`
}

// ResyncReport describes the outcome of one customer resync.
type ResyncReport struct {
	CustomerID      string             `json:"customerId"`
	Subscription    *SubscriptionState `json:"subscription"`
	PaymentsSeen    int                `json:"paymentsSeen"`
	PaymentsApplied int                `json:"paymentsApplied"`
}
