package service

import (
	"context"
	"time"

	"github.com/tripledger/booking/internal/domain"
)

// BookingStore persists bookings. Finders return nil, nil when the row
// does not exist. Update and UpdateWithSchedule fail with
// domain.ErrVersionConflict when the booking changed since it was read.
type BookingStore interface {
	Create(ctx context.Context, b *domain.Booking) error
	FindByID(ctx context.Context, id string) (*domain.Booking, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]*domain.Booking, error)
	ListPastCutoff(ctx context.Context, now time.Time) ([]*domain.Booking, error)
	Update(ctx context.Context, b *domain.Booking) error
	UpdateWithSchedule(ctx context.Context, b *domain.Booking, change domain.ScheduleChange) error
}

// InstallmentStore persists installments.
type InstallmentStore interface {
	FindByID(ctx context.Context, id string) (*domain.Installment, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*domain.Installment, error)
	ListDue(ctx context.Context, q domain.DueQuery) ([]*domain.Installment, error)
	Claim(ctx context.Context, id string, staleBefore, now time.Time) (*domain.Installment, error)
	MarkPaid(ctx context.Context, id, chargeRef string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error)
	CancelClaim(ctx context.Context, id string, now time.Time) error
}

// CommissionStore persists referral commissions.
type CommissionStore interface {
	Create(ctx context.Context, c *domain.Commission) (bool, error)
	FindByID(ctx context.Context, id string) (*domain.Commission, error)
	List(ctx context.Context, status domain.CommissionStatus) ([]*domain.Commission, error)
	UpdateStatus(ctx context.Context, id string, status domain.CommissionStatus, now time.Time) (bool, error)
}

// SubscriptionStore persists the mirrored gateway subscription state.
type SubscriptionStore interface {
	Replace(ctx context.Context, s *domain.SubscriptionState) error
	FindByCustomer(ctx context.Context, customerID string) (*domain.SubscriptionState, error)
}

// TripStore persists the trip catalogue.
type TripStore interface {
	Upsert(ctx context.Context, t *domain.Trip) error
	FindByID(ctx context.Context, id string) (*domain.Trip, error)
	FindPackage(ctx context.Context, packageID string) (*domain.Package, error)
}

// ReferralStore resolves referral codes.
type ReferralStore interface {
	FindByCode(ctx context.Context, code string) (*domain.ReferralCode, error)
	Upsert(ctx context.Context, rc *domain.ReferralCode) error
}

// Ledger groups the durable stores.
type Ledger struct {
	Bookings      BookingStore
	Installments  InstallmentStore
	Commissions   CommissionStore
	Subscriptions SubscriptionStore
	Trips         TripStore
	Referrals     ReferralStore
}

// Locker provides a lock shared by all replicas.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Deduper remembers recently handled webhook deliveries.
type Deduper interface {
	FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Notifier hands notifications to the external dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Sealer protects stored payment-method references.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}
