package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstallmentStatus is the charge state of one scheduled installment.
type InstallmentStatus string

const (
	InstallmentPending    InstallmentStatus = "pending"
	InstallmentProcessing InstallmentStatus = "processing"
	InstallmentPaid       InstallmentStatus = "paid"
	InstallmentFailed     InstallmentStatus = "failed"
	InstallmentCancelled  InstallmentStatus = "cancelled"
)

// InstallmentKind distinguishes scheduled charges from an early payoff.
type InstallmentKind string

const (
	InstallmentScheduled InstallmentKind = "scheduled"
	InstallmentPayoff    InstallmentKind = "payoff"
)

// Installment is one future charge belonging to exactly one booking.
type Installment struct {
	ID              string            `json:"id"`
	BookingID       string            `json:"bookingId"`
	Sequence        int               `json:"sequence"`
	Kind            InstallmentKind   `json:"kind"`
	Amount          int64             `json:"amount"`
	DueDate         time.Time         `json:"dueDate"`
	Status          InstallmentStatus `json:"status"`
	ChargeRef       string            `json:"chargeRef,omitempty"`
	FailureReason   string            `json:"failureReason,omitempty"`
	Attempts        int               `json:"attempts"`
	LastAttemptAt   *time.Time        `json:"lastAttemptAt,omitempty"`
	ProcessingSince *time.Time        `json:"processingSince,omitempty"`
	PaidAt          *time.Time        `json:"paidAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// NewInstallmentID generates a new UUID for an installment.
func NewInstallmentID() string {
	return uuid.New().String()
}

// Chargeable reports whether the processor may claim the installment at now.
// A processing claim older than staleBefore is treated as abandoned.
func (i *Installment) Chargeable(staleBefore time.Time) bool {
	switch i.Status {
	case InstallmentPending, InstallmentFailed:
		return true
	case InstallmentProcessing:
		return i.ProcessingSince == nil || i.ProcessingSince.Before(staleBefore)
	}
	return false
}

// Claim moves the installment to processing at now. Re-taking an abandoned
// processing claim resumes the same attempt: Attempts and LastAttemptAt are
// left alone so the retried charge reuses the idempotency key of the charge
// that may already have reached the gateway.
func (i *Installment) Claim(now time.Time) {
	if i.Status != InstallmentProcessing {
		i.Attempts++
		at := now
		i.LastAttemptAt = &at
	}
	since := now
	i.Status = InstallmentProcessing
	i.ProcessingSince = &since
	i.UpdatedAt = now
}

// Resumed reports whether the current claim took over an abandoned attempt.
func (i *Installment) Resumed() bool {
	return i.Status == InstallmentProcessing && i.ProcessingSince != nil &&
		i.LastAttemptAt != nil && i.LastAttemptAt.Before(*i.ProcessingSince)
}

// IdempotencyKey identifies one charge attempt at the gateway.
func (i *Installment) IdempotencyKey() string {
	return fmt.Sprintf("installment-%s-%d", i.ID, i.Attempts)
}

// DueQuery selects installments for one processor run.
type DueQuery struct {
	Now time.Time
	// StaleBefore re-selects processing claims older than this instant.
	StaleBefore time.Time
	// RetryFailedBefore, when non-zero, also selects failed installments whose
	// last attempt happened before it and that have fewer than MaxAttempts.
	RetryFailedBefore time.Time
	MaxAttempts       int
}

// PaidSum returns the sum of paid installment amounts.
func PaidSum(items []*Installment) int64 {
	var sum int64
	for _, it := range items {
		if it.Status == InstallmentPaid {
			sum += it.Amount
		}
	}
	return sum
}

// FailedSum returns the sum of failed (still owed, not rescheduled) amounts.
func FailedSum(items []*Installment) int64 {
	var sum int64
	for _, it := range items {
		if it.Status == InstallmentFailed {
			sum += it.Amount
		}
	}
	return sum
}

// ScheduleChange is applied atomically together with a booking update.
type ScheduleChange struct {
	// CancelStatuses lists installment statuses to mark cancelled.
	CancelStatuses []InstallmentStatus
	Add            []*Installment
}

// NewInstallments turns generated charges into pending scheduled installments.
// Sequences continue after startSeq.
func NewInstallments(bookingID string, charges []ScheduledCharge, startSeq int, now time.Time) []*Installment {
	out := make([]*Installment, 0, len(charges))
	for _, c := range charges {
		out = append(out, &Installment{
			ID:        NewInstallmentID(),
			BookingID: bookingID,
			Sequence:  startSeq + c.Sequence,
			Kind:      InstallmentScheduled,
			Amount:    c.Amount,
			DueDate:   c.DueDate,
			Status:    InstallmentPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out
}

// MaxSequence returns the highest sequence number in items.
func MaxSequence(items []*Installment) int {
	max := 0
	for _, it := range items {
		if it.Sequence > max {
			max = it.Sequence
		}
	}
	return max
}
