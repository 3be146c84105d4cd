package domain

import "time"

// NotificationEvent names the structured events emitted to the dispatcher.
type NotificationEvent string

const (
	NotifyPaymentSucceeded NotificationEvent = "payment_succeeded"
	NotifyPaymentFailed    NotificationEvent = "payment_failed"
	NotifyBookingConfirmed NotificationEvent = "booking_confirmed"
)

// Notification is handed to the external dispatcher, which owns delivery.
type Notification struct {
	Event         NotificationEvent `json:"event"`
	BookingID     string            `json:"booking"`
	InstallmentID string            `json:"installment,omitempty"`
	Amount        int64             `json:"amount"`
	Recipient     string            `json:"recipient"`
	Reason        string            `json:"reason,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
}

// RunReport summarizes one due-installment processor run.
type RunReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Considered int       `json:"considered"`
	Charged    int       `json:"charged"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	// MarkedOverdue counts bookings flagged because their cutoff passed
	// with a balance outstanding and nothing scheduled to collect it.
	MarkedOverdue int `json:"markedOverdue"`
}

// Add accumulates another partial report.
func (r *RunReport) Add(o RunReport) {
	r.Considered += o.Considered
	r.Charged += o.Charged
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Errors += o.Errors
	r.MarkedOverdue += o.MarkedOverdue
}
