package payment

// EventKind is the closed set of gateway events the reconciler acts on.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCheckoutCompleted
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventSubscriptionPaused
	EventSubscriptionResumed
	EventInvoicePaid
	EventInvoiceFailed
	EventPaymentSucceeded
	EventPaymentFailed
)

var eventNames = map[string]EventKind{
	"checkout.session.completed":    EventCheckoutCompleted,
	"customer.subscription.created": EventSubscriptionCreated,
	"customer.subscription.updated": EventSubscriptionUpdated,
	"customer.subscription.deleted": EventSubscriptionDeleted,
	"customer.subscription.paused":  EventSubscriptionPaused,
	"customer.subscription.resumed": EventSubscriptionResumed,
	"invoice.paid":                  EventInvoicePaid,
	"invoice.payment_failed":        EventInvoiceFailed,
	"payment_intent.succeeded":      EventPaymentSucceeded,
	"payment_intent.payment_failed": EventPaymentFailed,
}

// KindOf maps a gateway event type string onto the allow-list.
func KindOf(eventType string) EventKind {
	return eventNames[eventType]
}

func (k EventKind) String() string {
	for name, kind := range eventNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// IsPayment reports whether the event concerns a single one-time payment.
func (k EventKind) IsPayment() bool {
	return k == EventPaymentSucceeded || k == EventPaymentFailed
}

// Event is a verified, decoded webhook event. Only identifiers are carried:
// state is always re-fetched from the gateway.
type Event struct {
	ID         string
	Type       string
	Kind       EventKind
	CustomerID string
	// PaymentID is set for payment events.
	PaymentID string
}
