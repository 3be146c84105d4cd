package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// recentPaymentsLimit bounds how many payment intents a resync inspects.
const recentPaymentsLimit = 20

// StripeGateway talks to Stripe through an explicitly constructed client.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a gateway bound to one secret key.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx

	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer:   stripe.String(req.CustomerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		// Keep the card for the off-session installment charges.
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			SetupFutureUsage: stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession)),
			Metadata:         req.Metadata,
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
	case stripe.PaymentIntentStatusRequiresAction:
		return nil, &ChargeError{Kind: FailureAuthRequired, Reason: "customer authentication required", PaymentID: pi.ID}
	default:
		return nil, &ChargeError{Kind: FailureDeclined, Reason: "payment intent " + string(pi.Status), PaymentID: pi.ID}
	}

	ch := &Charge{PaymentID: pi.ID, Amount: pi.Amount}
	if pi.LatestCharge != nil {
		ch.ID = pi.LatestCharge.ID
	}
	if ch.ID == "" {
		ch.ID = pi.ID
	}
	return ch, nil
}

func (g *StripeGateway) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(paymentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get payment intent %s: %w", paymentID, err)
	}
	return toPayment(pi), nil
}

func (g *StripeGateway) CustomerState(ctx context.Context, customerID string) (*CustomerState, error) {
	state := &CustomerState{CustomerID: customerID}

	subParams := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	subParams.Context = ctx
	subs := g.api.Subscriptions.List(subParams)
	for subs.Next() {
		s := subs.Subscription()
		state.Subscription = &Subscription{
			ID:               s.ID,
			Status:           string(s.Status),
			CurrentPeriodEnd: time.Unix(s.CurrentPeriodEnd, 0).UTC(),
		}
		break
	}
	if err := subs.Err(); err != nil {
		return nil, fmt.Errorf("stripe list subscriptions: %w", err)
	}

	piParams := &stripe.PaymentIntentListParams{Customer: stripe.String(customerID)}
	piParams.Context = ctx
	piParams.Limit = stripe.Int64(recentPaymentsLimit)
	piParams.Single = true
	intents := g.api.PaymentIntents.List(piParams)
	for intents.Next() {
		state.Payments = append(state.Payments, toPayment(intents.PaymentIntent()))
	}
	if err := intents.Err(); err != nil {
		return nil, fmt.Errorf("stripe list payment intents: %w", err)
	}
	return state, nil
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type), Kind: KindOf(string(ev.Type))}
	if ev.Data == nil {
		return out, nil
	}
	if c, ok := ev.Data.Object["customer"].(string); ok {
		out.CustomerID = c
	}
	if out.Kind.IsPayment() {
		if id, ok := ev.Data.Object["id"].(string); ok {
			out.PaymentID = id
		}
	}
	return out, nil
}

func toPayment(pi *stripe.PaymentIntent) *Payment {
	p := &Payment{
		ID:        pi.ID,
		Amount:    pi.Amount,
		Metadata:  pi.Metadata,
		CreatedAt: time.Unix(pi.Created, 0).UTC(),
	}
	if pi.Customer != nil {
		p.CustomerID = pi.Customer.ID
	}
	if pi.PaymentMethod != nil {
		p.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.LatestCharge != nil {
		p.ChargeID = pi.LatestCharge.ID
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		p.Status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		// requires_payment_method after a confirmation attempt means it was declined
		if pi.LastPaymentError != nil {
			p.Status = StatusFailed
			p.FailureReason = pi.LastPaymentError.Msg
		} else if pi.Status == stripe.PaymentIntentStatusCanceled {
			p.Status = StatusFailed
			p.FailureReason = "canceled"
		} else {
			p.Status = StatusPending
		}
	default:
		p.Status = StatusPending
	}
	return p
}

func classifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &ChargeError{Kind: FailureTransient, Reason: err.Error(), Err: err}
	}

	ce := &ChargeError{Kind: FailureTransient, Reason: se.Msg, Err: err}
	switch {
	case se.Code == stripe.ErrorCodeAuthenticationRequired:
		ce.Kind = FailureAuthRequired
	case se.Type == stripe.ErrorTypeCard:
		ce.Kind = FailureDeclined
		if se.DeclineCode != "" {
			ce.Reason = fmt.Sprintf("%s (%s)", se.Msg, se.DeclineCode)
		}
	}
	return ce
}
