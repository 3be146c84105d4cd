package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway is an in-memory gateway for local development and tests.
// Webhooks are signed as "sha256=<hex hmac>" over the raw body.
type MockGateway struct {
	secret string

	mu            sync.Mutex
	payments      map[string]*Payment
	byCustomer    map[string][]string
	subscriptions map[string]*Subscription
	idempotent    map[string]*Charge
	sessions      map[string]CheckoutRequest

	// ChargeFunc, when set, decides the outcome of every Charge call.
	ChargeFunc  func(req ChargeRequest) error
	ChargeCalls []ChargeRequest
}

// NewMockGateway creates a mock gateway verifying webhooks with secret.
func NewMockGateway(secret string) *MockGateway {
	return &MockGateway{
		secret:        secret,
		payments:      make(map[string]*Payment),
		byCustomer:    make(map[string][]string),
		subscriptions: make(map[string]*Subscription),
		idempotent:    make(map[string]*Charge),
		sessions:      make(map[string]CheckoutRequest),
	}
}

func (g *MockGateway) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	return "cus_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:14], nil
}

func (g *MockGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	id := "cs_" + uuid.New().String()
	g.mu.Lock()
	g.sessions[id] = req
	g.mu.Unlock()
	return &CheckoutSession{ID: id, URL: "https://checkout.example.com/pay/" + id}, nil
}

// CompleteCheckout simulates the buyer paying a checkout session and returns
// the resulting payment, as the real gateway would after redirect.
func (g *MockGateway) CompleteCheckout(sessionID, paymentMethodID string) (*Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown checkout session %s", sessionID)
	}
	p := &Payment{
		ID:              "pi_" + uuid.New().String(),
		ChargeID:        "ch_" + uuid.New().String(),
		CustomerID:      req.CustomerID,
		PaymentMethodID: paymentMethodID,
		Amount:          req.Amount,
		Status:          StatusSucceeded,
		Metadata:        copyMeta(req.Metadata),
		CreatedAt:       time.Now(),
	}
	g.recordLocked(p)
	return p, nil
}

func (g *MockGateway) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ChargeCalls = append(g.ChargeCalls, req)
	if req.IdempotencyKey != "" {
		if prev, ok := g.idempotent[req.IdempotencyKey]; ok {
			return prev, nil
		}
	}

	p := &Payment{
		ID:              "pi_" + uuid.New().String(),
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Amount:          req.Amount,
		Metadata:        copyMeta(req.Metadata),
		CreatedAt:       time.Now(),
	}

	if g.ChargeFunc != nil {
		if err := g.ChargeFunc(req); err != nil {
			ce := AsChargeError(err)
			ce.PaymentID = p.ID
			p.Status = StatusFailed
			p.FailureReason = ce.Reason
			g.recordLocked(p)
			return nil, ce
		}
	}

	p.Status = StatusSucceeded
	p.ChargeID = "ch_" + uuid.New().String()
	g.recordLocked(p)

	ch := &Charge{ID: p.ChargeID, PaymentID: p.ID, Amount: p.Amount}
	if req.IdempotencyKey != "" {
		g.idempotent[req.IdempotencyKey] = ch
	}
	return ch, nil
}

func (g *MockGateway) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	cp := *p
	return &cp, nil
}

func (g *MockGateway) CustomerState(ctx context.Context, customerID string) (*CustomerState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := &CustomerState{CustomerID: customerID}
	if sub, ok := g.subscriptions[customerID]; ok && sub.Status == "active" {
		cp := *sub
		state.Subscription = &cp
	}
	for _, id := range g.byCustomer[customerID] {
		cp := *g.payments[id]
		state.Payments = append(state.Payments, &cp)
	}
	return state, nil
}

// SetSubscription replaces the customer's subscription; nil removes it.
func (g *MockGateway) SetSubscription(customerID string, sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub == nil {
		delete(g.subscriptions, customerID)
		return
	}
	g.subscriptions[customerID] = sub
}

// ParseEvent verifies the signature and decodes the mock event envelope.
func (g *MockGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	if !verifySignature(signature, payload, g.secret) {
		return nil, ErrInvalidSignature
	}

	var env struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Customer  string `json:"customer"`
			PaymentID string `json:"payment_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	ev := &Event{ID: env.ID, Type: env.Type, Kind: KindOf(env.Type), CustomerID: env.Data.Customer}
	if ev.Kind.IsPayment() {
		ev.PaymentID = env.Data.PaymentID
	}
	return ev, nil
}

// Sign returns the signature header value for payload.
func (g *MockGateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(g.secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ChargeCount returns how many Charge calls were made.
func (g *MockGateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ChargeCalls)
}

func (g *MockGateway) recordLocked(p *Payment) {
	g.payments[p.ID] = p
	if p.CustomerID != "" {
		g.byCustomer[p.CustomerID] = append(g.byCustomer[p.CustomerID], p.ID)
	}
}

func verifySignature(signature string, payload []byte, secret string) bool {
	parts := strings.Split(signature, "=")
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedMAC := mac.Sum(nil)
	expectedSignature := hex.EncodeToString(expectedMAC)

	return hmac.Equal([]byte(parts[1]), []byte(expectedSignature))
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
