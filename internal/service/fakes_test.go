package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tripledger/booking/internal/domain"
	"github.com/tripledger/booking/pkg/payment"
	"go.uber.org/zap"
)

// memLedger is an in-memory implementation of every store with the same
// compare-and-set rules as the PostgreSQL repositories.
type memLedger struct {
	mu            sync.Mutex
	bookings      map[string]domain.Booking
	installments  map[string]domain.Installment
	commissions   map[string]domain.Commission
	subscriptions map[string]domain.SubscriptionState
	trips         map[string]domain.Trip
	packages      map[string]domain.Package
	referrals     map[string]domain.ReferralCode

	// failUpdate, when set, is returned by the next booking write.
	failUpdate error
}

func newMemLedger() *memLedger {
	return &memLedger{
		bookings:      make(map[string]domain.Booking),
		installments:  make(map[string]domain.Installment),
		commissions:   make(map[string]domain.Commission),
		subscriptions: make(map[string]domain.SubscriptionState),
		trips:         make(map[string]domain.Trip),
		packages:      make(map[string]domain.Package),
		referrals:     make(map[string]domain.ReferralCode),
	}
}

func (m *memLedger) ledger() Ledger {
	return Ledger{
		Bookings:      memBookings{m},
		Installments:  memInstallments{m},
		Commissions:   memCommissions{m},
		Subscriptions: memSubscriptions{m},
		Trips:         memTrips{m},
		Referrals:     memReferrals{m},
	}
}

// --- bookings ---

type memBookings struct{ m *memLedger }

func (s memBookings) Create(ctx context.Context, b *domain.Booking) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if b.Version == 0 {
		b.Version = 1
	}
	s.m.bookings[b.ID] = *b
	return nil
}

func (s memBookings) FindByID(ctx context.Context, id string) (*domain.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	b, ok := s.m.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s memBookings) ListByBuyer(ctx context.Context, buyerID string) ([]*domain.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []*domain.Booking{}
	for _, b := range s.m.bookings {
		if b.BuyerID == buyerID {
			cp := b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s memBookings) ListPastCutoff(ctx context.Context, now time.Time) ([]*domain.Booking, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*domain.Booking
	for _, b := range s.m.bookings {
		if b.Status == domain.BookingConfirmed && b.CutoffDate.Before(now) && b.AmountPaid < b.TotalAmount {
			cp := b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memBookings) Update(ctx context.Context, b *domain.Booking) error {
	return s.UpdateWithSchedule(ctx, b, domain.ScheduleChange{})
}

func (s memBookings) UpdateWithSchedule(ctx context.Context, b *domain.Booking, change domain.ScheduleChange) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.failUpdate; err != nil {
		s.m.failUpdate = nil
		return err
	}
	stored, ok := s.m.bookings[b.ID]
	if !ok || stored.Version != b.Version {
		return domain.ErrVersionConflict
	}
	b.Version++
	s.m.bookings[b.ID] = *b

	for id, it := range s.m.installments {
		if it.BookingID != b.ID {
			continue
		}
		for _, st := range change.CancelStatuses {
			if it.Status == st {
				it.Status = domain.InstallmentCancelled
				it.UpdatedAt = b.UpdatedAt
				s.m.installments[id] = it
				break
			}
		}
	}
	for _, it := range change.Add {
		s.m.installments[it.ID] = *it
	}
	return nil
}

// --- installments ---

type memInstallments struct{ m *memLedger }

func (s memInstallments) FindByID(ctx context.Context, id string) (*domain.Installment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	it, ok := s.m.installments[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (s memInstallments) ListByBooking(ctx context.Context, bookingID string) ([]*domain.Installment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []*domain.Installment{}
	for _, it := range s.m.installments {
		if it.BookingID == bookingID {
			cp := it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s memInstallments) ListDue(ctx context.Context, q domain.DueQuery) ([]*domain.Installment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*domain.Installment
	for _, it := range s.m.installments {
		b := s.m.bookings[it.BookingID]
		if b.Status != domain.BookingConfirmed && b.Status != domain.BookingOverdue {
			continue
		}
		if it.DueDate.After(q.Now) {
			continue
		}
		due := false
		switch it.Status {
		case domain.InstallmentPending:
			due = true
		case domain.InstallmentProcessing:
			due = it.ProcessingSince == nil || it.ProcessingSince.Before(q.StaleBefore)
		case domain.InstallmentFailed:
			due = !q.RetryFailedBefore.IsZero() && it.Attempts < q.MaxAttempts &&
				(it.LastAttemptAt == nil || it.LastAttemptAt.Before(q.RetryFailedBefore))
		}
		if due {
			cp := it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookingID != out[j].BookingID {
			return out[i].BookingID < out[j].BookingID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s memInstallments) Claim(ctx context.Context, id string, staleBefore, now time.Time) (*domain.Installment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	it, ok := s.m.installments[id]
	if !ok || !it.Chargeable(staleBefore) {
		return nil, nil
	}
	b, ok := s.m.bookings[it.BookingID]
	if !ok || (b.Status != domain.BookingConfirmed && b.Status != domain.BookingOverdue) {
		return nil, nil
	}
	it.Claim(now)
	s.m.installments[id] = it
	b.Version++
	s.m.bookings[b.ID] = b
	cp := it
	return &cp, nil
}

func (s memInstallments) MarkPaid(ctx context.Context, id, chargeRef string, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	it, ok := s.m.installments[id]
	if !ok || (it.Status != domain.InstallmentPending && it.Status != domain.InstallmentProcessing && it.Status != domain.InstallmentFailed) {
		return false, nil
	}
	at := now
	it.Status = domain.InstallmentPaid
	it.ChargeRef = chargeRef
	it.PaidAt = &at
	it.FailureReason = ""
	it.ProcessingSince = nil
	it.UpdatedAt = now
	s.m.installments[id] = it
	return true, nil
}

func (s memInstallments) MarkFailed(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	it, ok := s.m.installments[id]
	if !ok || (it.Status != domain.InstallmentPending && it.Status != domain.InstallmentProcessing) {
		return false, nil
	}
	it.Status = domain.InstallmentFailed
	it.FailureReason = reason
	it.ProcessingSince = nil
	it.UpdatedAt = now
	s.m.installments[id] = it
	return true, nil
}

func (s memInstallments) CancelClaim(ctx context.Context, id string, now time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	it, ok := s.m.installments[id]
	if ok && it.Status == domain.InstallmentProcessing {
		it.Status = domain.InstallmentCancelled
		it.ProcessingSince = nil
		it.UpdatedAt = now
		s.m.installments[id] = it
	}
	return nil
}

// --- commissions ---

type memCommissions struct{ m *memLedger }

func (s memCommissions) Create(ctx context.Context, c *domain.Commission) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.commissions {
		if existing.SourcePaymentRef == c.SourcePaymentRef {
			return false, nil
		}
	}
	s.m.commissions[c.ID] = *c
	return true, nil
}

func (s memCommissions) FindByID(ctx context.Context, id string) (*domain.Commission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.commissions[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s memCommissions) List(ctx context.Context, status domain.CommissionStatus) ([]*domain.Commission, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []*domain.Commission{}
	for _, c := range s.m.commissions {
		if status == "" || c.Status == status {
			cp := c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memCommissions) UpdateStatus(ctx context.Context, id string, status domain.CommissionStatus, now time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.commissions[id]
	if !ok || c.Status != domain.CommissionPending {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = now
	s.m.commissions[id] = c
	return true, nil
}

// --- subscriptions, trips, referrals ---

type memSubscriptions struct{ m *memLedger }

func (s memSubscriptions) Replace(ctx context.Context, st *domain.SubscriptionState) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.subscriptions[st.CustomerID] = *st
	return nil
}

func (s memSubscriptions) FindByCustomer(ctx context.Context, customerID string) (*domain.SubscriptionState, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	st, ok := s.m.subscriptions[customerID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

type memTrips struct{ m *memLedger }

func (s memTrips) Upsert(ctx context.Context, t *domain.Trip) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for id, p := range s.m.packages {
		if p.TripID == t.ID {
			delete(s.m.packages, id)
		}
	}
	for _, p := range t.Packages {
		s.m.packages[p.ID] = *p
	}
	cp := *t
	cp.Packages = nil
	s.m.trips[t.ID] = cp
	return nil
}

func (s memTrips) FindByID(ctx context.Context, id string) (*domain.Trip, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.trips[id]
	if !ok {
		return nil, nil
	}
	for _, p := range s.m.packages {
		if p.TripID == id {
			cp := p
			t.Packages = append(t.Packages, &cp)
		}
	}
	sort.Slice(t.Packages, func(i, j int) bool { return t.Packages[i].Price < t.Packages[j].Price })
	return &t, nil
}

func (s memTrips) FindPackage(ctx context.Context, packageID string) (*domain.Package, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	p, ok := s.m.packages[packageID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type memReferrals struct{ m *memLedger }

func (s memReferrals) FindByCode(ctx context.Context, code string) (*domain.ReferralCode, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	rc, ok := s.m.referrals[strings.ToUpper(code)]
	if !ok {
		return nil, nil
	}
	return &rc, nil
}

func (s memReferrals) Upsert(ctx context.Context, rc *domain.ReferralCode) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *rc
	cp.Code = strings.ToUpper(cp.Code)
	s.m.referrals[cp.Code] = cp
	return nil
}

// --- collaborators ---

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) byEvent(ev domain.NotificationEvent) []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Notification
	for _, msg := range n.sent {
		if msg.Event == ev {
			out = append(out, msg)
		}
	}
	return out
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *memDeduper) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDeduper) Forget(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// plainSealer stores payment methods with a visible prefix.
type plainSealer struct{}

func (plainSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	return "sealed:" + plain, nil
}

func (plainSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(sealed, "sealed:"), nil
}

// --- harness ---

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store      *memLedger
	gateway    *payment.MockGateway
	notifier   *recordingNotifier
	locker     *memLocker
	deduper    *memDeduper
	bookings   *BookingService
	processor  *Processor
	reconciler *Reconciler
	catalog    *CatalogService
	opts       Options
}

func testOptions() Options {
	return Options{
		Currency:          "usd",
		CutoffLeadDays:    30,
		ProcessingTimeout: 2 * time.Hour,
		OverdueGrace:      72 * time.Hour,
		MaxAttempts:       3,
		Concurrency:       4,
		OpsEmail:          "ops@example.com",
		SuccessURL:        "https://example.com/ok",
		CancelURL:         "https://example.com/cancel",
	}
}

func newHarness() *harness {
	return newHarnessWith(testOptions())
}

func newHarnessWith(opts Options) *harness {
	log := zap.NewNop()
	h := &harness{
		store:    newMemLedger(),
		gateway:  payment.NewMockGateway("whsec_test"),
		notifier: &recordingNotifier{},
		locker:   &memLocker{},
		deduper:  &memDeduper{},
		opts:     opts,
	}
	l := h.store.ledger()
	commissions := NewCommissionEngine(l.Commissions, decimal.RequireFromString("0.01"), log)
	h.bookings = NewBookingService(l, h.gateway, plainSealer{}, commissions, h.notifier, opts, log)
	h.processor = NewProcessor(l, h.bookings, h.locker, opts, log)
	h.reconciler = NewReconciler(h.gateway, l, h.bookings, h.deduper, log)
	h.catalog = NewCatalogService(l.Trips, l.Referrals, opts.CutoffLeadDays, log)
	return h
}

// seedTrip registers a trip travelling at travel with one package.
func (h *harness) seedTrip(travel time.Time, price, deposit int64) {
	_, err := h.catalog.UpsertTrip(context.Background(), &domain.UpsertTripRequest{
		ID:         "trip-1",
		Name:       "Lisbon",
		TravelDate: travel,
		Packages: []domain.UpsertPackageRequest{
			{ID: "pkg-1", Name: "Standard", Price: price, Deposit: deposit},
		},
	}, t0)
	if err != nil {
		panic(err)
	}
}

// confirmedBooking runs checkout and deposit confirmation and returns the
// booking id.
func (h *harness) confirmedBooking(buyerID string, freq domain.Frequency, referral string) (string, error) {
	ctx := context.Background()
	resp, err := h.bookings.CreateCheckout(ctx, buyerID, &domain.CheckoutRequest{
		PackageID:    "pkg-1",
		Buyer:        domain.BuyerInfo{Name: "Ana", Email: buyerID + "@example.com"},
		Frequency:    freq,
		ReferralCode: referral,
	}, t0)
	if err != nil {
		return "", err
	}
	b, _ := h.store.ledger().Bookings.FindByID(ctx, resp.BookingID)
	p, err := h.gateway.CompleteCheckout(b.CheckoutSessionID, "pm_card_visa")
	if err != nil {
		return "", err
	}
	if _, err := h.reconciler.applyPayment(ctx, p, t0); err != nil {
		return "", err
	}
	return resp.BookingID, nil
}

func (h *harness) booking(id string) *domain.Booking {
	b, _ := h.store.ledger().Bookings.FindByID(context.Background(), id)
	return b
}

func (h *harness) installments(bookingID string) []*domain.Installment {
	items, _ := h.store.ledger().Installments.ListByBooking(context.Background(), bookingID)
	return items
}

// collected sums the succeeded gateway payments of a customer and counts
// them per installment.
func (h *harness) collected(customerID string) (int64, map[string]int) {
	state, _ := h.gateway.CustomerState(context.Background(), customerID)
	var total int64
	per := make(map[string]int)
	for _, p := range state.Payments {
		if !p.Succeeded() {
			continue
		}
		total += p.Amount
		if inst := p.Metadata[payment.MetaInstallmentID]; inst != "" {
			per[inst]++
		}
	}
	return total, per
}

// claimingBookings runs claim once just before the first schedule write,
// between the service's read of the booking and its compare-and-set.
type claimingBookings struct {
	BookingStore
	claim func()
	once  sync.Once
}

func (s *claimingBookings) UpdateWithSchedule(ctx context.Context, b *domain.Booking, change domain.ScheduleChange) error {
	s.once.Do(s.claim)
	return s.BookingStore.UpdateWithSchedule(ctx, b, change)
}

// bookingsRacingClaim returns a BookingService over the harness ledger whose
// first schedule write is preceded by a claim of installmentID at now.
func (h *harness) bookingsRacingClaim(installmentID string, now time.Time) *BookingService {
	l := h.store.ledger()
	l.Bookings = &claimingBookings{
		BookingStore: l.Bookings,
		claim: func() {
			_, _ = h.store.ledger().Installments.Claim(context.Background(), installmentID, now.Add(-h.opts.ProcessingTimeout), now)
		},
	}
	log := zap.NewNop()
	commissions := NewCommissionEngine(l.Commissions, decimal.RequireFromString("0.01"), log)
	return NewBookingService(l, h.gateway, plainSealer{}, commissions, h.notifier, h.opts, log)
}

func amounts(items []*domain.Installment, status domain.InstallmentStatus) []int64 {
	var out []int64
	for _, it := range items {
		if it.Status == status {
			out = append(out, it.Amount)
		}
	}
	return out
}
