package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/notification"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/payment"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

type mockRepo struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]*Booking
	// beforeApply runs under the lock before the compare-and-set.
	beforeApply    func(b *Booking)
	beforeCheckout func(b *Booking)
	createErr      error
}

func newMockRepo() *mockRepo {
	return &mockRepo{bookings: make(map[uuid.UUID]*Booking)}
}

func (m *mockRepo) Create(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, apperr.NotFound("booking", id)
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) ListForTraveler(_ context.Context, travelerID string, limit, offset int) ([]*Booking, int, error) {
	return m.list(func(b *Booking) bool { return b.TravelerID == travelerID }, limit, offset)
}

func (m *mockRepo) ListForProvider(_ context.Context, providerID string, limit, offset int) ([]*Booking, int, error) {
	return m.list(func(b *Booking) bool { return b.ProviderID == providerID }, limit, offset)
}

func (m *mockRepo) list(match func(*Booking) bool, limit, offset int) ([]*Booking, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Booking
	for _, b := range m.bookings {
		if match(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) Apply(_ context.Context, t Transition) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[t.ID]
	if !ok {
		return nil, apperr.NotFound("booking", t.ID)
	}
	if m.beforeApply != nil {
		m.beforeApply(b)
	}
	if !allowed(b.Status, t.From) {
		return nil, apperr.InvalidTransition("booking", t.Action, string(b.Status)).To(string(t.To))
	}
	if t.Session != "" && (b.CheckoutSessionID == nil || *b.CheckoutSessionID != t.Session) {
		return nil, staleCheckout()
	}
	b.Status = t.To
	p := t.Patch
	if p.QuotedPrice != nil {
		b.QuotedPrice = p.QuotedPrice
	}
	if p.DepositPercent != nil {
		b.DepositPercent = p.DepositPercent
	}
	if p.DepositAmount != nil {
		b.DepositAmount = p.DepositAmount
	}
	if p.ProviderMessage != nil {
		b.ProviderMessage = *p.ProviderMessage
	}
	if p.EstimatedDates != nil {
		b.EstimatedDates = p.EstimatedDates
	}
	if p.CheckoutSessionID != nil {
		b.CheckoutSessionID = p.CheckoutSessionID
	}
	if p.ClearCheckoutSession {
		b.CheckoutSessionID = nil
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) SetCheckoutSession(_ context.Context, id uuid.UUID, sessionID string, deposit money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return apperr.NotFound("booking", id)
	}
	if m.beforeCheckout != nil {
		m.beforeCheckout(b)
	}
	if b.Status != StatusQuoted || b.DepositAmount == nil || *b.DepositAmount != deposit {
		return checkoutConflict(b)
	}
	b.CheckoutSessionID = &sessionID
	return nil
}

func (m *mockRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookings[id].Status
}

func (m *mockRepo) SetTripBrief(_ context.Context, id, briefID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return apperr.NotFound("booking", id)
	}
	b.TripBriefID = &briefID
	return nil
}

func (m *mockRepo) session(id uuid.UUID) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookings[id].CheckoutSessionID
}

func (m *mockRepo) set(id uuid.UUID, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[id].Status = s
}

type mockProviders struct {
	providers map[string]*Provider
}

func newMockProviders(ps ...*Provider) *mockProviders {
	m := &mockProviders{providers: make(map[string]*Provider)}
	for _, p := range ps {
		m.providers[p.ID] = p
	}
	return m
}

func (m *mockProviders) GetProvider(_ context.Context, id string) (*Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider", id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockProviders) ProviderIDsForUser(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for _, p := range m.providers {
		if p.OwnerUserID == userID {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type sentNotification struct {
	template  string
	recipient string
	link      string
	data      map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, templateID, recipient, link string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{templateID, recipient, link, data})
}

func (n *recordingNotifier) count(template string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.template == template {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last() sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentNotification{}
	}
	return n.sent[len(n.sent)-1]
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, string, string, string, map[string]string) {
	panic("outbox unavailable")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type fakeCheckout struct {
	req payment.CheckoutRequest
	err error
	n   int
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	id := fmt.Sprintf("cs_test_%d", f.n)
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

type fakeBriefs struct {
	calls []uuid.UUID
	err   error
}

func (f *fakeBriefs) MarkQuotesRequested(_ context.Context, briefID uuid.UUID, _ string) error {
	f.calls = append(f.calls, briefID)
	return f.err
}

type fakeQuoteObserver struct {
	quoted []uuid.UUID
	err    error
}

func (f *fakeQuoteObserver) OnQuoted(_ context.Context, bookingID uuid.UUID) error {
	f.quoted = append(f.quoted, bookingID)
	return f.err
}

// failingNotificationRepo rejects every outbox write.
type failingNotificationRepo struct {
	notification.Repository
}

func (failingNotificationRepo) Create(context.Context, *notification.Notification) error {
	return apperr.Transient("insert notification", errors.New("connection reset"))
}
