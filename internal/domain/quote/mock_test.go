package quote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/tripbrief"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

type mockRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*QuoteRequest
	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{requests: make(map[uuid.UUID]*QuoteRequest)}
}

func (m *mockRepo) Create(_ context.Context, q *QuoteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *q
	m.requests[q.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*QuoteRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("quote request", id)
	}
	cp := *q
	return &cp, nil
}

func (m *mockRepo) ListForTraveler(_ context.Context, travelerID string, limit, offset int) ([]*QuoteRequest, int, error) {
	out := m.match(func(q *QuoteRequest) bool { return q.TravelerID == travelerID })
	total := len(out)
	return page(out, limit, offset), total, nil
}

func (m *mockRepo) ListForProvider(_ context.Context, providerID string, limit, offset int) ([]*QuoteRequest, int, error) {
	out := m.match(func(q *QuoteRequest) bool { return q.ProviderID == providerID })
	total := len(out)
	return page(out, limit, offset), total, nil
}

func (m *mockRepo) ListByTripBrief(_ context.Context, briefID uuid.UUID) ([]*QuoteRequest, error) {
	return m.match(func(q *QuoteRequest) bool { return q.TripBriefID != nil && *q.TripBriefID == briefID }), nil
}

func (m *mockRepo) match(fn func(*QuoteRequest) bool) []*QuoteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QuoteRequest
	for _, q := range m.requests {
		if fn(q) {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func page(items []*QuoteRequest, limit, offset int) []*QuoteRequest {
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *mockRepo) Advance(_ context.Context, id uuid.UUID, from []Status, to Status, action string) (*QuoteRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("quote request", id)
	}
	if !allowed(q.Status, from) {
		return nil, apperr.InvalidTransition("quote request", action, string(q.Status)).To(string(to))
	}
	q.Status = to
	cp := *q
	return &cp, nil
}

func (m *mockRepo) MarkResponded(_ context.Context, bookingID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.requests {
		if q.BookingID == bookingID && q.Status == StatusPending {
			now := time.Now()
			q.Status = StatusResponded
			q.RespondedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) ExpirePending(_ context.Context, cutoff time.Time) ([]*QuoteRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QuoteRequest
	for _, q := range m.requests {
		if q.Status == StatusPending && q.CreatedAt.Before(cutoff) {
			q.Status = StatusExpired
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) SetTripBrief(_ context.Context, id, briefID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.requests[id]
	if !ok {
		return false, apperr.NotFound("quote request", id)
	}
	if q.TripBriefID != nil && *q.TripBriefID != briefID {
		return false, nil
	}
	q.TripBriefID = &briefID
	return true, nil
}

func (m *mockRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id].Status
}

func (m *mockRepo) set(id uuid.UUID, fn func(q *QuoteRequest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.requests[id])
}

type mockProviders struct {
	providers map[string]*booking.Provider
}

func newMockProviders(ps ...*booking.Provider) *mockProviders {
	m := &mockProviders{providers: make(map[string]*booking.Provider)}
	for _, p := range ps {
		m.providers[p.ID] = p
	}
	return m
}

func (m *mockProviders) GetProvider(_ context.Context, id string) (*booking.Provider, error) {
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

type fakeBookings struct {
	created []*booking.Booking
	err     error
	briefs  map[uuid.UUID]uuid.UUID // booking -> trip brief
}

func (f *fakeBookings) LinkTripBrief(_ context.Context, bookingID, briefID uuid.UUID) error {
	if f.briefs == nil {
		f.briefs = make(map[uuid.UUID]uuid.UUID)
	}
	f.briefs[bookingID] = briefID
	return nil
}

func (f *fakeBookings) Create(_ context.Context, b *booking.Booking) error {
	if f.err != nil {
		return f.err
	}
	cp := *b
	f.created = append(f.created, &cp)
	return nil
}

type fakeBriefs struct {
	attached []uuid.UUID
	err      error
	// links is told about every attach, as the trip brief service would.
	links tripbrief.QuoteRequestLinks
}

func (f *fakeBriefs) AttachQuoteRequest(ctx context.Context, briefID, quoteRequestID uuid.UUID, actor string) (*tripbrief.TripBrief, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.links != nil {
		if err := f.links.LinkTripBrief(ctx, quoteRequestID, briefID, actor); err != nil {
			return nil, err
		}
	}
	f.attached = append(f.attached, quoteRequestID)
	return &tripbrief.TripBrief{ID: briefID, Status: tripbrief.StatusQuotesRequested}, nil
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

func (n *recordingNotifier) last() sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentNotification{}
	}
	return n.sent[len(n.sent)-1]
}
