package tripbrief

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

type mockRepo struct {
	mu     sync.Mutex
	briefs map[uuid.UUID]*TripBrief
}

func newMockRepo() *mockRepo {
	return &mockRepo{briefs: make(map[uuid.UUID]*TripBrief)}
}

func (m *mockRepo) Create(_ context.Context, b *TripBrief) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.briefs[b.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*TripBrief, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.briefs[id]
	if !ok {
		return nil, apperr.NotFound("trip brief", id)
	}
	cp := *b
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, b *TripBrief) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.briefs[b.ID]
	if !ok {
		return apperr.NotFound("trip brief", b.ID)
	}
	cp := *b
	cp.Status = cur.Status
	m.briefs[b.ID] = &cp
	return nil
}

func (m *mockRepo) ListForTraveler(_ context.Context, travelerID string, limit, offset int) ([]*TripBrief, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TripBrief
	for _, b := range m.briefs {
		if b.TravelerID == travelerID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) Advance(_ context.Context, id uuid.UUID, from []Status, to Status) (*TripBrief, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.briefs[id]
	if !ok {
		return nil, false, apperr.NotFound("trip brief", id)
	}
	for _, s := range from {
		if b.Status == s {
			b.Status = to
			cp := *b
			return &cp, true, nil
		}
	}
	cp := *b
	return &cp, false, nil
}

func (m *mockRepo) status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.briefs[id].Status
}

type mockLinks struct {
	links map[uuid.UUID]uuid.UUID // quote request -> brief
	calls int
}

func newMockLinks(requests ...uuid.UUID) *mockLinks {
	m := &mockLinks{links: make(map[uuid.UUID]uuid.UUID)}
	for _, id := range requests {
		m.links[id] = uuid.Nil
	}
	return m
}

func (m *mockLinks) LinkTripBrief(_ context.Context, quoteRequestID, briefID uuid.UUID, _ string) error {
	m.calls++
	current, ok := m.links[quoteRequestID]
	if !ok {
		return apperr.NotFound("quote request", quoteRequestID)
	}
	if current != uuid.Nil && current != briefID {
		return apperr.Validation("trip_brief_id", "quote request is filed under another trip brief")
	}
	m.links[quoteRequestID] = briefID
	return nil
}

func (m *mockLinks) ListByTripBrief(_ context.Context, briefID uuid.UUID) ([]LinkedQuoteRequest, error) {
	var out []LinkedQuoteRequest
	for qid, bid := range m.links {
		if bid == briefID {
			out = append(out, LinkedQuoteRequest{ID: qid, Status: "pending"})
		}
	}
	return out, nil
}
