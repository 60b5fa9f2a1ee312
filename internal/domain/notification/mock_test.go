package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

type mockRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*Notification
	createErr error
	panicMsg  string
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Notification)}
}

func (m *mockRepo) Create(_ context.Context, n *Notification) error {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("notification", id)
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) all(filter func(*Notification) bool) []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if filter(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *mockRepo) ListForRecipient(_ context.Context, recipient string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	out := m.all(func(n *Notification) bool {
		return n.RecipientID == recipient && (!unreadOnly || !n.Read)
	})
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) UnreadCount(_ context.Context, recipient string) (int, error) {
	return len(m.all(func(n *Notification) bool { return n.RecipientID == recipient && !n.Read })), nil
}

func (m *mockRepo) MarkRead(_ context.Context, id uuid.UUID, recipient string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("notification", id)
	}
	if n.RecipientID != recipient {
		return nil, apperr.Forbidden("notification %s belongs to another user", id)
	}
	if !n.Read {
		now := time.Now()
		n.Read = true
		n.ReadAt = &now
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) MarkAllRead(_ context.Context, recipient string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	now := time.Now()
	for _, n := range m.items {
		if n.RecipientID == recipient && !n.Read {
			n.Read = true
			n.ReadAt = &now
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Notification
	for _, n := range m.items {
		if len(out) == limit {
			break
		}
		if n.DeliveryStatus == DeliveryPending && !n.NextAttemptAt.After(now) {
			n.NextAttemptAt = leaseUntil
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateDelivery(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; !ok {
		return errors.New("not found")
	}
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *mockRepo) seed(n *Notification) *Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[n.ID] = n
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}
