package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

type mockRepo struct {
	mu      sync.Mutex
	threads map[uuid.UUID][]*Message
	listErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{threads: make(map[uuid.UUID][]*Message)}
}

func (m *mockRepo) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread := m.threads[msg.BookingID]
	msg.Seq = int64(len(thread)) + 1
	msg.CreatedAt = time.Now().UTC()
	cp := *msg
	m.threads[msg.BookingID] = append(thread, &cp)
	return nil
}

func (m *mockRepo) ListAfter(_ context.Context, bookingID uuid.UUID, afterSeq int64, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Message
	for _, msg := range m.threads[bookingID] {
		if msg.Seq > afterSeq && len(out) < limit {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

type staticParticipants map[uuid.UUID]booking.Participants

func (s staticParticipants) Participants(_ context.Context, id uuid.UUID) (booking.Participants, error) {
	p, ok := s[id]
	if !ok {
		return booking.Participants{}, apperr.NotFound("booking", id)
	}
	return p, nil
}

type recordingNotifier struct {
	mu         sync.Mutex
	recipients []string
	previews   []string
}

func (n *recordingNotifier) Notify(_ context.Context, _, recipient, _ string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients = append(n.recipients, recipient)
	n.previews = append(n.previews, data["preview"])
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
