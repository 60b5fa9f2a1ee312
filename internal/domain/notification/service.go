package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

// Service exposes a recipient's notifications.
type Service struct {
	repo        Repository
	publisher   websocket.EventPublisher
	maxAttempts int
	logger      zerolog.Logger
}

func NewService(repo Repository, publisher websocket.EventPublisher, maxAttempts int, logger zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{repo: repo, publisher: publisher, maxAttempts: maxAttempts, logger: logger}
}

func (s *Service) List(ctx context.Context, recipient string, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	type page struct {
		items []*Notification
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForRecipient(ctx, recipient, unreadOnly, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

func (s *Service) UnreadCount(ctx context.Context, recipient string) (int, error) {
	return db.RetryRead(ctx, func(ctx context.Context) (int, error) {
		return s.repo.UnreadCount(ctx, recipient)
	})
}

// MarkRead marks one notification read. Repeating it is a no-op.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID, actor string) (*Notification, error) {
	n, err := s.repo.MarkRead(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	s.publishRead(ctx, actor, n.ID.String())
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, actor string) (int64, error) {
	count, err := s.repo.MarkAllRead(ctx, actor)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.publishRead(ctx, actor, "")
	}
	return count, nil
}

// Send records an operator-authored notification. Unlike Dispatcher.Enqueue,
// failures are reported to the caller.
func (s *Service) Send(ctx context.Context, in Intent) (*Notification, error) {
	if in.Type == "" {
		in.Type = TypeAdminMessage
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	n := newFromIntent(in, s.maxAttempts, time.Now().UTC())
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) publishRead(ctx context.Context, recipient, id string) {
	if s.publisher == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{"recipient_id": recipient})
	err := s.publisher.Publish(ctx, websocket.Event{
		Type:         "notification.read",
		Topic:        Topic(recipient),
		ResourceType: "notification",
		ResourceID:   id,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("recipient", recipient).Msg("failed to publish read event")
	}
}
