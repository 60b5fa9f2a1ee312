package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/notification"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

const (
	TopicTable   = "messages"
	EventCreated = "message.created"

	subscribeBuffer = 64
)

var errNoHub = errors.New("realtime hub not configured")

// ParticipantResolver reports who may read and write a booking's thread.
type ParticipantResolver interface {
	Participants(ctx context.Context, bookingID uuid.UUID) (booking.Participants, error)
}

// Service owns booking message threads.
type Service struct {
	repo         Repository
	tx           db.TxRunner
	participants ParticipantResolver
	notifier     booking.Notifier
	publisher    websocket.EventPublisher
	hub          *websocket.Hub
	locks        *keyedMutex
	logger       zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, participants ParticipantResolver, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Service{
		repo:         repo,
		tx:           tx,
		participants: participants,
		locks:        newKeyedMutex(),
		logger:       logger,
	}
}

func (s *Service) SetNotifier(n booking.Notifier)          { s.notifier = n }
func (s *Service) SetPublisher(p websocket.EventPublisher) { s.publisher = p }

// SetHub enables Subscribe. The hub is also used as publisher when none is set.
func (s *Service) SetHub(h *websocket.Hub) {
	s.hub = h
	if s.publisher == nil {
		s.publisher = h
	}
}

// PostMessage appends body to the booking's thread. Posts to one booking are
// published in the order they commit.
func (s *Service) PostMessage(ctx context.Context, bookingID uuid.UUID, sender, body string) (*Message, error) {
	if err := validateBody(body); err != nil {
		return nil, err
	}
	parts, err := s.authorize(ctx, bookingID, sender)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(bookingID)
	defer unlock()

	m := &Message{ID: uuid.New(), BookingID: bookingID, SenderID: sender, Body: body}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Append(ctx, m); err != nil {
			return err
		}
		s.notify(ctx, parts.Other(sender), m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, m)
	return m, nil
}

// ListMessages returns up to limit messages after afterSeq, oldest first.
func (s *Service) ListMessages(ctx context.Context, bookingID uuid.UUID, actor string, afterSeq int64, limit int) ([]*Message, error) {
	if _, err := s.authorize(ctx, bookingID, actor); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		return nil, apperr.Validation("after_seq", "must not be negative")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return db.RetryRead(ctx, func(ctx context.Context) ([]*Message, error) {
		return s.repo.ListAfter(ctx, bookingID, afterSeq, limit)
	})
}

// Subscribe streams the booking's messages after afterSeq, then live ones,
// until ctx is done. The channel is closed when the subscription ends, or
// early when the consumer falls behind and a seq would be skipped; the
// caller resubscribes from the last seq it received.
func (s *Service) Subscribe(ctx context.Context, bookingID uuid.UUID, actor string, afterSeq int64) (<-chan Message, error) {
	if s.hub == nil {
		return nil, apperr.Transient("subscribe to messages", errNoHub)
	}
	if _, err := s.authorize(ctx, bookingID, actor); err != nil {
		return nil, err
	}

	client := s.hub.NewClient(uuid.NewString(), actor, MaxListLimit)
	s.hub.Register(client)
	topic := websocket.Topic(TopicTable, bookingID.String())

	out := make(chan Message, subscribeBuffer)
	go s.pump(ctx, client, afterSeq, out)
	go func() {
		err := s.hub.SubscribeWithReplay(ctx, client, topic, afterSeq, s)
		if err != nil && !errors.Is(err, websocket.ErrClientClosed) && ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("booking_id", bookingID.String()).Msg("message replay incomplete")
			s.hub.Unregister(client)
			return
		}
		<-ctx.Done()
		s.hub.Unregister(client)
	}()
	return out, nil
}

func (s *Service) pump(ctx context.Context, client *websocket.Client, last int64, out chan<- Message) {
	defer close(out)
	defer s.hub.Unregister(client)
	for raw := range client.Send {
		var ev websocket.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Type != EventCreated {
			continue
		}
		if ev.Seq <= last {
			continue
		}
		if ev.Seq != last+1 {
			s.logger.Warn().Str("client", client.ID).Int64("expected", last+1).Int64("got", ev.Seq).
				Msg("message subscriber fell behind")
			return
		}
		var m Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			continue
		}
		select {
		case out <- m:
			last = m.Seq
		case <-ctx.Done():
			return
		}
	}
}

// Replay returns the message events of topic after afterSeq. Topics other
// than message threads have no backlog.
func (s *Service) Replay(ctx context.Context, topic string, afterSeq int64) ([]websocket.Event, error) {
	table, id, ok := strings.Cut(topic, "/")
	if !ok || table != TopicTable {
		return nil, nil
	}
	bookingID, err := uuid.Parse(id)
	if err != nil {
		return nil, apperr.Validation("topic", "invalid booking id %q", id)
	}

	var events []websocket.Event
	for {
		page, err := db.RetryRead(ctx, func(ctx context.Context) ([]*Message, error) {
			return s.repo.ListAfter(ctx, bookingID, afterSeq, MaxListLimit)
		})
		if err != nil {
			return events, err
		}
		for _, m := range page {
			events = append(events, toEvent(m))
			afterSeq = m.Seq
		}
		if len(page) < MaxListLimit {
			return events, nil
		}
	}
}

// AuthorizeTopic allows booking and message topics to the booking's
// participants and notification topics to their recipient.
func (s *Service) AuthorizeTopic(ctx context.Context, actor, topic string) error {
	table, id, ok := strings.Cut(topic, "/")
	if !ok || id == "" {
		return apperr.Validation("topic", "unknown topic %q", topic)
	}
	switch table {
	case "notifications":
		if id != actor {
			return apperr.Forbidden("notifications of another user")
		}
		return nil
	case "bookings", TopicTable:
		bookingID, err := uuid.Parse(id)
		if err != nil {
			return apperr.Validation("topic", "invalid booking id %q", id)
		}
		if auth.HasRole(ctx, "admin") {
			return nil
		}
		_, err = s.authorize(ctx, bookingID, actor)
		return err
	}
	return apperr.Validation("topic", "unknown topic %q", topic)
}

func (s *Service) authorize(ctx context.Context, bookingID uuid.UUID, actor string) (booking.Participants, error) {
	parts, err := s.participants.Participants(ctx, bookingID)
	if err != nil {
		return booking.Participants{}, err
	}
	if !parts.Includes(actor) {
		return booking.Participants{}, apperr.Forbidden("only participants can use the thread of booking %s", bookingID)
	}
	return parts, nil
}

func (s *Service) notify(ctx context.Context, recipient string, m *Message) {
	if s.notifier == nil || recipient == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("booking_id", m.BookingID.String()).Msg("notifier panicked")
		}
	}()
	s.notifier.Notify(ctx, notification.TemplateNewMessage, recipient, "/bookings/"+m.BookingID.String()+"/messages",
		map[string]string{"preview": preview(m.Body)})
}

func (s *Service) publish(ctx context.Context, m *Message) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, toEvent(m)); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", m.BookingID.String()).Int64("seq", m.Seq).Msg("failed to publish message")
	}
}

func toEvent(m *Message) websocket.Event {
	data, _ := json.Marshal(m)
	return websocket.Event{
		Type:         EventCreated,
		Topic:        websocket.Topic(TopicTable, m.BookingID.String()),
		ResourceType: "message",
		ResourceID:   m.ID.String(),
		Seq:          m.Seq,
		Timestamp:    m.CreatedAt,
		Data:         data,
	}
}
