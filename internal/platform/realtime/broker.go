// Package realtime relays websocket events between API instances over Redis
// pub/sub so a subscriber connected to any instance sees every event.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

const DefaultChannel = "booking-engine:events"

// Connect parses a redis:// URL and verifies the server answers a PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return rdb, nil
}

// Publisher is the part of *redis.Client used to send events.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type envelope struct {
	Origin string          `json:"origin"`
	Event  websocket.Event `json:"event"`
}

// Broker implements websocket.EventPublisher. Events are delivered to the
// local hub immediately and published on the Redis channel for the other
// instances; Relay feeds their events into the local hub.
type Broker struct {
	rdb     Publisher
	local   websocket.EventPublisher
	channel string
	origin  string
	logger  zerolog.Logger
}

func NewBroker(rdb Publisher, local websocket.EventPublisher, channel string, logger zerolog.Logger) *Broker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Broker{
		rdb:     rdb,
		local:   local,
		channel: channel,
		origin:  uuid.New().String(),
		logger:  logger,
	}
}

func (b *Broker) Publish(ctx context.Context, event websocket.Event) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event to redis: %w", err)
	}
	return nil
}

// Run subscribes to the channel and relays until ctx is cancelled.
func (b *Broker) Run(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info().Str("channel", b.channel).Msg("realtime relay started")
	b.Relay(ctx, sub.Channel())
	return nil
}

// Relay delivers messages from ch to the local hub, skipping events this
// instance published itself.
func (b *Broker) Relay(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn().Err(err).Msg("discarding malformed realtime payload")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			if err := b.local.Publish(ctx, env.Event); err != nil {
				b.logger.Warn().Err(err).Str("topic", env.Event.Topic).Msg("local fan-out failed")
			}
		}
	}
}
