package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}

type fakeRedis struct {
	channel  string
	payloads []string
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payloads = append(f.payloads, string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestBroker_PublishDeliversLocallyAndToRedis(t *testing.T) {
	local := &recordingPublisher{}
	rdb := &fakeRedis{}
	b := NewBroker(rdb, local, "", zerolog.Nop())

	ev := websocket.Event{Type: "booking.updated", Topic: "bookings/b1", Timestamp: time.Now()}
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := local.topics(); len(got) != 1 || got[0] != "bookings/b1" {
		t.Fatalf("expected local delivery, got %v", got)
	}
	if rdb.channel != DefaultChannel || len(rdb.payloads) != 1 {
		t.Fatalf("expected one publish on %s, got %d on %q", DefaultChannel, len(rdb.payloads), rdb.channel)
	}
	var env envelope
	if err := json.Unmarshal([]byte(rdb.payloads[0]), &env); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if env.Origin != b.origin || env.Event.Topic != "bookings/b1" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestBroker_PublishRedisFailureStillDeliversLocally(t *testing.T) {
	local := &recordingPublisher{}
	b := NewBroker(&fakeRedis{err: errors.New("connection refused")}, local, "events", zerolog.Nop())

	err := b.Publish(context.Background(), websocket.Event{Topic: "messages/b1"})
	if err == nil {
		t.Fatal("expected redis error to be returned")
	}
	if len(local.topics()) != 1 {
		t.Fatal("expected local delivery despite redis failure")
	}
}

func TestBroker_RelaySkipsOwnAndMalformed(t *testing.T) {
	local := &recordingPublisher{}
	b := NewBroker(&fakeRedis{}, local, "events", zerolog.Nop())

	encode := func(origin, topic string) *redis.Message {
		data, _ := json.Marshal(envelope{Origin: origin, Event: websocket.Event{Topic: topic}})
		return &redis.Message{Channel: "events", Payload: string(data)}
	}

	ch := make(chan *redis.Message, 4)
	ch <- encode(b.origin, "messages/own")
	ch <- &redis.Message{Channel: "events", Payload: "{not json"}
	ch <- encode("other-instance", "messages/b1")
	ch <- encode("other-instance", "notifications/u1")
	close(ch)

	b.Relay(context.Background(), ch)

	got := local.topics()
	if len(got) != 2 || got[0] != "messages/b1" || got[1] != "notifications/u1" {
		t.Fatalf("expected relayed foreign events only, got %v", got)
	}
}

func TestBroker_RelayStopsOnCancel(t *testing.T) {
	b := NewBroker(&fakeRedis{}, &recordingPublisher{}, "events", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Relay(ctx, make(chan *redis.Message))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}
