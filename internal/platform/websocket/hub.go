// Package websocket provides real-time fan-out of booking, message and
// notification events. Clients subscribe to topics keyed by (table, row id)
// and receive events broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a change notification sent to subscribers of Topic. Seq is set
// for events that belong to an ordered log (messages) and is zero otherwise.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound frame from a WebSocket client. Since maps a
// topic to the last seq the client has seen; the gap is replayed before
// live delivery starts.
type ClientMessage struct {
	Action string           `json:"action"`
	Topics []string         `json:"topics"`
	Since  map[string]int64 `json:"since,omitempty"`
}

// Topic builds the topic name for a row, e.g. Topic("messages", id).
func Topic(table, id string) string {
	return table + "/" + id
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Replayer returns the events on topic with seq greater than afterSeq, in
// seq order.
type Replayer interface {
	Replay(ctx context.Context, topic string, afterSeq int64) ([]Event, error)
}

var ErrClientClosed = errors.New("websocket: client closed")

// DefaultReorderWait bounds how long a live event is held waiting for the
// seq before it.
const DefaultReorderWait = 2 * time.Second

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single subscriber. Send is closed by Unregister.
type Client struct {
	ID     string
	Actor  string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	// blocking senders in flight; Send is closed only after they leave
	sending sync.WaitGroup
	// topic -> live events held back while the backlog is replayed
	replaying map[string][]Event
	seqs      map[string]*topicSeq
}

// topicSeq tracks the last seq sent on a topic and the events that arrived
// ahead of a gap.
type topicSeq struct {
	last    int64
	pending []Event
	gen     int
}

// offer delivers a live event, or holds it if the topic is mid-replay or the
// event is ahead of the next expected seq.
func (c *Client) offer(topic string, event Event, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if held, ok := c.replaying[topic]; ok {
		c.replaying[topic] = append(held, event)
		return true
	}
	ready := c.admit(topic, event)
	if len(ready) == 1 && ready[0].Seq == event.Seq {
		return c.trySend(data)
	}
	ok := true
	for _, ev := range ready {
		if !c.trySendEvent(ev) {
			ok = false
		}
	}
	return ok
}

// admit places ev in topic's sequence and returns the events now ready, in
// seq order. Events without a seq pass straight through. Caller holds c.mu.
func (c *Client) admit(topic string, ev Event) []Event {
	if ev.Seq == 0 {
		return []Event{ev}
	}
	ts, known := c.seqs[topic]
	if !known {
		c.setLast(topic, ev.Seq)
		return []Event{ev}
	}
	if ev.Seq <= ts.last {
		return nil
	}
	if ev.Seq > ts.last+1 {
		c.hold(topic, ts, ev)
		return nil
	}
	ready := []Event{ev}
	ts.last = ev.Seq
	for len(ts.pending) > 0 && ts.pending[0].Seq <= ts.last+1 {
		if next := ts.pending[0]; next.Seq == ts.last+1 {
			ready = append(ready, next)
			ts.last = next.Seq
		}
		ts.pending = ts.pending[1:]
	}
	if len(ts.pending) == 0 {
		ts.pending = nil
		ts.gen++
	}
	return ready
}

// hold inserts ev into the pending list in seq order. The first held event
// starts the wait after which the gap is given up on.
func (c *Client) hold(topic string, ts *topicSeq, ev Event) {
	i := sort.Search(len(ts.pending), func(i int) bool { return ts.pending[i].Seq >= ev.Seq })
	if i < len(ts.pending) && ts.pending[i].Seq == ev.Seq {
		return
	}
	ts.pending = append(ts.pending, Event{})
	copy(ts.pending[i+1:], ts.pending[i:])
	ts.pending[i] = ev
	if len(ts.pending) == 1 {
		ts.gen++
		c.scheduleRelease(topic, ts.gen)
	}
}

func (c *Client) scheduleRelease(topic string, gen int) {
	wait := DefaultReorderWait
	if c.hub != nil {
		wait = c.hub.reorderWait
	}
	time.AfterFunc(wait, func() { c.releaseGap(topic, gen) })
}

// releaseGap sends everything still pending on topic once the missing seq
// has not arrived in time. Subscribers notice the gap and catch up by replay.
func (c *Client) releaseGap(topic string, gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.seqs[topic]
	if c.closed || !ok || ts.gen != gen || len(ts.pending) == 0 {
		return
	}
	if _, replaying := c.replaying[topic]; replaying {
		c.scheduleRelease(topic, gen)
		return
	}
	if c.hub != nil {
		c.hub.logger.Warn().Str("client", c.ID).Str("topic", topic).
			Int64("missing", ts.last+1).Int64("next", ts.pending[0].Seq).Msg("gave up waiting for event")
	}
	for _, ev := range ts.pending {
		c.trySendEvent(ev)
		ts.last = ev.Seq
	}
	ts.pending = nil
	ts.gen++
}

func (c *Client) setLast(topic string, seq int64) {
	if c.seqs == nil {
		c.seqs = make(map[string]*topicSeq)
	}
	c.seqs[topic] = &topicSeq{last: seq}
}

// trySend queues data without blocking. Caller holds c.mu.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) trySendEvent(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return c.trySend(data)
}

// deliverWait queues event, waiting for room in Send until ctx ends or the
// client is unregistered.
func (c *Client) deliverWait(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.sending.Add(1)
	c.mu.Unlock()
	defer c.sending.Done()

	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) beginReplay(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaying == nil {
		c.replaying = make(map[string][]Event)
	}
	c.replaying[topic] = []Event{}
}

// takeHeld returns the events held for topic, ordered and with duplicates
// of seq already sent removed. When none remain the topic leaves replay
// mode and done is true.
func (c *Client) takeHeld(topic string) (ready []Event, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.replaying[topic]
	if len(held) == 0 {
		delete(c.replaying, topic)
		return nil, true
	}
	c.replaying[topic] = []Event{}
	for _, ev := range held {
		ready = append(ready, c.admit(topic, ev)...)
	}
	return ready, false
}

// replayed records seq as the last one sent on topic during replay.
func (c *Client) replayed(topic string, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.seqs[topic]; ok && ts.last >= seq {
		return
	}
	c.setLast(topic, seq)
}

func (c *Client) endReplay(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replaying, topic)
}

func (c *Client) forget(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replaying, topic)
	delete(c.seqs, topic)
}

// Hub is the central connection manager that tracks clients and their topic
// subscriptions. All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]map[*Client]struct{} // topic -> set of clients
	all         map[*Client]struct{}
	reorderWait time.Duration
	logger      zerolog.Logger
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]map[*Client]struct{}),
		all:         make(map[*Client]struct{}),
		reorderWait: DefaultReorderWait,
		logger:      logger,
	}
}

// SetReorderWait sets how long an event that arrives ahead of a missing seq
// is held before it is sent anyway.
func (h *Hub) SetReorderWait(d time.Duration) {
	if d > 0 {
		h.reorderWait = d
	}
}

// NewClient returns a client bound to h with a buffered Send channel. The
// caller registers it.
func (h *Hub) NewClient(id, actor string, buffer int) *Client {
	return &Client{
		ID:     id,
		Actor:  actor,
		Topics: []string{},
		Send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		hub:    h,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from the hub, all topic subscriptions, and
// closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)

	client.mu.Lock()
	client.closed = true
	close(client.done)
	client.mu.Unlock()

	client.sending.Wait()
	close(client.Send)
}

// Subscribe dynamically adds topics to an already-registered client.
// Unregistered clients are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, already := h.clients[topic][client]; already {
			continue
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

// SubscribeWithReplay subscribes client to topic and sends every event after
// afterSeq before any live event. Live events published while the backlog is
// loading are held and flushed afterwards in seq order, skipping any seq
// already sent. Sends wait for room in the client's buffer, so a backlog
// larger than the buffer is delivered as the client drains it.
func (h *Hub) SubscribeWithReplay(ctx context.Context, client *Client, topic string, afterSeq int64, r Replayer) error {
	client.beginReplay(topic)
	h.Subscribe(client, []string{topic})

	last := afterSeq
	backlog, replayErr := r.Replay(ctx, topic, afterSeq)
	for _, ev := range backlog {
		if ev.Seq != 0 && ev.Seq <= last {
			continue
		}
		if err := client.deliverWait(ctx, ev); err != nil {
			client.endReplay(topic)
			return err
		}
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	if last > 0 {
		client.replayed(topic, last)
	}

	for {
		ready, done := client.takeHeld(topic)
		if done {
			return replayErr
		}
		for _, ev := range ready {
			if err := client.deliverWait(ctx, ev); err != nil {
				client.endReplay(topic)
				return err
			}
		}
	}
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}

	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
	for _, t := range topics {
		client.forget(t)
	}
}

// ProcessMessage handles a plain subscribe or unsubscribe frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to all clients subscribed to the given topic.
// Events carrying a seq reach each client in seq order. Clients whose buffer
// is full miss the event and catch up via replay.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		if !client.offer(topic, event, data) {
			h.logger.Warn().Str("client", client.ID).Str("topic", topic).Msg("dropped event for slow client")
		}
	}
}

// Publish implements EventPublisher for in-process fan-out.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
