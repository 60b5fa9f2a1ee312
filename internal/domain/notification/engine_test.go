package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type delivererFunc func(ctx context.Context, n *Notification) error

func (f delivererFunc) Deliver(ctx context.Context, n *Notification) error { return f(ctx, n) }

func pending(recipient string, maxAttempts int, due time.Time) *Notification {
	n := newFromIntent(Intent{Recipient: recipient, Type: TypeBookingUpdate, Title: "t"}, maxAttempts, due)
	return n
}

func TestEngine_DeliversDueNotifications(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	due := repo.seed(pending("u1", 5, now.Add(-time.Second)))
	later := repo.seed(pending("u2", 5, now.Add(time.Hour)))

	var delivered []uuid.UUID
	e := NewEngine(repo, delivererFunc(func(_ context.Context, n *Notification) error {
		delivered = append(delivered, n.ID)
		return nil
	}), zerolog.Nop())
	e.now = func() time.Time { return now }

	if got := e.DeliverPending(context.Background()); got != 1 {
		t.Fatalf("expected 1 row processed, got %d", got)
	}
	if len(delivered) != 1 || delivered[0] != due.ID {
		t.Fatalf("expected only the due notification delivered, got %v", delivered)
	}

	stored, _ := repo.GetByID(context.Background(), due.ID)
	if stored.DeliveryStatus != DeliveryDelivered || stored.Attempts != 1 || stored.DeliveredAt == nil {
		t.Errorf("expected delivered with 1 attempt, got %s/%d", stored.DeliveryStatus, stored.Attempts)
	}
	untouched, _ := repo.GetByID(context.Background(), later.ID)
	if untouched.DeliveryStatus != DeliveryPending {
		t.Errorf("expected future notification to remain pending, got %s", untouched.DeliveryStatus)
	}
}

func TestEngine_RetriesWithBackoffThenAbandons(t *testing.T) {
	repo := newMockRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := repo.seed(pending("u1", 3, now))

	e := NewEngine(repo, delivererFunc(func(context.Context, *Notification) error {
		return errors.New("hub unavailable")
	}), zerolog.Nop())

	wantBackoff := []time.Duration{30 * time.Second, time.Minute}
	for i, backoff := range wantBackoff {
		e.now = func() time.Time { return now }
		e.DeliverPending(context.Background())

		stored, _ := repo.GetByID(context.Background(), n.ID)
		if stored.Attempts != i+1 {
			t.Fatalf("attempt %d: expected attempts %d, got %d", i+1, i+1, stored.Attempts)
		}
		if stored.DeliveryStatus != DeliveryPending {
			t.Fatalf("attempt %d: expected pending, got %s", i+1, stored.DeliveryStatus)
		}
		if !stored.NextAttemptAt.Equal(now.Add(backoff)) {
			t.Fatalf("attempt %d: expected next attempt at %v, got %v", i+1, now.Add(backoff), stored.NextAttemptAt)
		}
		if stored.LastError == nil || *stored.LastError != "hub unavailable" {
			t.Fatalf("attempt %d: expected last error recorded", i+1)
		}
		now = stored.NextAttemptAt
	}

	e.now = func() time.Time { return now }
	e.DeliverPending(context.Background())
	stored, _ := repo.GetByID(context.Background(), n.ID)
	if stored.DeliveryStatus != DeliveryAbandoned || stored.Attempts != 3 {
		t.Fatalf("expected abandoned after 3 attempts, got %s/%d", stored.DeliveryStatus, stored.Attempts)
	}

	if e.DeliverPending(context.Background()) != 0 {
		t.Error("abandoned notification must not be claimed again")
	}
}

func TestEngine_LeaseHidesClaimedRows(t *testing.T) {
	repo := newMockRepo()
	now := time.Now().UTC()
	repo.seed(pending("u1", 5, now.Add(-time.Second)))

	block := make(chan struct{})
	e := NewEngine(repo, delivererFunc(func(context.Context, *Notification) error {
		<-block
		return nil
	}), zerolog.Nop())

	done := make(chan int)
	go func() { done <- e.DeliverPending(context.Background()) }()

	// A second drainer running concurrently must not see the leased row.
	time.Sleep(20 * time.Millisecond)
	other := NewEngine(repo, delivererFunc(func(context.Context, *Notification) error {
		t.Error("leased row delivered twice")
		return nil
	}), zerolog.Nop())
	if got := other.DeliverPending(context.Background()); got != 0 {
		t.Errorf("expected 0 rows for second drainer, got %d", got)
	}
	close(block)
	if got := <-done; got != 1 {
		t.Errorf("expected first drainer to process 1 row, got %d", got)
	}
}

func TestEngine_StartKeepsSettledNotifications(t *testing.T) {
	repo := newMockRepo()
	readAt := time.Now().UTC().AddDate(-1, 0, 0)
	old := pending("u1", 5, readAt)
	old.DeliveryStatus = DeliveryDelivered
	old.DeliveredAt = &readAt
	old.Read = true
	old.ReadAt = &readAt
	repo.seed(old)

	e := NewEngine(repo, delivererFunc(func(context.Context, *Notification) error { return nil }), zerolog.Nop())
	e.DeliveryInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	e.Start(ctx)

	stored, err := repo.GetByID(context.Background(), old.ID)
	if err != nil {
		t.Fatalf("expected read notification to be kept, got %v", err)
	}
	if !stored.Read || stored.DeliveryStatus != DeliveryDelivered {
		t.Errorf("expected read/delivered, got read=%v status=%s", stored.Read, stored.DeliveryStatus)
	}
}

func TestRetryBackoff(t *testing.T) {
	want := []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, time.Hour}
	for i, w := range want {
		if got := retryBackoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Deliverers
// ---------------------------------------------------------------------------

func TestHubDeliverer_PublishesToRecipientTopic(t *testing.T) {
	pub := &recordingPublisher{}
	n := pending("traveler-1", 5, time.Now())

	if err := NewHubDeliverer(pub).Deliver(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Topic != "notifications/traveler-1" || ev.ResourceID != n.ID.String() {
		t.Errorf("unexpected event %+v", ev)
	}
	var body Notification
	if err := json.Unmarshal(ev.Data, &body); err != nil || body.Title != "t" {
		t.Errorf("expected notification payload, got %s (%v)", ev.Data, err)
	}
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "t1", Queue: TaskQueue}, nil
}

func TestTaskDeliverer_EnqueuesTask(t *testing.T) {
	q := &fakeEnqueuer{}
	n := pending("u1", 5, time.Now())

	if err := NewTaskDeliverer(q, 4).Deliver(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.tasks) != 1 || q.tasks[0].Type() != TaskDeliver {
		t.Fatalf("expected one %s task, got %v", TaskDeliver, q.tasks)
	}
	var p deliveryPayload
	if err := json.Unmarshal(q.tasks[0].Payload(), &p); err != nil || p.NotificationID != n.ID {
		t.Errorf("unexpected payload %s", q.tasks[0].Payload())
	}
	if len(q.opts[0]) != 3 {
		t.Errorf("expected queue, retry and id options, got %d", len(q.opts[0]))
	}
}

func TestTaskDeliverer_DuplicateTaskIsDelivered(t *testing.T) {
	q := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
	if err := NewTaskDeliverer(q, 4).Deliver(context.Background(), pending("u1", 5, time.Now())); err != nil {
		t.Fatalf("expected duplicate enqueue to count as delivered, got %v", err)
	}
}

func TestDeliveryTaskHandler(t *testing.T) {
	repo := newMockRepo()
	n := repo.seed(pending("u1", 5, time.Now()))
	pub := &recordingPublisher{}
	handle := NewDeliveryTaskHandler(repo, NewHubDeliverer(pub), zerolog.Nop())

	payload, _ := json.Marshal(deliveryPayload{NotificationID: n.ID})
	if err := handle(context.Background(), asynq.NewTask(TaskDeliver, payload)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}

	err := handle(context.Background(), asynq.NewTask(TaskDeliver, []byte("{bad")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for malformed payload, got %v", err)
	}

	missing, _ := json.Marshal(deliveryPayload{NotificationID: uuid.New()})
	err = handle(context.Background(), asynq.NewTask(TaskDeliver, missing))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for missing notification, got %v", err)
	}

	pub.err = errors.New("redis down")
	if err := handle(context.Background(), asynq.NewTask(TaskDeliver, payload)); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected retryable error, got %v", err)
	}
}
