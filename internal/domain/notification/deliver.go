package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
)

const (
	TaskDeliver = "notification:deliver"
	TaskQueue   = "notifications"
)

// Topic returns the realtime topic carrying a recipient's notifications.
func Topic(recipient string) string {
	return websocket.Topic("notifications", recipient)
}

// HubDeliverer pushes notifications to the recipient's realtime topic.
type HubDeliverer struct {
	publisher websocket.EventPublisher
}

func NewHubDeliverer(p websocket.EventPublisher) *HubDeliverer {
	return &HubDeliverer{publisher: p}
}

func (d *HubDeliverer) Deliver(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, websocket.Event{
		Type:         "notification.created",
		Topic:        Topic(n.RecipientID),
		ResourceType: "notification",
		ResourceID:   n.ID.String(),
		Timestamp:    n.CreatedAt,
		Data:         data,
	})
}

// TaskEnqueuer is the part of *asynq.Client used by TaskDeliverer.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type deliveryPayload struct {
	NotificationID uuid.UUID `json:"notification_id"`
}

// TaskDeliverer hands notifications to the asynq worker pool.
type TaskDeliverer struct {
	client     TaskEnqueuer
	maxRetries int
}

func NewTaskDeliverer(client TaskEnqueuer, maxRetries int) *TaskDeliverer {
	return &TaskDeliverer{client: client, maxRetries: maxRetries}
}

func (d *TaskDeliverer) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(deliveryPayload{NotificationID: n.ID})
	if err != nil {
		return err
	}
	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(TaskDeliver, payload),
		asynq.Queue(TaskQueue),
		asynq.MaxRetry(d.maxRetries),
		asynq.TaskID(TaskDeliver+":"+n.ID.String()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// NewDeliveryTaskHandler returns the asynq handler for TaskDeliver. It loads
// the notification and pushes it through next.
func NewDeliveryTaskHandler(repo Repository, next Deliverer, logger zerolog.Logger) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var p deliveryPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TaskDeliver, err, asynq.SkipRetry)
		}
		n, err := repo.GetByID(ctx, p.NotificationID)
		if apperr.IsNotFound(err) {
			logger.Warn().Str("notification", p.NotificationID.String()).Msg("notification vanished before delivery")
			return fmt.Errorf("notification %s: %w", p.NotificationID, asynq.SkipRetry)
		}
		if err != nil {
			return err
		}
		if err := next.Deliver(ctx, n); err != nil {
			logger.Warn().Err(err).Str("notification", n.ID.String()).Msg("queued delivery failed")
			return err
		}
		return nil
	}
}
