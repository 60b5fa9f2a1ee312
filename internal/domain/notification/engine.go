package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Deliverer pushes one notification to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Engine drains the notification outbox: it claims due rows, hands each to
// the Deliverer and records the outcome, retrying with backoff until
// MaxAttempts is reached.
type Engine struct {
	repo      Repository
	deliverer Deliverer
	logger    zerolog.Logger
	now       func() time.Time

	// DeliveryInterval controls how often due notifications are polled.
	DeliveryInterval time.Duration
	// DeliveryBatchSize is the max number of rows claimed per tick.
	DeliveryBatchSize int
	// Lease is how long a claimed row stays invisible to other drainers.
	Lease time.Duration
}

func NewEngine(repo Repository, deliverer Deliverer, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:              repo,
		deliverer:         deliverer,
		logger:            logger,
		now:               time.Now,
		DeliveryInterval:  2 * time.Second,
		DeliveryBatchSize: 50,
		Lease:             time.Minute,
	}
}

// Start runs the delivery loop. It blocks until ctx is cancelled. Settled
// rows stay in the table; only their recipient changes them.
func (e *Engine) Start(ctx context.Context) {
	deliveryTicker := time.NewTicker(e.DeliveryInterval)
	defer deliveryTicker.Stop()

	e.logger.Info().Dur("interval", e.DeliveryInterval).Msg("notification engine started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-deliveryTicker.C:
			e.DeliverPending(ctx)
		}
	}
}

// DeliverPending processes one batch and returns how many rows were handled.
func (e *Engine) DeliverPending(ctx context.Context) int {
	now := e.now().UTC()
	batch, err := e.repo.ClaimDue(ctx, now, now.Add(e.Lease), e.DeliveryBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to claim pending notifications")
		return 0
	}
	for _, n := range batch {
		e.deliverOne(ctx, n)
	}
	return len(batch)
}

func (e *Engine) deliverOne(ctx context.Context, n *Notification) {
	if err := e.deliverer.Deliver(ctx, n); err != nil {
		e.markFailed(ctx, n, err.Error())
		return
	}
	now := e.now().UTC()
	n.Attempts++
	n.DeliveryStatus = DeliveryDelivered
	n.DeliveredAt = &now
	n.LastError = nil
	if err := e.repo.UpdateDelivery(ctx, n); err != nil {
		e.logger.Error().Err(err).Str("notification", n.ID.String()).Msg("failed to mark delivered")
	}
}

func (e *Engine) markFailed(ctx context.Context, n *Notification, errMsg string) {
	n.Attempts++
	n.LastError = &errMsg

	if n.Attempts >= n.MaxAttempts {
		n.DeliveryStatus = DeliveryAbandoned
		e.logger.Warn().
			Str("notification", n.ID.String()).
			Str("recipient", n.RecipientID).
			Int("attempts", n.Attempts).
			Str("error", errMsg).
			Msg("notification abandoned after max delivery attempts")
		if err := e.repo.UpdateDelivery(ctx, n); err != nil {
			e.logger.Error().Err(err).Msg("failed to abandon notification")
		}
		return
	}

	n.NextAttemptAt = e.now().UTC().Add(retryBackoff(n.Attempts))
	if err := e.repo.UpdateDelivery(ctx, n); err != nil {
		e.logger.Error().Err(err).Msg("failed to update notification retry")
	}
}

// retryBackoff returns the delay after the given failed attempt (1-indexed).
// Schedule: 30s, 1m, 5m, 15m, 1h
func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 1 * time.Minute
	case 3:
		return 5 * time.Minute
	case 4:
		return 15 * time.Minute
	default:
		return 1 * time.Hour
	}
}
