package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists notifications and their outbox state.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListForRecipient(ctx context.Context, recipient string, unreadOnly bool, limit, offset int) ([]*Notification, int, error)
	UnreadCount(ctx context.Context, recipient string) (int, error)
	// MarkRead sets read on a notification owned by recipient. Calling it
	// again leaves read_at unchanged.
	MarkRead(ctx context.Context, id uuid.UUID, recipient string) (*Notification, error)
	MarkAllRead(ctx context.Context, recipient string) (int64, error)

	// ClaimDue returns up to limit pending rows whose next attempt is due and
	// pushes their next attempt to leaseUntil so concurrent drainers skip them.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*Notification, error)
	UpdateDelivery(ctx context.Context, n *Notification) error
}
