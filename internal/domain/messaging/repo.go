package messaging

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Append assigns the next seq of the booking's thread to m and stores it.
	// It must run inside a transaction; the booking row stays locked until
	// commit.
	Append(ctx context.Context, m *Message) error
	// ListAfter returns messages with seq > afterSeq in ascending seq order.
	ListAfter(ctx context.Context, bookingID uuid.UUID, afterSeq int64, limit int) ([]*Message, error)
}
