package quote

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, q *QuoteRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*QuoteRequest, error)
	ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*QuoteRequest, int, error)
	ListForProvider(ctx context.Context, providerID string, limit, offset int) ([]*QuoteRequest, int, error)
	ListByTripBrief(ctx context.Context, briefID uuid.UUID) ([]*QuoteRequest, error)
	// Advance sets status to `to` only while the request is in one of from.
	// On a miss it returns an InvalidTransition error carrying the current
	// status.
	Advance(ctx context.Context, id uuid.UUID, from []Status, to Status, action string) (*QuoteRequest, error)
	// MarkResponded moves the request owning bookingID from pending to
	// responded. It reports false when there is no pending request.
	MarkResponded(ctx context.Context, bookingID uuid.UUID) (bool, error)
	// ExpirePending expires pending requests created before cutoff.
	ExpirePending(ctx context.Context, cutoff time.Time) ([]*QuoteRequest, error)
	// SetTripBrief files the request under briefID unless it is already
	// filed under another brief, in which case it returns false.
	SetTripBrief(ctx context.Context, id, briefID uuid.UUID) (bool, error)
}
