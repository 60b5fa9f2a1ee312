package tripbrief

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, b *TripBrief) error
	GetByID(ctx context.Context, id uuid.UUID) (*TripBrief, error)
	// Update writes the editable fields; status is left alone.
	Update(ctx context.Context, b *TripBrief) error
	ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*TripBrief, int, error)
	// Advance moves the brief to `to` only while its status is one of from.
	// It returns the stored brief and whether it moved.
	Advance(ctx context.Context, id uuid.UUID, from []Status, to Status) (*TripBrief, bool, error)
}

// QuoteRequestLinks files quote requests under briefs.
type QuoteRequestLinks interface {
	// LinkTripBrief sets the request's brief when it has none. It fails with
	// a validation error when the request is filed under another brief.
	LinkTripBrief(ctx context.Context, quoteRequestID, briefID uuid.UUID, actor string) error
	ListByTripBrief(ctx context.Context, briefID uuid.UUID) ([]LinkedQuoteRequest, error)
}
