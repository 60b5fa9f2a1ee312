package booking

import (
	"context"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

type Repository interface {
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListForTraveler(ctx context.Context, travelerID string, limit, offset int) ([]*Booking, int, error)
	ListForProvider(ctx context.Context, providerID string, limit, offset int) ([]*Booking, int, error)
	// Apply performs t as a single compare-and-set. When the booking is not
	// in one of t.From it returns an InvalidTransition error carrying the
	// current status, or NotFound when the row does not exist. A mismatched
	// t.Session returns the error from staleCheckout.
	Apply(ctx context.Context, t Transition) (*Booking, error)
	// SetCheckoutSession records the payment session without touching status.
	// It applies only while the booking is quoted for exactly deposit.
	SetCheckoutSession(ctx context.Context, id uuid.UUID, sessionID string, deposit money.Amount) error
	SetTripBrief(ctx context.Context, id, briefID uuid.UUID) error
}

// ProviderDirectory resolves provider ids to their acting identity.
type ProviderDirectory interface {
	GetProvider(ctx context.Context, id string) (*Provider, error)
	// ProviderIDsForUser lists the providers a user acts for.
	ProviderIDsForUser(ctx context.Context, userID string) ([]string, error)
}
