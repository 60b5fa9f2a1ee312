package tripbrief

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
)

const defaultCurrency = "usd"

var errNoLinks = errors.New("quote request links not configured")

// Service manages trip briefs and their links to quote requests. A brief's
// status only ever moves forward.
type Service struct {
	repo   Repository
	links  QuoteRequestLinks
	tx     db.TxRunner
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Service{repo: repo, tx: tx, logger: logger, now: time.Now}
}

// SetQuoteRequestLinks enables AttachQuoteRequest and LinkedQuoteRequests.
func (s *Service) SetQuoteRequestLinks(l QuoteRequestLinks) { s.links = l }

func (s *Service) Create(ctx context.Context, traveler string, in Input) (*TripBrief, error) {
	if traveler == "" {
		return nil, apperr.Forbidden("an authenticated traveler is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	b := &TripBrief{
		ID:         uuid.New(),
		TravelerID: traveler,
		Currency:   defaultCurrency,
		Status:     StatusPlanning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	in.apply(b)
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	if in.Status != nil && StatusPlanning.Before(*in.Status) {
		return s.advance(ctx, b, *in.Status)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, actor string) (*TripBrief, error) {
	b, err := db.RetryRead(ctx, func(ctx context.Context) (*TripBrief, error) {
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if b.TravelerID != actor && !auth.HasRole(ctx, "admin") {
		return nil, apperr.Forbidden("trip brief %s belongs to another traveler", id)
	}
	return b, nil
}

// Update replaces the editable fields. A status in the input is applied only
// when it is ahead of the current one; an earlier status is rejected.
func (s *Service) Update(ctx context.Context, id uuid.UUID, actor string, in Input) (*TripBrief, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	b, err := s.owned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if in.Status != nil && in.Status.Before(b.Status) {
		return nil, apperr.InvalidTransition("trip brief", "move back to "+string(*in.Status)+" from", string(b.Status)).
			To(string(*in.Status))
	}

	in.apply(b)
	b.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, b); err != nil {
		return nil, err
	}
	if in.Status != nil && b.Status.Before(*in.Status) {
		return s.advance(ctx, b, *in.Status)
	}
	return b, nil
}

func (s *Service) ListForTraveler(ctx context.Context, traveler string, limit, offset int) ([]*TripBrief, int, error) {
	type page struct {
		items []*TripBrief
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForTraveler(ctx, traveler, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

// MarkQuotesRequested advances planning to quotes_requested. Later statuses
// are left as they are.
func (s *Service) MarkQuotesRequested(ctx context.Context, id uuid.UUID, actor string) error {
	b, err := s.owned(ctx, id, actor)
	if err != nil {
		return err
	}
	if b.Status != StatusPlanning {
		return nil
	}
	_, moved, err := s.repo.Advance(ctx, id, []Status{StatusPlanning}, StatusQuotesRequested)
	if err != nil {
		return err
	}
	if moved {
		s.logger.Info().Str("trip_brief_id", id.String()).Msg("trip brief quotes requested")
	}
	return nil
}

// AttachQuoteRequest files a quote request under the brief and advances the
// brief out of planning. Repeating it changes nothing.
func (s *Service) AttachQuoteRequest(ctx context.Context, briefID, quoteRequestID uuid.UUID, actor string) (*TripBrief, error) {
	if s.links == nil {
		return nil, apperr.Transient("attach quote request", errNoLinks)
	}
	var out *TripBrief
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.owned(ctx, briefID, actor)
		if err != nil {
			return err
		}
		if err := s.links.LinkTripBrief(ctx, quoteRequestID, briefID, actor); err != nil {
			return err
		}
		out = b
		if b.Status != StatusPlanning {
			return nil
		}
		nb, _, err := s.repo.Advance(ctx, briefID, []Status{StatusPlanning}, StatusQuotesRequested)
		if err != nil {
			return err
		}
		out = nb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) LinkedQuoteRequests(ctx context.Context, briefID uuid.UUID, actor string) ([]LinkedQuoteRequest, error) {
	if s.links == nil {
		return nil, apperr.Transient("list linked quote requests", errNoLinks)
	}
	if _, err := s.Get(ctx, briefID, actor); err != nil {
		return nil, err
	}
	return db.RetryRead(ctx, func(ctx context.Context) ([]LinkedQuoteRequest, error) {
		return s.links.ListByTripBrief(ctx, briefID)
	})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor string) (*TripBrief, error) {
	b, err := s.owned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusCompleted {
		return b, nil
	}
	return s.advance(ctx, b, StatusCompleted)
}

func (s *Service) Archive(ctx context.Context, id uuid.UUID, actor string) (*TripBrief, error) {
	b, err := s.owned(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusArchived {
		return b, nil
	}
	return s.advance(ctx, b, StatusArchived)
}

// advance moves b forward to `to`, failing when it already passed it.
func (s *Service) advance(ctx context.Context, b *TripBrief, to Status) (*TripBrief, error) {
	nb, moved, err := s.repo.Advance(ctx, b.ID, earlierThan(to), to)
	if err != nil {
		return nil, err
	}
	if !moved && nb.Status != to {
		return nil, apperr.InvalidTransition("trip brief", "move to "+string(to)+" from", string(nb.Status)).To(string(to))
	}
	return nb, nil
}

func (s *Service) owned(ctx context.Context, id uuid.UUID, actor string) (*TripBrief, error) {
	b, err := db.RetryRead(ctx, func(ctx context.Context) (*TripBrief, error) {
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if actor == "" || b.TravelerID != actor {
		return nil, apperr.Forbidden("trip brief %s belongs to another traveler", id)
	}
	return b, nil
}
