package quote

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/notification"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/tripbrief"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
)

// DefaultTTL is how long a request may stay pending before it expires.
const DefaultTTL = 30 * 24 * time.Hour

// BookingCreator opens the booking that backs a request.
type BookingCreator interface {
	Create(ctx context.Context, b *booking.Booking) error
	LinkTripBrief(ctx context.Context, bookingID, briefID uuid.UUID) error
}

// BriefAttacher files a request under a trip brief.
type BriefAttacher interface {
	AttachQuoteRequest(ctx context.Context, briefID, quoteRequestID uuid.UUID, actor string) (*tripbrief.TripBrief, error)
}

type Service struct {
	repo      Repository
	bookings  BookingCreator
	providers booking.ProviderDirectory
	tx        db.TxRunner
	notifier  booking.Notifier
	briefs    BriefAttacher
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, bookings BookingCreator, providers booking.ProviderDirectory, tx db.TxRunner, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Service{
		repo:      repo,
		bookings:  bookings,
		providers: providers,
		tx:        tx,
		ttl:       DefaultTTL,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) SetNotifier(n booking.Notifier) { s.notifier = n }
func (s *Service) SetTripBriefs(b BriefAttacher)  { s.briefs = b }

// SetTTL changes how long requests stay pending. Non-positive values are
// ignored.
func (s *Service) SetTTL(d time.Duration) {
	if d > 0 {
		s.ttl = d
	}
}

// Submit stores the request together with its booking in one transaction.
// The trip brief, if any, is attached after commit; a failure there is
// logged and the request is returned unlinked.
func (s *Service) Submit(ctx context.Context, traveler string, in SubmitInput) (*QuoteRequest, error) {
	if traveler == "" {
		return nil, apperr.Forbidden("an authenticated traveler is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	provider, err := s.provider(ctx, in.ProviderID)
	if apperr.IsNotFound(err) {
		return nil, apperr.Validation("provider_id", "unknown provider %q", in.ProviderID)
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := &QuoteRequest{
		ID:                 uuid.New(),
		BookingID:          uuid.New(),
		TravelerID:         traveler,
		ProviderID:         provider.ID,
		Procedures:         in.Procedures,
		IsGroup:            in.IsGroup,
		GroupMembers:       in.GroupMembers,
		TravelWindow:       in.TravelWindow,
		Notes:              strings.TrimSpace(in.Notes),
		ContactEmail:       strings.TrimSpace(in.ContactEmail),
		ContactPhone:       strings.TrimSpace(in.ContactPhone),
		ComparingProviders: in.ComparingProviders,
		RequestType:        in.RequestType,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if q.RequestType == "" {
		q.RequestType = RequestTypeQuote
	}
	if q.GroupMembers == nil {
		q.GroupMembers = []tripbrief.GroupMember{}
	}
	b := &booking.Booking{
		ID:             q.BookingID,
		TravelerID:     traveler,
		ProviderID:     provider.ID,
		Procedures:     q.Procedures,
		PreferredDates: q.TravelWindow,
		InquiryMessage: q.Notes,
		Origin:         booking.OriginQuoteRequest,
		QuoteRequestID: &q.ID,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.bookings.Create(ctx, b); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, q); err != nil {
			return err
		}
		s.notify(ctx, notification.TemplateQuoteRequest, provider.OwnerUserID, q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("quote_request_id", q.ID.String()).
		Str("booking_id", q.BookingID.String()).
		Str("provider_id", q.ProviderID).
		Msg("quote request submitted")

	if in.TripBriefID != nil {
		s.attachBrief(ctx, q, *in.TripBriefID)
	}
	return q, nil
}

// Get returns a request visible to actor.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor string) (*QuoteRequest, error) {
	q, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.HasRole(ctx, "admin") {
		return q, nil
	}
	parts, err := s.participantsOf(ctx, q)
	if err != nil {
		return nil, err
	}
	if !parts.Includes(actor) {
		return nil, apperr.Forbidden("quote request %s is not visible to this user", id)
	}
	return q, nil
}

func (s *Service) ListForTraveler(ctx context.Context, traveler string, limit, offset int) ([]*QuoteRequest, int, error) {
	type page struct {
		items []*QuoteRequest
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForTraveler(ctx, traveler, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

// ListForProvider lists requests addressed to providerID, or to the first
// provider actor acts for when providerID is empty.
func (s *Service) ListForProvider(ctx context.Context, actor, providerID string, limit, offset int) ([]*QuoteRequest, int, error) {
	if providerID == "" {
		ids, err := db.RetryRead(ctx, func(ctx context.Context) ([]string, error) {
			return s.providers.ProviderIDsForUser(ctx, actor)
		})
		if err != nil {
			return nil, 0, err
		}
		if len(ids) == 0 {
			return nil, 0, apperr.Forbidden("user %s does not act for a provider", actor)
		}
		providerID = ids[0]
	} else if !auth.HasRole(ctx, "admin") {
		p, err := s.provider(ctx, providerID)
		if err != nil {
			return nil, 0, err
		}
		if p.OwnerUserID != actor {
			return nil, 0, apperr.Forbidden("user %s does not act for provider %s", actor, providerID)
		}
	}

	type page struct {
		items []*QuoteRequest
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForProvider(ctx, providerID, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

// Accept is done by the traveler once the provider has responded.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, actor string) (*QuoteRequest, error) {
	q, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor == "" || q.TravelerID != actor {
		return nil, apperr.Forbidden("only the traveler can accept quote request %s", id)
	}
	parts, err := s.participantsOf(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, q, []Status{StatusResponded}, StatusAccepted, "accept", func(ctx context.Context, nq *QuoteRequest) {
		s.notify(ctx, notification.TemplateQuoteAccepted, parts.ProviderUserID, nq)
	})
}

// Decline is allowed for either participant until the request is accepted.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, actor string) (*QuoteRequest, error) {
	q, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	parts, err := s.participantsOf(ctx, q)
	if err != nil {
		return nil, err
	}
	if !parts.Includes(actor) {
		return nil, apperr.Forbidden("only a participant can decline quote request %s", id)
	}
	return s.advance(ctx, q, []Status{StatusPending, StatusResponded}, StatusDeclined, "decline", func(ctx context.Context, nq *QuoteRequest) {
		s.notify(ctx, notification.TemplateQuoteDeclined, parts.Other(actor), nq)
	})
}

// OnQuoted marks the request behind bookingID as responded. Bookings that
// were not opened from a request, and requests already past pending, are
// left alone.
func (s *Service) OnQuoted(ctx context.Context, bookingID uuid.UUID) error {
	moved, err := s.repo.MarkResponded(ctx, bookingID)
	if err != nil {
		return err
	}
	if moved {
		s.logger.Info().Str("booking_id", bookingID.String()).Msg("quote request responded")
	}
	return nil
}

// ExpireStale expires requests that have been pending longer than the TTL
// and returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ExpirePending(ctx, now.Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	for _, q := range expired {
		s.logger.Info().
			Str("quote_request_id", q.ID.String()).
			Time("created_at", q.CreatedAt).
			Msg("quote request expired")
	}
	return len(expired), nil
}

// LinkTripBrief files the request under briefID for its traveler.
func (s *Service) LinkTripBrief(ctx context.Context, id, briefID uuid.UUID, actor string) error {
	q, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if actor == "" || q.TravelerID != actor {
		return apperr.Forbidden("quote request %s belongs to another traveler", id)
	}
	ok, err := s.repo.SetTripBrief(ctx, id, briefID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation("quote_request_id", "quote request %s is filed under another trip brief", id)
	}
	return s.bookings.LinkTripBrief(ctx, q.BookingID, briefID)
}

func (s *Service) ListByTripBrief(ctx context.Context, briefID uuid.UUID) ([]tripbrief.LinkedQuoteRequest, error) {
	items, err := s.repo.ListByTripBrief(ctx, briefID)
	if err != nil {
		return nil, err
	}
	out := make([]tripbrief.LinkedQuoteRequest, 0, len(items))
	for _, q := range items {
		out = append(out, tripbrief.LinkedQuoteRequest{
			ID:         q.ID,
			BookingID:  q.BookingID,
			ProviderID: q.ProviderID,
			Status:     string(q.Status),
			CreatedAt:  q.CreatedAt,
		})
	}
	return out, nil
}

// Start expires stale requests every interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Dur("ttl", s.ttl).Msg("quote request expiry started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx, s.now().UTC())
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to expire quote requests")
			} else if n > 0 {
				s.logger.Info().Int("count", n).Msg("expired stale quote requests")
			}
		}
	}
}

func (s *Service) advance(ctx context.Context, q *QuoteRequest, from []Status, to Status, action string, after func(ctx context.Context, nq *QuoteRequest)) (*QuoteRequest, error) {
	if !allowed(q.Status, from) {
		return nil, apperr.InvalidTransition("quote request", action, string(q.Status)).To(string(to))
	}
	var updated *QuoteRequest
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		nq, err := s.repo.Advance(ctx, q.ID, from, to, action)
		if err != nil {
			return err
		}
		updated = nq
		after(ctx, nq)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("quote_request_id", q.ID.String()).
		Str("from", string(q.Status)).
		Str("to", string(updated.Status)).
		Msg("quote request transitioned")
	return updated, nil
}

func (s *Service) attachBrief(ctx context.Context, q *QuoteRequest, briefID uuid.UUID) {
	if s.briefs == nil {
		s.logger.Warn().Str("quote_request_id", q.ID.String()).Msg("trip briefs not configured; request left unlinked")
		return
	}
	if _, err := s.briefs.AttachQuoteRequest(ctx, briefID, q.ID, q.TravelerID); err != nil {
		s.logger.Warn().Err(err).
			Str("quote_request_id", q.ID.String()).
			Str("trip_brief_id", briefID.String()).
			Msg("failed to attach quote request to trip brief")
		return
	}
	q.TripBriefID = &briefID
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*QuoteRequest, error) {
	return db.RetryRead(ctx, func(ctx context.Context) (*QuoteRequest, error) {
		return s.repo.GetByID(ctx, id)
	})
}

func (s *Service) provider(ctx context.Context, id string) (*booking.Provider, error) {
	return db.RetryRead(ctx, func(ctx context.Context) (*booking.Provider, error) {
		return s.providers.GetProvider(ctx, id)
	})
}

func (s *Service) participantsOf(ctx context.Context, q *QuoteRequest) (booking.Participants, error) {
	p, err := s.provider(ctx, q.ProviderID)
	if err != nil {
		return booking.Participants{}, err
	}
	return booking.Participants{TravelerID: q.TravelerID, ProviderUserID: p.OwnerUserID}, nil
}

func (s *Service) notify(ctx context.Context, templateID, recipient string, q *QuoteRequest) {
	if s.notifier == nil || recipient == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).
				Str("quote_request_id", q.ID.String()).
				Str("template", templateID).
				Msg("notifier panicked")
		}
	}()
	s.notifier.Notify(ctx, templateID, recipient, "/quote-requests/"+q.ID.String(), map[string]string{
		"procedures": booking.Summary(q.Procedures),
	})
}

func allowed(current Status, from []Status) bool {
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}
