package booking

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/notification"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/db"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/payment"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/websocket"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

const DefaultCurrency = "usd"

// Notifier records a templated notification. Implementations must not fail
// the caller.
type Notifier interface {
	Notify(ctx context.Context, templateID, recipient, link string, data map[string]string)
}

// TripBriefAdvancer moves a trip brief forward when a booking is opened
// against it.
type TripBriefAdvancer interface {
	MarkQuotesRequested(ctx context.Context, briefID uuid.UUID, actor string) error
}

// QuoteObserver is told when a booking created from a quote request is quoted.
type QuoteObserver interface {
	OnQuoted(ctx context.Context, bookingID uuid.UUID) error
}

// Service is the only writer of booking status and quote fields.
type Service struct {
	repo      Repository
	providers ProviderDirectory
	tx        db.TxRunner
	notifier  Notifier
	publisher websocket.EventPublisher
	checkout  payment.CheckoutCreator
	briefs    TripBriefAdvancer
	quotes    QuoteObserver
	currency  string
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, providers ProviderDirectory, tx db.TxRunner, logger zerolog.Logger) *Service {
	if tx == nil {
		tx = db.NoTx{}
	}
	return &Service{
		repo:      repo,
		providers: providers,
		tx:        tx,
		checkout:  payment.Unconfigured{},
		currency:  DefaultCurrency,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) SetNotifier(n Notifier)                   { s.notifier = n }
func (s *Service) SetPublisher(p websocket.EventPublisher)  { s.publisher = p }
func (s *Service) SetCheckout(c payment.CheckoutCreator)    { s.checkout = c }
func (s *Service) SetTripBriefAdvancer(a TripBriefAdvancer) { s.briefs = a }
func (s *Service) SetQuoteObserver(o QuoteObserver)         { s.quotes = o }

// SetCurrency sets the ISO code stamped on new bookings.
func (s *Service) SetCurrency(code string) {
	if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
		s.currency = code
	}
}

// SubmitInquiry opens a booking in status inquiry.
func (s *Service) SubmitInquiry(ctx context.Context, traveler string, in InquiryInput) (*Booking, error) {
	if traveler == "" {
		return nil, apperr.Forbidden("an authenticated traveler is required")
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	provider, err := s.activeProvider(ctx, in.ProviderID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &Booking{
		ID:             uuid.New(),
		TravelerID:     traveler,
		ProviderID:     provider.ID,
		Procedures:     in.Procedures,
		PreferredDates: in.PreferredDates,
		InquiryMessage: strings.TrimSpace(in.Message),
		MedicalNotes:   strings.TrimSpace(in.MedicalNotes),
		Status:         StatusInquiry,
		Currency:       s.currency,
		TripBriefID:    in.TripBriefID,
		Origin:         OriginInquiry,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, b); err != nil {
			return err
		}
		if err := s.advanceBrief(ctx, b); err != nil {
			return err
		}
		s.notify(ctx, notification.TemplateInquiryReceived, provider.OwnerUserID, b, map[string]string{
			"procedures": Summary(b.Procedures),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "booking.created", b)
	return b, nil
}

// Create stores a booking opened by another component, such as a quote
// request, inside the caller's transaction. No notification is sent.
func (s *Service) Create(ctx context.Context, b *Booking) error {
	if err := ValidateProcedures("procedures", b.Procedures); err != nil {
		return err
	}
	if _, err := s.activeProvider(ctx, b.ProviderID); err != nil {
		return err
	}
	now := s.now().UTC()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Currency == "" {
		b.Currency = s.currency
	}
	if b.Origin == "" {
		b.Origin = OriginInquiry
	}
	b.Status = StatusInquiry
	b.CreatedAt, b.UpdatedAt = now, now
	return s.repo.Create(ctx, b)
}

// LinkTripBrief records the trip brief a booking was requested under. The
// caller has already checked the brief belongs to the traveler.
func (s *Service) LinkTripBrief(ctx context.Context, id, briefID uuid.UUID) error {
	return s.repo.SetTripBrief(ctx, id, briefID)
}

// Respond records a provider reply without quoting.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, actor string, in ResponseInput) (*Booking, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return nil, apperr.Validation("message", "is required")
	}
	b, provider, err := s.loadAsProvider(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	t := Transition{
		ID: id, From: sourcesOf(StatusProviderResponded), To: StatusProviderResponded, Action: "respond to",
		Patch: Patch{ProviderMessage: &msg, EstimatedDates: trimmed(in.EstimatedDates)},
	}
	return s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		s.notify(ctx, notification.TemplateProviderResponse, nb.TravelerID, nb, map[string]string{
			"provider": provider.Name,
			"message":  msg,
		})
		return nil
	})
}

// SubmitQuote prices the booking. A repeated quote overwrites the previous
// one while the booking is still quoted.
func (s *Service) SubmitQuote(ctx context.Context, id uuid.UUID, actor string, in QuoteInput) (*Booking, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	b, provider, err := s.loadAsProvider(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	price := in.Price
	pct := in.DepositPercent
	deposit := price.Percent(pct)
	t := Transition{
		ID: id, From: sourcesOf(StatusQuoted), To: StatusQuoted, Action: "quote",
		Patch: Patch{
			QuotedPrice:     &price,
			DepositPercent:  &pct,
			DepositAmount:   &deposit,
			ProviderMessage: trimmed(in.Message),
			EstimatedDates:  trimmed(in.EstimatedDates),
			// A checkout opened for an earlier quote no longer applies.
			ClearCheckoutSession: true,
		},
	}
	return s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		s.notify(ctx, notification.TemplateQuoteReceived, nb.TravelerID, nb, map[string]string{
			"provider": provider.Name,
			"price":    price.String(),
			"deposit":  deposit.String(),
			"currency": strings.ToUpper(nb.Currency),
		})
		s.observeQuote(ctx, nb)
		return nil
	})
}

// InitiateDepositPayment opens a checkout session for the deposit. The
// booking status is not changed; the payment webhook records the deposit.
func (s *Service) InitiateDepositPayment(ctx context.Context, id uuid.UUID, actor string) (*PaymentSessionHandle, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.TravelerID != actor {
		return nil, apperr.Forbidden("only the traveler can pay the deposit")
	}
	if b.Status != StatusQuoted {
		return nil, apperr.InvalidTransition("booking", "pay a deposit for", string(b.Status)).To(string(StatusDepositPaid))
	}
	if b.DepositAmount == nil || *b.DepositAmount <= 0 {
		return nil, apperr.Validation("deposit_amount", "booking has no deposit to pay")
	}

	sess, err := s.checkout.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		BookingID:   b.ID.String(),
		TravelerID:  b.TravelerID,
		Description: "Deposit: " + Summary(b.Procedures),
		Amount:      *b.DepositAmount,
		Currency:    b.Currency,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetCheckoutSession(ctx, b.ID, sess.ID, *b.DepositAmount); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Str("session", sess.ID).
			Msg("failed to record checkout session")
		return nil, err
	}
	return &PaymentSessionHandle{URL: sess.URL, SessionID: sess.ID}, nil
}

// RecordDepositPaid moves a quoted booking to deposit_paid. The paid session
// must be the booking's current checkout and cover the quoted deposit.
// Repeated calls for a booking already past quoted succeed without changes.
func (s *Service) RecordDepositPaid(ctx context.Context, id uuid.UUID, paid payment.PaidSession) error {
	b, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if depositRecorded(b.Status) {
		if err := matchPaid(b, paid); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Str("session", paid.ID).
				Msg("second payment for a booking whose deposit is already recorded")
			return err
		}
		return nil
	}
	if b.Status == StatusQuoted {
		if err := matchPaid(b, paid); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Str("session", paid.ID).
				Int64("amount", int64(paid.Amount)).Msg("paid checkout does not match the quoted deposit")
			return err
		}
	}
	t := Transition{
		ID: id, From: sourcesOf(StatusDepositPaid), To: StatusDepositPaid, Action: "record a deposit for",
		Session: paid.ID,
	}
	_, err = s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		providerUser := s.providerUser(ctx, nb.ProviderID)
		s.notify(ctx, notification.TemplateDepositPaid, providerUser, nb, map[string]string{
			"deposit":  amountString(nb.DepositAmount),
			"currency": strings.ToUpper(nb.Currency),
		})
		return nil
	})
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindInvalidTransition && depositRecorded(Status(ae.Current)) {
		return nil
	}
	return err
}

// matchPaid checks a paid session against b's stored checkout and deposit.
func matchPaid(b *Booking, paid payment.PaidSession) error {
	if paid.ID == "" || b.CheckoutSessionID == nil || *b.CheckoutSessionID != paid.ID {
		return staleCheckout()
	}
	if b.DepositAmount == nil || paid.Amount != *b.DepositAmount {
		return apperr.Validation("amount", "does not match the quoted deposit")
	}
	if paid.Currency != "" && !strings.EqualFold(paid.Currency, b.Currency) {
		return apperr.Validation("currency", "does not match the booking currency")
	}
	return nil
}

// ConfirmTrip is done by the provider once the deposit is in.
func (s *Service) ConfirmTrip(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	b, provider, err := s.loadAsProvider(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	t := Transition{ID: id, From: sourcesOf(StatusConfirmed), To: StatusConfirmed, Action: "confirm"}
	return s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		s.notify(ctx, notification.TemplateTripConfirmed, nb.TravelerID, nb, map[string]string{
			"provider": provider.Name,
		})
		return nil
	})
}

func (s *Service) MarkCompleted(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	b, provider, err := s.loadAsProvider(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	t := Transition{ID: id, From: sourcesOf(StatusCompleted), To: StatusCompleted, Action: "complete"}
	return s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		s.notify(ctx, notification.TemplateTripCompleted, nb.TravelerID, nb, map[string]string{
			"provider": provider.Name,
		})
		return nil
	})
}

// Cancel is allowed for either participant while the booking is an inquiry
// or quoted.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	parts, err := s.participantsOf(ctx, b)
	if err != nil {
		return nil, err
	}
	if !parts.Includes(actor) {
		return nil, apperr.Forbidden("only a participant can cancel booking %s", id)
	}
	t := Transition{ID: id, From: sourcesOf(StatusCancelled), To: StatusCancelled, Action: "cancel"}
	return s.transition(ctx, b, t, func(ctx context.Context, nb *Booking) error {
		s.notify(ctx, notification.TemplateBookingCancelled, parts.Other(actor), nb, map[string]string{
			"procedures": Summary(nb.Procedures),
		})
		return nil
	})
}

// Get returns a booking visible to actor.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth.HasRole(ctx, "admin") {
		return b, nil
	}
	parts, err := s.participantsOf(ctx, b)
	if err != nil {
		return nil, err
	}
	if !parts.Includes(actor) {
		return nil, apperr.Forbidden("booking %s is not visible to this user", id)
	}
	return b, nil
}

func (s *Service) ListForTraveler(ctx context.Context, traveler string, limit, offset int) ([]*Booking, int, error) {
	type page struct {
		items []*Booking
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForTraveler(ctx, traveler, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

// ListForProvider lists bookings of providerID, or of the first provider
// actor acts for when providerID is empty.
func (s *Service) ListForProvider(ctx context.Context, actor, providerID string, limit, offset int) ([]*Booking, int, error) {
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
		items []*Booking
		total int
	}
	p, err := db.RetryRead(ctx, func(ctx context.Context) (page, error) {
		items, total, err := s.repo.ListForProvider(ctx, providerID, limit, offset)
		return page{items, total}, err
	})
	return p.items, p.total, err
}

// Participants resolves the traveler and the provider's acting identity.
func (s *Service) Participants(ctx context.Context, id uuid.UUID) (Participants, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return Participants{}, err
	}
	return s.participantsOf(ctx, b)
}

// transition checks the graph against b, applies t as a compare-and-set and
// runs after inside the same transaction. The change is published once the
// transaction commits.
func (s *Service) transition(ctx context.Context, b *Booking, t Transition, after func(ctx context.Context, nb *Booking) error) (*Booking, error) {
	if !allowed(b.Status, t.From) {
		return nil, apperr.InvalidTransition("booking", t.Action, string(b.Status)).To(string(t.To))
	}
	var updated *Booking
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		nb, err := s.repo.Apply(ctx, t)
		if err != nil {
			return err
		}
		updated = nb
		if after != nil {
			return after(ctx, nb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("booking_id", updated.ID.String()).
		Str("from", string(b.Status)).
		Str("to", string(updated.Status)).
		Msg("booking transitioned")
	s.publish(ctx, "booking.updated", updated)
	return updated, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return db.RetryRead(ctx, func(ctx context.Context) (*Booking, error) {
		return s.repo.GetByID(ctx, id)
	})
}

func (s *Service) loadAsProvider(ctx context.Context, id uuid.UUID, actor string) (*Booking, *Provider, error) {
	b, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.provider(ctx, b.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	if actor == "" || p.OwnerUserID != actor {
		return nil, nil, apperr.Forbidden("only the provider can act on booking %s", id)
	}
	return b, p, nil
}

func (s *Service) provider(ctx context.Context, id string) (*Provider, error) {
	return db.RetryRead(ctx, func(ctx context.Context) (*Provider, error) {
		return s.providers.GetProvider(ctx, id)
	})
}

func (s *Service) activeProvider(ctx context.Context, id string) (*Provider, error) {
	p, err := s.provider(ctx, id)
	if apperr.IsNotFound(err) {
		return nil, apperr.Validation("provider_id", "unknown provider %q", id)
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, apperr.Validation("provider_id", "provider %q is not accepting bookings", id)
	}
	return p, nil
}

func (s *Service) participantsOf(ctx context.Context, b *Booking) (Participants, error) {
	p, err := s.provider(ctx, b.ProviderID)
	if err != nil {
		return Participants{}, err
	}
	return Participants{TravelerID: b.TravelerID, ProviderUserID: p.OwnerUserID}, nil
}

// providerUser is used for notification recipients, where a lookup failure
// must not fail the transition.
func (s *Service) providerUser(ctx context.Context, providerID string) string {
	p, err := s.provider(ctx, providerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", providerID).Msg("failed to resolve provider for notification")
		return ""
	}
	return p.OwnerUserID
}

func (s *Service) advanceBrief(ctx context.Context, b *Booking) error {
	if b.TripBriefID == nil || s.briefs == nil {
		return nil
	}
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		return s.briefs.MarkQuotesRequested(ctx, *b.TripBriefID, b.TravelerID)
	})
	switch {
	case err == nil:
		return nil
	case apperr.IsForbidden(err), apperr.IsNotFound(err):
		return apperr.Validation("trip_brief_id", "trip brief %s is not available", *b.TripBriefID)
	default:
		s.logger.Warn().Err(err).
			Str("booking_id", b.ID.String()).
			Str("trip_brief_id", b.TripBriefID.String()).
			Msg("failed to advance trip brief")
		return nil
	}
}

func (s *Service) observeQuote(ctx context.Context, b *Booking) {
	if s.quotes == nil || b.Origin != OriginQuoteRequest {
		return
	}
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		return s.quotes.OnQuoted(ctx, b.ID)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("failed to update quote request")
	}
}

func (s *Service) notify(ctx context.Context, templateID, recipient string, b *Booking, data map[string]string) {
	if s.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).
				Str("booking_id", b.ID.String()).
				Str("template", templateID).
				Msg("notifier panicked")
		}
	}()
	s.notifier.Notify(ctx, templateID, recipient, "/bookings/"+b.ID.String(), data)
}

func (s *Service) publish(ctx context.Context, typ string, b *Booking) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	id := b.ID.String()
	err = s.publisher.Publish(ctx, websocket.Event{
		Type:         typ,
		Topic:        websocket.Topic("bookings", id),
		ResourceType: "booking",
		ResourceID:   id,
		Timestamp:    s.now().UTC(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("booking_id", id).Msg("failed to publish booking event")
	}
}

func allowed(current Status, from []Status) bool {
	for _, s := range from {
		if s == current {
			return true
		}
	}
	return false
}

func depositRecorded(s Status) bool {
	return s == StatusDepositPaid || s == StatusConfirmed || s == StatusCompleted
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func amountString(a *money.Amount) string {
	if a == nil {
		return ""
	}
	return a.String()
}
