package booking

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/pkg/dates"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

type Status string

const (
	StatusInquiry           Status = "inquiry"
	StatusProviderResponded Status = "provider_responded"
	StatusQuoted            Status = "quoted"
	StatusDepositPaid       Status = "deposit_paid"
	StatusConfirmed         Status = "confirmed"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
)

// transitions lists every allowed edge of the booking state graph.
var transitions = map[Status][]Status{
	StatusInquiry:           {StatusProviderResponded, StatusQuoted, StatusCancelled},
	StatusProviderResponded: {StatusProviderResponded, StatusQuoted},
	StatusQuoted:            {StatusQuoted, StatusDepositPaid, StatusCancelled},
	StatusDepositPaid:       {StatusConfirmed},
	StatusConfirmed:         {StatusCompleted},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// sourcesOf returns every status with an edge into target.
func sourcesOf(target Status) []Status {
	var out []Status
	for _, from := range []Status{StatusInquiry, StatusProviderResponded, StatusQuoted, StatusDepositPaid, StatusConfirmed} {
		if from.CanTransitionTo(target) {
			out = append(out, from)
		}
	}
	return out
}

type Origin string

const (
	OriginInquiry      Origin = "inquiry"
	OriginQuoteRequest Origin = "quote_request"
)

type Procedure struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// ValidateProcedures checks a non-empty list of named procedures with
// positive quantities.
func ValidateProcedures(field string, procs []Procedure) *apperr.Error {
	if len(procs) == 0 {
		return apperr.Validation(field, "at least one procedure is required")
	}
	for i, p := range procs {
		if strings.TrimSpace(p.Name) == "" {
			return apperr.Validation(fmt.Sprintf("%s[%d].name", field, i), "is required")
		}
		if p.Quantity <= 0 {
			return apperr.Validation(fmt.Sprintf("%s[%d].quantity", field, i), "must be positive")
		}
	}
	return nil
}

// Summary renders procedures as "Dental Crown x1, Implant x2".
func Summary(procs []Procedure) string {
	parts := make([]string, 0, len(procs))
	for _, p := range procs {
		parts = append(parts, fmt.Sprintf("%s x%d", p.Name, p.Quantity))
	}
	return strings.Join(parts, ", ")
}

type Booking struct {
	ID             uuid.UUID    `json:"id"`
	TravelerID     string       `json:"traveler_id"`
	ProviderID     string       `json:"provider_id"`
	Procedures     []Procedure  `json:"procedures"`
	PreferredDates dates.Window `json:"preferred_dates"`
	InquiryMessage string       `json:"inquiry_message,omitempty"`
	MedicalNotes   string       `json:"medical_notes,omitempty"`
	Status         Status       `json:"status"`
	Currency       string       `json:"currency"`

	QuotedPrice     *money.Amount `json:"quoted_price"`
	DepositPercent  *float64      `json:"deposit_percent,omitempty"`
	DepositAmount   *money.Amount `json:"deposit_amount"`
	ProviderMessage string        `json:"provider_message,omitempty"`
	EstimatedDates  *string       `json:"estimated_dates,omitempty"`

	TripBriefID       *uuid.UUID `json:"trip_brief_id,omitempty"`
	Origin            Origin     `json:"origin"`
	QuoteRequestID    *uuid.UUID `json:"quote_request_id,omitempty"`
	CheckoutSessionID *string    `json:"-"`
	LastMessageSeq    int64      `json:"last_message_seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participants are the two identities allowed to act on a booking.
type Participants struct {
	TravelerID string `json:"traveler_id"`
	// ProviderUserID is the provider's acting identity.
	ProviderUserID string `json:"provider_user_id"`
}

func (p Participants) Includes(actor string) bool {
	return actor != "" && (actor == p.TravelerID || actor == p.ProviderUserID)
}

// Other returns the participant who is not actor.
func (p Participants) Other(actor string) string {
	if actor == p.TravelerID {
		return p.ProviderUserID
	}
	return p.TravelerID
}

type InquiryInput struct {
	ProviderID     string       `json:"provider_id"`
	Procedures     []Procedure  `json:"procedures"`
	PreferredDates dates.Window `json:"preferred_dates"`
	Message        string       `json:"message"`
	MedicalNotes   string       `json:"medical_notes"`
	TripBriefID    *uuid.UUID   `json:"trip_brief_id,omitempty"`
}

func (in InquiryInput) Validate() error {
	var errs []*apperr.Error
	if strings.TrimSpace(in.ProviderID) == "" {
		errs = append(errs, apperr.Validation("provider_id", "is required"))
	}
	errs = append(errs, ValidateProcedures("procedures", in.Procedures))
	if err := in.PreferredDates.Validate(); err != nil {
		errs = append(errs, apperr.Validation("preferred_dates", "%v", err))
	}
	if e := apperr.Merge(errs...); e != nil {
		return e
	}
	return nil
}

type ResponseInput struct {
	Message        string  `json:"message"`
	EstimatedDates *string `json:"estimated_dates,omitempty"`
}

type QuoteInput struct {
	Price          money.Amount `json:"price"`
	DepositPercent float64      `json:"deposit_percent"`
	EstimatedDates *string      `json:"estimated_dates,omitempty"`
	Message        *string      `json:"message,omitempty"`
}

func (in QuoteInput) Validate() error {
	var errs []*apperr.Error
	if in.Price <= 0 {
		errs = append(errs, apperr.Validation("price", "must be positive"))
	}
	if !(in.DepositPercent > 0 && in.DepositPercent <= 100) {
		errs = append(errs, apperr.Validation("deposit_percent", "must be greater than 0 and at most 100"))
	} else if !hundredths(in.DepositPercent) {
		errs = append(errs, apperr.Validation("deposit_percent", "must have at most two decimal places"))
	}
	if e := apperr.Merge(errs...); e != nil {
		return e
	}
	return nil
}

// hundredths reports whether v fits the stored precision of two decimals.
func hundredths(v float64) bool {
	scaled := v * 100
	return math.Abs(scaled-math.Round(scaled)) < 1e-6
}

// Patch holds the non-status columns a transition may set. Nil fields are
// left unchanged.
type Patch struct {
	QuotedPrice       *money.Amount
	DepositPercent    *float64
	DepositAmount     *money.Amount
	ProviderMessage   *string
	EstimatedDates    *string
	CheckoutSessionID *string
	// ClearCheckoutSession drops the stored session; it wins over
	// CheckoutSessionID.
	ClearCheckoutSession bool
}

// Transition is a compare-and-set on status: it applies only while the
// booking is in one of From. A non-empty Session additionally requires the
// stored checkout session to match.
type Transition struct {
	ID      uuid.UUID
	From    []Status
	To      Status
	Action  string
	Patch   Patch
	Session string
}

// staleCheckout is returned when a paid session is not the booking's current
// checkout session.
func staleCheckout() error {
	return apperr.Validation("session_id", "is not the booking's current checkout session")
}

// checkoutConflict explains why a checkout session could not be stored on b.
func checkoutConflict(b *Booking) error {
	if b.Status != StatusQuoted {
		return apperr.InvalidTransition("booking", "pay a deposit for", string(b.Status)).To(string(StatusDepositPaid))
	}
	return apperr.Validation("deposit_amount", "the quote changed while the checkout was being created")
}

// PaymentSessionHandle is returned by InitiateDepositPayment.
type PaymentSessionHandle struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

type Provider struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
	Active      bool   `json:"active"`
}
