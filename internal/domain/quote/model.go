package quote

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/domain/tripbrief"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/pkg/dates"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusExpired   Status = "expired"
)

func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusDeclined || s == StatusExpired
}

type RequestType string

const (
	RequestTypeQuote        RequestType = "quote"
	RequestTypeConsultation RequestType = "consultation"
)

func (t RequestType) Valid() bool {
	return t == RequestTypeQuote || t == RequestTypeConsultation
}

// QuoteRequest is a traveler's provider-scoped ask. Every request owns
// exactly one booking, created with it, which carries its messages and
// payment.
type QuoteRequest struct {
	ID                 uuid.UUID               `json:"id"`
	BookingID          uuid.UUID               `json:"booking_id"`
	TravelerID         string                  `json:"traveler_id"`
	ProviderID         string                  `json:"provider_id"`
	TripBriefID        *uuid.UUID              `json:"trip_brief_id,omitempty"`
	Procedures         []booking.Procedure     `json:"procedures"`
	IsGroup            bool                    `json:"is_group"`
	GroupMembers       []tripbrief.GroupMember `json:"group_members"`
	TravelWindow       dates.Window            `json:"travel_window"`
	Notes              string                  `json:"notes,omitempty"`
	ContactEmail       string                  `json:"contact_email,omitempty"`
	ContactPhone       string                  `json:"contact_phone,omitempty"`
	ComparingProviders bool                    `json:"comparing_providers"`
	RequestType        RequestType             `json:"request_type"`
	Status             Status                  `json:"status"`
	RespondedAt        *time.Time              `json:"responded_at,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

type SubmitInput struct {
	ProviderID         string                  `json:"provider_id"`
	TripBriefID        *uuid.UUID              `json:"trip_brief_id,omitempty"`
	Procedures         []booking.Procedure     `json:"procedures"`
	IsGroup            bool                    `json:"is_group"`
	GroupMembers       []tripbrief.GroupMember `json:"group_members"`
	TravelWindow       dates.Window            `json:"travel_window"`
	Notes              string                  `json:"notes"`
	ContactEmail       string                  `json:"contact_email"`
	ContactPhone       string                  `json:"contact_phone"`
	ComparingProviders bool                    `json:"comparing_providers"`
	RequestType        RequestType             `json:"request_type"`
}

var validate = validator.New()

func (in SubmitInput) Validate() error {
	var errs []*apperr.Error
	if strings.TrimSpace(in.ProviderID) == "" {
		errs = append(errs, apperr.Validation("provider_id", "is required"))
	}
	errs = append(errs, booking.ValidateProcedures("procedures", in.Procedures))
	if err := in.TravelWindow.Validate(); err != nil {
		errs = append(errs, apperr.Validation("travel_window", "%v", err))
	}
	if in.IsGroup && len(in.GroupMembers) == 0 {
		errs = append(errs, apperr.Validation("group_members", "a group request needs at least one member"))
	}
	for i, m := range in.GroupMembers {
		errs = append(errs, validateMember(i, m, in.Procedures)...)
	}
	if email := strings.TrimSpace(in.ContactEmail); email != "" {
		if err := validate.Var(email, "email"); err != nil {
			errs = append(errs, apperr.Validation("contact_email", "is not a valid email address"))
		}
	}
	if phone := strings.TrimSpace(in.ContactPhone); phone != "" {
		if err := validate.Var(phone, "max=32,printascii"); err != nil {
			errs = append(errs, apperr.Validation("contact_phone", "is not a valid phone number"))
		}
	}
	if in.RequestType != "" && !in.RequestType.Valid() {
		errs = append(errs, apperr.Validation("request_type", "unknown request type %q", in.RequestType))
	}
	if e := apperr.Merge(errs...); e != nil {
		return e
	}
	return nil
}

// validateMember checks that a group member only asks for procedures the
// request itself lists, and no more of each than the request does.
func validateMember(i int, m tripbrief.GroupMember, procs []booking.Procedure) []*apperr.Error {
	var errs []*apperr.Error
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, apperr.Validation(fmt.Sprintf("group_members[%d].name", i), "is required"))
	}
	requested := make(map[string]int, len(procs))
	for _, p := range procs {
		requested[procedureKey(p.Name)] += p.Quantity
	}
	for j, p := range m.Procedures {
		field := fmt.Sprintf("group_members[%d].procedures[%d]", i, j)
		qty, ok := requested[procedureKey(p.Name)]
		switch {
		case !ok:
			errs = append(errs, apperr.Validation(field, "%q is not one of the requested procedures", p.Name))
		case p.Quantity <= 0:
			errs = append(errs, apperr.Validation(field+".quantity", "must be positive"))
		case p.Quantity > qty:
			errs = append(errs, apperr.Validation(field+".quantity", "exceeds the %d requested", qty))
		}
	}
	return errs
}

func procedureKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
