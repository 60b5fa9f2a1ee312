package tripbrief

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/domain/booking"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/pkg/dates"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

type Status string

const (
	StatusPlanning        Status = "planning"
	StatusQuotesRequested Status = "quotes_requested"
	StatusCompleted       Status = "completed"
	StatusArchived        Status = "archived"
)

var rank = map[Status]int{
	StatusPlanning:        0,
	StatusQuotesRequested: 1,
	StatusCompleted:       2,
	StatusArchived:        3,
}

func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Before reports whether s comes strictly earlier than other.
func (s Status) Before(other Status) bool {
	return rank[s] < rank[other]
}

// earlierThan lists the statuses ranked below s.
func earlierThan(s Status) []Status {
	var out []Status
	for _, st := range []Status{StatusPlanning, StatusQuotesRequested, StatusCompleted, StatusArchived} {
		if st.Before(s) {
			out = append(out, st)
		}
	}
	return out
}

type GroupMember struct {
	Name       string              `json:"name"`
	Procedures []booking.Procedure `json:"procedures,omitempty"`
	Notes      string              `json:"notes,omitempty"`
}

type TripBrief struct {
	ID            uuid.UUID           `json:"id"`
	TravelerID    string              `json:"traveler_id"`
	TripName      string              `json:"trip_name"`
	Destination   string              `json:"destination,omitempty"`
	TravelStart   *dates.Date         `json:"travel_start,omitempty"`
	TravelEnd     *dates.Date         `json:"travel_end,omitempty"`
	FlexibleDates bool                `json:"flexible_dates"`
	Procedures    []booking.Procedure `json:"procedures"`
	IsGroup       bool                `json:"is_group"`
	GroupMembers  []GroupMember       `json:"group_members"`
	BudgetMin     *money.Amount       `json:"budget_min,omitempty"`
	BudgetMax     *money.Amount       `json:"budget_max,omitempty"`
	Currency      string              `json:"currency"`
	Notes         string              `json:"notes,omitempty"`
	Status        Status              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Input carries the traveler-editable fields of a brief.
type Input struct {
	TripName      string              `json:"trip_name"`
	Destination   string              `json:"destination"`
	TravelStart   *dates.Date         `json:"travel_start,omitempty"`
	TravelEnd     *dates.Date         `json:"travel_end,omitempty"`
	FlexibleDates bool                `json:"flexible_dates"`
	Procedures    []booking.Procedure `json:"procedures"`
	IsGroup       bool                `json:"is_group"`
	GroupMembers  []GroupMember       `json:"group_members"`
	BudgetMin     *money.Amount       `json:"budget_min,omitempty"`
	BudgetMax     *money.Amount       `json:"budget_max,omitempty"`
	Currency      string              `json:"currency"`
	Notes         string              `json:"notes"`
	// Status may only move the brief forward.
	Status *Status `json:"status,omitempty"`
}

func (in Input) Validate() error {
	var errs []*apperr.Error
	if strings.TrimSpace(in.TripName) == "" {
		errs = append(errs, apperr.Validation("trip_name", "is required"))
	}
	w := dates.Window{Start: in.TravelStart, End: in.TravelEnd, Flexible: in.FlexibleDates}
	if err := w.Validate(); err != nil {
		errs = append(errs, apperr.Validation("travel_end", "%v", err))
	}
	if len(in.Procedures) > 0 {
		errs = append(errs, booking.ValidateProcedures("procedures", in.Procedures))
	}
	if in.IsGroup && len(in.GroupMembers) == 0 {
		errs = append(errs, apperr.Validation("group_members", "a group trip needs at least one member"))
	}
	for i, m := range in.GroupMembers {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, apperr.Validation(fmt.Sprintf("group_members[%d].name", i), "is required"))
		}
	}
	if in.BudgetMin != nil && *in.BudgetMin < 0 {
		errs = append(errs, apperr.Validation("budget_min", "must not be negative"))
	}
	if in.BudgetMin != nil && in.BudgetMax != nil && *in.BudgetMin > *in.BudgetMax {
		errs = append(errs, apperr.Validation("budget_max", "must not be below budget_min"))
	}
	if in.Status != nil && !in.Status.Valid() {
		errs = append(errs, apperr.Validation("status", "unknown status %q", *in.Status))
	}
	if e := apperr.Merge(errs...); e != nil {
		return e
	}
	return nil
}

func (in Input) apply(b *TripBrief) {
	b.TripName = strings.TrimSpace(in.TripName)
	b.Destination = strings.TrimSpace(in.Destination)
	b.TravelStart = in.TravelStart
	b.TravelEnd = in.TravelEnd
	b.FlexibleDates = in.FlexibleDates
	b.Procedures = in.Procedures
	b.IsGroup = in.IsGroup
	b.GroupMembers = in.GroupMembers
	b.BudgetMin = in.BudgetMin
	b.BudgetMax = in.BudgetMax
	b.Notes = in.Notes
	if in.Currency != "" {
		b.Currency = strings.ToLower(in.Currency)
	}
	if b.Procedures == nil {
		b.Procedures = []booking.Procedure{}
	}
	if b.GroupMembers == nil {
		b.GroupMembers = []GroupMember{}
	}
}

// LinkedQuoteRequest is the view of a quote request filed under a brief.
type LinkedQuoteRequest struct {
	ID         uuid.UUID `json:"id"`
	BookingID  uuid.UUID `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}
