package notification

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

type Type string

const (
	TypeQuoteReceived   Type = "quote_received"
	TypeInquiryReceived Type = "inquiry_received"
	TypeBookingUpdate   Type = "booking_update"
	TypeAdminMessage    Type = "admin_message"
)

func (t Type) Valid() bool {
	switch t {
	case TypeQuoteReceived, TypeInquiryReceived, TypeBookingUpdate, TypeAdminMessage:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// Notification is a user-facing alert. The delivery columns make each row
// an outbox entry drained by the Engine.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Type        Type       `json:"type"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	Link        string     `json:"link,omitempty"`
	Read        bool       `json:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	DeliveryStatus DeliveryStatus `json:"-"`
	Attempts       int            `json:"-"`
	MaxAttempts    int            `json:"-"`
	NextAttemptAt  time.Time      `json:"-"`
	LastError      *string        `json:"-"`
	DeliveredAt    *time.Time     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Intent is a request to notify one recipient.
type Intent struct {
	Recipient string `json:"recipient_id"`
	Type      Type   `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Link      string `json:"link,omitempty"`
}

func (i Intent) Validate() error {
	var errs []*apperr.Error
	if strings.TrimSpace(i.Recipient) == "" {
		errs = append(errs, apperr.Validation("recipient_id", "is required"))
	}
	if !i.Type.Valid() {
		errs = append(errs, apperr.Validation("type", "unknown notification type %q", i.Type))
	}
	if strings.TrimSpace(i.Title) == "" {
		errs = append(errs, apperr.Validation("title", "is required"))
	}
	if e := apperr.Merge(errs...); e != nil {
		return e
	}
	return nil
}

func newFromIntent(in Intent, maxAttempts int, now time.Time) *Notification {
	return &Notification{
		ID:             uuid.New(),
		RecipientID:    in.Recipient,
		Type:           in.Type,
		Title:          in.Title,
		Body:           in.Body,
		Link:           in.Link,
		DeliveryStatus: DeliveryPending,
		MaxAttempts:    maxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
