package messaging

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

const (
	MaxBodyLength = 5000

	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Message is one entry in a booking's thread. Seq is 1-based and gapless per
// booking.
type Message struct {
	ID        uuid.UUID `json:"id"`
	BookingID uuid.UUID `json:"booking_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperr.Validation("body", "must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return apperr.Validation("body", "must be at most %d characters", MaxBodyLength)
	}
	return nil
}

// preview shortens body for notification text.
func preview(body string) string {
	const limit = 140
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= limit {
		return body
	}
	r := []rune(body)
	return string(r[:limit-1]) + "…"
}
