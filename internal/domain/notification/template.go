package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Built-in template ids.
const (
	TemplateInquiryReceived  = "inquiry-received"
	TemplateProviderResponse = "provider-responded"
	TemplateQuoteReceived    = "quote-received"
	TemplateDepositPaid      = "deposit-paid"
	TemplateTripConfirmed    = "trip-confirmed"
	TemplateTripCompleted    = "trip-completed"
	TemplateBookingCancelled = "booking-cancelled"
	TemplateNewMessage       = "new-message"
	TemplateQuoteRequest     = "quote-request-received"
	TemplateQuoteAccepted    = "quote-accepted"
	TemplateQuoteDeclined    = "quote-declined"
)

// Template renders the title and body of one kind of notification.
type Template struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Type  Type   `json:"type"`
}

// TemplateEngine holds notification templates keyed by id.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:    TemplateInquiryReceived,
			Name:  "Inquiry Received",
			Title: "New inquiry for {{procedures}}",
			Body:  "A traveler has asked about {{procedures}}. Reply or send a quote to move the booking forward.",
			Type:  TypeInquiryReceived,
		},
		{
			ID:    TemplateProviderResponse,
			Name:  "Provider Responded",
			Title: "{{provider}} replied to your inquiry",
			Body:  "{{message}}",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateQuoteReceived,
			Name:  "Quote Received",
			Title: "You received a quote from {{provider}}",
			Body:  "Total {{price}} {{currency}}, deposit {{deposit}} {{currency}}.",
			Type:  TypeQuoteReceived,
		},
		{
			ID:    TemplateDepositPaid,
			Name:  "Deposit Paid",
			Title: "Deposit received",
			Body:  "The traveler paid the {{deposit}} {{currency}} deposit. Please confirm the trip.",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateTripConfirmed,
			Name:  "Trip Confirmed",
			Title: "Your trip with {{provider}} is confirmed",
			Body:  "Your booking is confirmed. See the booking for details.",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateTripCompleted,
			Name:  "Trip Completed",
			Title: "Your treatment with {{provider}} is complete",
			Body:  "We hope everything went well.",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateBookingCancelled,
			Name:  "Booking Cancelled",
			Title: "A booking was cancelled",
			Body:  "The booking for {{procedures}} has been cancelled.",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateNewMessage,
			Name:  "New Message",
			Title: "New message about your booking",
			Body:  "{{preview}}",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateQuoteRequest,
			Name:  "Quote Request Received",
			Title: "New quote request for {{procedures}}",
			Body:  "A traveler requested a quote for {{procedures}}.",
			Type:  TypeInquiryReceived,
		},
		{
			ID:    TemplateQuoteAccepted,
			Name:  "Quote Accepted",
			Title: "Your quote was accepted",
			Body:  "The traveler accepted your quote for {{procedures}}.",
			Type:  TypeBookingUpdate,
		},
		{
			ID:    TemplateQuoteDeclined,
			Name:  "Quote Request Declined",
			Title: "A quote request was declined",
			Body:  "The quote request for {{procedures}} was declined.",
			Type:  TypeBookingUpdate,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, typ Type, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", "", fmt.Errorf("template %q not found", templateID)
	}

	title = t.Title
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return title, body, t.Type, nil
}
