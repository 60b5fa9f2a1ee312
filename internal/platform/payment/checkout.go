// Package payment creates hosted checkout sessions for booking deposits and
// receives the provider's payment webhooks.
package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

// MetadataBookingID is the session metadata key carrying the booking id.
const MetadataBookingID = "booking_id"

// CheckoutRequest describes a deposit to collect.
type CheckoutRequest struct {
	BookingID   string
	TravelerID  string
	Description string
	Amount      money.Amount
	Currency    string
}

// CheckoutSession is the handle returned to the traveler.
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// CheckoutCreator starts a payment for a booking deposit.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

type StripeConfig struct {
	SecretKey string
	// SuccessURL and CancelURL may contain {booking_id}.
	SuccessURL string
	CancelURL  string
	// Backend overrides the API backend; nil uses the default.
	Backend stripe.Backend
}

// StripeCheckout creates Stripe Checkout sessions in payment mode.
type StripeCheckout struct {
	client     session.Client
	successURL string
	cancelURL  string
}

func NewStripeCheckout(cfg StripeConfig) *StripeCheckout {
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeCheckout{
		client:     session.Client{B: backend, Key: cfg.SecretKey},
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

func (s *StripeCheckout) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.Amount <= 0 {
		return nil, apperr.Validation("deposit_amount", "must be positive")
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.BookingID),
		SuccessURL:        stripe.String(expand(s.successURL, req.BookingID)),
		CancelURL:         stripe.String(expand(s.cancelURL, req.BookingID)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(int64(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	params.Context = ctx
	params.AddMetadata(MetadataBookingID, req.BookingID)
	params.AddMetadata("traveler_id", req.TravelerID)

	sess, err := s.client.New(params)
	if err != nil {
		return nil, apperr.Transient("create checkout session", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func expand(tmpl, bookingID string) string {
	return strings.ReplaceAll(tmpl, "{booking_id}", bookingID)
}

// Unconfigured is used when no payment provider is configured.
type Unconfigured struct{}

func (Unconfigured) CreateCheckoutSession(context.Context, CheckoutRequest) (*CheckoutSession, error) {
	return nil, apperr.Transient("create checkout session", fmt.Errorf("payments are not configured"))
}
