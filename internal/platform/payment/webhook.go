package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/pkg/money"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"

	maxWebhookBody = 64 * 1024
)

// PaidSession is a completed checkout as reported by the provider. Amount is
// in minor units.
type PaidSession struct {
	ID       string
	Amount   money.Amount
	Currency string
}

// DepositRecorder records that the deposit for a booking has been paid.
type DepositRecorder interface {
	RecordDepositPaid(ctx context.Context, bookingID uuid.UUID, paid PaidSession) error
}

type WebhookHandler struct {
	secret   string
	recorder DepositRecorder
	logger   zerolog.Logger
}

func NewWebhookHandler(secret string, recorder DepositRecorder, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{secret: secret, recorder: recorder, logger: logger}
}

func (h *WebhookHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/payments/stripe/webhook", h.Handle)
}

// Handle verifies the signature and applies paid checkout sessions. Events
// that cannot apply (unknown booking, booking no longer quoted) are
// acknowledged so the provider stops retrying; store failures return 503.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	event, err := webhook.ConstructEvent(payload, c.Request().Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn().Err(err).Msg("rejected payment webhook")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	switch string(event.Type) {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
	default:
		return c.NoContent(http.StatusOK)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed checkout session")
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.Info().Str("session", sess.ID).Str("payment_status", string(sess.PaymentStatus)).
			Msg("checkout completed without payment; waiting for async result")
		return c.NoContent(http.StatusOK)
	}

	ref := sess.Metadata[MetadataBookingID]
	if ref == "" {
		ref = sess.ClientReferenceID
	}
	bookingID, err := uuid.Parse(ref)
	if err != nil {
		h.logger.Error().Str("session", sess.ID).Str("reference", ref).Msg("checkout session has no booking reference")
		return c.NoContent(http.StatusOK)
	}

	paid := PaidSession{ID: sess.ID, Amount: money.Amount(sess.AmountTotal), Currency: string(sess.Currency)}
	err = h.recorder.RecordDepositPaid(c.Request().Context(), bookingID, paid)
	switch {
	case err == nil:
		h.logger.Info().Str("booking", bookingID.String()).Str("session", sess.ID).Msg("deposit recorded")
		return c.NoContent(http.StatusOK)
	case apperr.IsTransient(err):
		return apperr.HTTPError(err)
	case apperr.IsValidation(err):
		h.logger.Warn().Err(err).Str("booking", bookingID.String()).Str("session", sess.ID).
			Int64("amount", sess.AmountTotal).Msg("paid checkout does not match the booking's deposit")
		return c.NoContent(http.StatusOK)
	default:
		h.logger.Error().Err(err).Str("booking", bookingID.String()).Str("session", sess.ID).
			Msg("paid checkout could not be applied")
		return c.NoContent(http.StatusOK)
	}
}
