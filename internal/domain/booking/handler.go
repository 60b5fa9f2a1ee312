package booking

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
	"github.com/yourfavoritecat/denied-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/bookings", h.SubmitInquiry)
	api.GET("/bookings", h.List)
	api.GET("/bookings/:id", h.Get)
	api.POST("/bookings/:id/respond", h.Respond)
	api.POST("/bookings/:id/quote", h.SubmitQuote)
	api.POST("/bookings/:id/deposit", h.InitiateDeposit)
	api.POST("/bookings/:id/confirm", h.Confirm)
	api.POST("/bookings/:id/complete", h.Complete)
	api.POST("/bookings/:id/cancel", h.Cancel)
}

func (h *Handler) SubmitInquiry(c echo.Context) error {
	var in InquiryInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, err := h.svc.SubmitInquiry(ctx, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

// List returns the actor's bookings as traveler, or as provider when
// ?as=provider is given.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.UserIDFromContext(ctx)
	pg := pagination.FromContext(c)

	var (
		items []*Booking
		total int
		err   error
	)
	if c.QueryParam("as") == "provider" || c.QueryParam("provider_id") != "" {
		items, total, err = h.svc.ListForProvider(ctx, actor, c.QueryParam("provider_id"), pg.Limit, pg.Offset)
	} else {
		items, total, err = h.svc.ListForTraveler(ctx, actor, pg.Limit, pg.Offset)
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := h.svc.Get(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Respond(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in ResponseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, err := h.svc.Respond(ctx, id, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SubmitQuote(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in QuoteInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	b, err := h.svc.SubmitQuote(ctx, id, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) InitiateDeposit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	handle, err := h.svc.InitiateDepositPayment(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, handle)
}

func (h *Handler) Confirm(c echo.Context) error {
	return h.act(c, h.svc.ConfirmTrip)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.act(c, h.svc.MarkCompleted)
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.act(c, h.svc.Cancel)
}

func (h *Handler) act(c echo.Context, op func(ctx context.Context, id uuid.UUID, actor string) (*Booking, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	b, err := op(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}
