package quote

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
	api.POST("/quote-requests", h.Submit)
	api.GET("/quote-requests", h.List)
	api.GET("/quote-requests/:id", h.Get)
	api.POST("/quote-requests/:id/accept", h.Accept)
	api.POST("/quote-requests/:id/decline", h.Decline)
}

func (h *Handler) Submit(c echo.Context) error {
	var in SubmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	q, err := h.svc.Submit(ctx, auth.UserIDFromContext(ctx), in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, q)
}

// List returns the actor's requests as traveler, or as provider when
// ?as=provider or ?provider_id= is given.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.UserIDFromContext(ctx)
	pg := pagination.FromContext(c)

	var (
		items []*QuoteRequest
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
	return h.act(c, h.svc.Get)
}

func (h *Handler) Accept(c echo.Context) error {
	return h.act(c, h.svc.Accept)
}

func (h *Handler) Decline(c echo.Context) error {
	return h.act(c, h.svc.Decline)
}

func (h *Handler) act(c echo.Context, fn func(ctx context.Context, id uuid.UUID, actor string) (*QuoteRequest, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	q, err := fn(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, q)
}
