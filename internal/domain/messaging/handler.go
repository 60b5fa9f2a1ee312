package messaging

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/bookings/:id/messages", h.List)
	api.POST("/bookings/:id/messages", h.Post)
}

type postRequest struct {
	Body string `json:"body"`
}

func (h *Handler) Post(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req postRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	m, err := h.svc.PostMessage(ctx, id, auth.UserIDFromContext(ctx), req.Body)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

// List returns messages after ?after_seq= in ascending order.
func (h *Handler) List(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		afterSeq, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after_seq")
		}
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx := c.Request().Context()
	msgs, err := h.svc.ListMessages(ctx, id, auth.UserIDFromContext(ctx), afterSeq, limit)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	lastSeq := afterSeq
	if n := len(msgs); n > 0 {
		lastSeq = msgs[n-1].Seq
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     msgs,
		"last_seq": lastSeq,
	})
}
