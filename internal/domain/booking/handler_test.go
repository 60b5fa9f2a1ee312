package booking

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/auth"
)

func newAuthedContext(method, target, body, user string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUserID(req.Context(), user))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != code {
		t.Fatalf("expected %d, got %v", code, err)
	}
}

func TestHandler_SubmitInquiry(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)

	body := `{"provider_id":"P1","procedures":[{"name":"Dental Crown","quantity":1}],
		"preferred_dates":{"start":"2026-03-01","end":"2026-03-15","flexible":true}}`
	c, rec := newAuthedContext(http.MethodPost, "/bookings", body, traveler)
	if err := h.SubmitInquiry(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if got["status"] != "inquiry" {
		t.Errorf("expected inquiry, got %v", got["status"])
	}
	if got["quoted_price"] != nil {
		t.Errorf("expected null quoted_price, got %v", got["quoted_price"])
	}
	window, _ := got["preferred_dates"].(map[string]interface{})
	if window["start"] != "2026-03-01" {
		t.Errorf("expected start date round trip, got %v", window["start"])
	}
}

func TestHandler_SubmitInquiryValidation(t *testing.T) {
	env := newTestEnv()
	h := NewHandler(env.svc)

	c, _ := newAuthedContext(http.MethodPost, "/bookings", `{"provider_id":"P1","procedures":[]}`, traveler)
	expectHTTPStatus(t, h.SubmitInquiry(c), http.StatusBadRequest)
}

func TestHandler_SubmitQuote(t *testing.T) {
	env := newTestEnv()
	b := env.inquiry(t)
	h := NewHandler(env.svc)

	c, rec := newAuthedContext(http.MethodPost, "/", `{"price":5000.00,"deposit_percent":25}`, providerUser)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.SubmitQuote(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"deposit_amount":1250.00`) {
		t.Errorf("expected deposit 1250.00 in body, got %s", rec.Body.String())
	}
}

func TestHandler_CancelConflict(t *testing.T) {
	env := newTestEnv()
	b := env.quoted(t)
	env.repo.set(b.ID, StatusConfirmed)
	h := NewHandler(env.svc)

	c, _ := newAuthedContext(http.MethodPost, "/", "", traveler)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	expectHTTPStatus(t, h.Cancel(c), http.StatusConflict)
}

func TestHandler_GetForbiddenAndInvalidID(t *testing.T) {
	env := newTestEnv()
	b := env.inquiry(t)
	h := NewHandler(env.svc)

	c, _ := newAuthedContext(http.MethodGet, "/", "", "stranger")
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	expectHTTPStatus(t, h.Get(c), http.StatusForbidden)

	c, _ = newAuthedContext(http.MethodGet, "/", "", traveler)
	c.SetParamNames("id")
	c.SetParamValues("nope")
	expectHTTPStatus(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_Deposit(t *testing.T) {
	env := newTestEnv()
	b := env.quoted(t)
	h := NewHandler(env.svc)

	c, rec := newAuthedContext(http.MethodPost, "/", "", traveler)
	c.SetParamNames("id")
	c.SetParamValues(b.ID.String())
	if err := h.InitiateDeposit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var handle PaymentSessionHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if handle.SessionID != "cs_test_1" {
		t.Errorf("expected session id, got %+v", handle)
	}
}

func TestHandler_ListAsProvider(t *testing.T) {
	env := newTestEnv()
	env.inquiry(t)
	h := NewHandler(env.svc)

	c, rec := newAuthedContext(http.MethodGet, "/bookings?as=provider", "", providerUser)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 booking, got %d", resp.Total)
	}

	c, rec = newAuthedContext(http.MethodGet, "/bookings", "", "nobody")
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newTestEnv().svc).RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/bookings":             false,
		"GET /api/v1/bookings/:id":          false,
		"POST /api/v1/bookings/:id/quote":   false,
		"POST /api/v1/bookings/:id/cancel":  false,
		"POST /api/v1/bookings/:id/deposit": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route %s", route)
		}
	}
}
