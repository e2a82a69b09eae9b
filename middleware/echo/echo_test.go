package echo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type fakeChecker map[string]entitlement.Decision

func (c fakeChecker) Check(_ context.Context, req entitlement.Request) entitlement.Decision {
	id := req.LicenseKey
	if id == "" {
		id = req.Email
	}
	if id == "" {
		return entitlement.Decision{Reason: entitlement.ReasonMissingIdentifier}
	}
	if d, ok := c[id]; ok {
		return d
	}
	return entitlement.Decision{Reason: entitlement.ReasonNotFound}
}

var checker = fakeChecker{
	"GOOD":    {Active: true, Plan: entitlement.PlanFixed},
	"a@b.com": {Active: true},
	"PAUSED":  {Reason: entitlement.ReasonStatusBlocked},
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if email := c.Request().Header.Get("X-Test-Email"); email != "" {
				c.Set("email", email)
			}
			return next(c)
		}
	})
	e.Use(Middleware(cfg))
	e.Any("/api", func(c echo.Context) error {
		plan := ""
		if d, ok := DecisionFromContext(c); ok {
			plan = d.Plan
		}
		body, _ := io.ReadAll(c.Request().Body)
		return c.JSON(http.StatusOK, map[string]string{"plan": plan, "body": string(body)})
	})
	return e
}

func serve(e *echo.Echo, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestMiddleware_HeaderKey(t *testing.T) {
	e := setupEcho(Config{Checker: checker})

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-License-Key", "GOOD")
	rec, body := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entitlement.PlanFixed, body["plan"])
}

func TestMiddleware_JSONBodyKey(t *testing.T) {
	e := setupEcho(Config{Checker: checker})

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader(`{"licenseKey":"GOOD"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec, body := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"licenseKey":"GOOD"}`, body["body"])
}

func TestMiddleware_QueryKey(t *testing.T) {
	e := setupEcho(Config{Checker: checker})

	rec, _ := serve(e, httptest.NewRequest(http.MethodGet, "/api?licenseKey=GOOD", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_Denials(t *testing.T) {
	e := setupEcho(Config{Checker: checker})

	rec, body := serve(e, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, map[string]any{"ok": false, "reason": "license_required"}, body)

	rec, body = serve(e, httptest.NewRequest(http.MethodGet, "/api?licenseKey=PAUSED", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "status_blocked", body["reason"])
}

func TestMiddleware_EmailFromContext(t *testing.T) {
	e := setupEcho(Config{Checker: checker, GetEmail: FromContext("email")})

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Test-Email", "a@b.com")
	rec, _ := serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_CustomDenied(t *testing.T) {
	e := setupEcho(Config{
		Checker:       checker,
		GetLicenseKey: FromHeader("X-Key"),
		OnDenied: func(c echo.Context, d entitlement.Decision) error {
			return c.String(http.StatusPaymentRequired, string(d.Reason))
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Key", "NOPE")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "not_found", rec.Body.String())
}

func TestMiddleware_Bypass(t *testing.T) {
	e := setupEcho(Config{Bypass: true})

	rec, _ := serve(e, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_RequiresChecker(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
