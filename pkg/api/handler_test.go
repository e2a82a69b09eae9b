package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/webhook"
	"github.com/mihaimyh/goentitle/storage/memory"
)

const (
	testSecret   = "whsec_test"
	testAdminKey = "admin-secret"
)

type fixture struct {
	store    *memory.Storage
	verifier *webhook.Verifier
	handler  *Handler
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	verifier := webhook.NewVerifier(testSecret)
	ingestor, err := webhook.NewIngestor(webhook.IngestorConfig{
		Store:    store,
		Verifier: verifier,
		Classifier: &webhook.Classifier{Plans: webhook.PlanConfig{
			FixedKeys:   []string{"48H"},
			MonthlyKeys: []string{"111"},
		}},
	})
	require.NoError(t, err)
	checker, err := entitlement.NewChecker(entitlement.CheckerConfig{Store: store})
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	h, err := NewHandler(Config{
		Store:          store,
		Ingestor:       ingestor,
		Checker:        checker,
		AdminKey:       testAdminKey,
		AccessRequired: true,
		Backend:        "memory",
		AccessLog:      &logger,
	})
	require.NoError(t, err)
	return &fixture{store: store, verifier: verifier, handler: h, logs: logs}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deliver(t *testing.T, body string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, f.verifier.Sign([]byte(body)))
	rec := f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *fixture) check(t *testing.T, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/access/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(t, req)
	return rec, decode(t, rec)
}

func admin(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set(adminKeyHeader, testAdminKey)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const activeSubscription = `{
	"meta": {"event_name": "subscription_created", "event_id": "evt_sub_1"},
	"data": {"type": "subscriptions", "id": "sub_1", "attributes": {
		"order_id": 55, "user_email": "a@b.com", "variant_id": "111", "status": "active",
		"created_at": "2026-01-01T00:00:00Z"
	}}
}`

const licenseKeyCreated = `{
	"meta": {"event_name": "license_key_created", "event_id": "evt_lk_1"},
	"data": {"type": "license-keys", "id": "7", "attributes": {
		"key": "ABC123", "user_email": "a@b.com", "product_id": "111", "order_id": 55,
		"created_at": "2026-01-01T00:00:00Z"
	}}
}`

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	store := memory.New()
	_, err = NewHandler(Config{Store: store})
	assert.Error(t, err)
}

func TestHandler_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "memory", body["store"])
	assert.Contains(t, f.logs.String(), `"path":"/health"`)
}

func TestHandler_WebhookRouted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, DefaultWebhookPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_CheckAccess(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, licenseKeyCreated)

	t.Run("allowed by license key", func(t *testing.T) {
		rec, body := f.check(t, `{"licenseKey":"ABC123"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, true, body["active"])
		assert.Equal(t, entitlement.PlanMonthly, body["plan"])
		assert.NotContains(t, body, "reason")
	})

	t.Run("allowed by email", func(t *testing.T) {
		_, body := f.check(t, `{"email":"a@b.com"}`)
		assert.Equal(t, true, body["active"])
	})

	t.Run("unknown key", func(t *testing.T) {
		rec, body := f.check(t, `{"licenseKey":"NOPE"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, body["active"])
		assert.Equal(t, string(entitlement.ReasonNotFound), body["reason"])
	})

	t.Run("missing identifier", func(t *testing.T) {
		_, body := f.check(t, `{}`)
		assert.Equal(t, false, body["active"])
		assert.Equal(t, string(entitlement.ReasonMissingIdentifier), body["reason"])
	})

	for name, payload := range map[string]string{
		"bad json":     `{"licenseKey":`,
		"bad email":    `{"email":"not-an-email"}`,
		"empty body":   ``,
		"key too long": `{"licenseKey":"` + strings.Repeat("k", 256) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, body := f.check(t, payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, map[string]any{"ok": false, "reason": reasonInvalidRequest}, body)
		})
	}
}

func TestHandler_AdminRequiresKey(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/admin/db-ping", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/db-ping", nil)
	req.Header.Set(adminKeyHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, req).Code)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/admin/db-ping?key="+testAdminKey, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, admin(http.MethodGet, "/admin/db-ping"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_AdminDisabledWithoutKey(t *testing.T) {
	f := newFixture(t)
	f.handler.config.AdminKey = ""
	f.handler.router = f.handler.routes()

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/admin/db-ping?key=", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_AdminEvents(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, activeSubscription)
	f.deliver(t, licenseKeyCreated)

	rec := f.do(t, admin(http.MethodGet, "/admin/events?limit=1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var list EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Events, 1)
	assert.Equal(t, "evt_lk_1", list.Events[0].EventID, "newest first")

	rec = f.do(t, admin(http.MethodGet, "/admin/events?status=error"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Events)

	rec = f.do(t, admin(http.MethodGet, "/admin/events?status=bogus"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, admin(http.MethodGet, "/admin/events?limit=abc"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, admin(http.MethodGet, "/admin/events/evt_sub_1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var one EventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "subscription_created", one.Event.EventName)
	assert.Equal(t, entitlement.EventProcessed, one.Event.Status)

	rec = f.do(t, admin(http.MethodGet, "/admin/events/missing"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_AdminReplay(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, licenseKeyCreated)

	// Simulate a manual status change, then replay restores the provider's view
	ctx := context.Background()
	_, err := f.store.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("ABC123"),
		Status:     entitlement.StatusPtr(entitlement.StatusPaused),
	})
	require.NoError(t, err)

	rec := f.do(t, admin(http.MethodPost, "/admin/events/evt_lk_1/replay"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, webhook.OutcomeProcessed, body["outcome"])
	assert.Equal(t, "evt_lk_1", body["eventId"])

	ent, err := f.store.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "ABC123"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, ent.Status)

	rec = f.do(t, admin(http.MethodPost, "/admin/events/missing/replay"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_AdminReplayMalformed(t *testing.T) {
	f := newFixture(t)
	body := `{not json`
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, f.verifier.Sign([]byte(body)))
	req.Header.Set(webhook.EventIDHeader, "evt_bad")
	require.Equal(t, http.StatusOK, f.do(t, req).Code)

	rec := f.do(t, admin(http.MethodPost, "/admin/events/evt_bad/replay"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandler_AdminEntitlementLookup(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, licenseKeyCreated)

	rec := f.do(t, admin(http.MethodGet, "/admin/entitlements?licenseKey=ABC123"))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp EntitlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a@b.com", resp.Entitlement.Email)
	assert.True(t, resp.Decision.Active)

	rec = f.do(t, admin(http.MethodGet, "/admin/entitlements?orderId=55"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, admin(http.MethodGet, "/admin/entitlements?email=nobody@b.com"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, admin(http.MethodGet, "/admin/entitlements"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_CheckAccessExpired(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour).UTC()
	_, err := f.store.UpsertByLicenseKey(context.Background(), &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("OLD"),
		Status:     entitlement.StatusPtr(entitlement.StatusCancelled),
		ExpiresAt:  &past,
	})
	require.NoError(t, err)

	_, body := f.check(t, `{"licenseKey":"OLD"}`)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, string(entitlement.ReasonExpired), body["reason"])
	assert.NotEmpty(t, body["expiresAt"])
}

func TestHandler_AccessMeGated(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, licenseKeyCreated)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/access/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "license_required", decode(t, rec)["reason"])

	req := httptest.NewRequest(http.MethodGet, "/access/me", nil)
	req.Header.Set("X-License-Key", "NOPE")
	rec = f.do(t, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/access/me?licenseKey=ABC123", nil)
	rec = f.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, entitlement.PlanMonthly, body["plan"])
}

func TestHandler_AccessMeBypassed(t *testing.T) {
	f := newFixture(t)
	f.handler.config.AccessRequired = false
	f.handler.router = f.handler.routes()

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/access/me", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true, "active": true, "bypassed": true}, decode(t, rec))
}
