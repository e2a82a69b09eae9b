package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	gate "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/internal"
	"github.com/mihaimyh/goentitle/pkg/webhook"
)

const (
	maxCheckBodyBytes = 16 * 1024
	adminKeyHeader    = "X-Admin-Key"
	adminTimeout      = 5 * time.Second
)

// Error reasons
const (
	reasonInvalidRequest   = "invalid_request"
	reasonUnauthorized     = "unauthorized"
	reasonNotFound         = "not_found"
	reasonStoreUnavailable = "store_unavailable"
	reasonMalformed        = "malformed_payload"
	reasonInternal         = "internal_error"
)

var validate = validator.New()

// Handler serves the webhook, access check, health and admin endpoints
type Handler struct {
	config Config
	router chi.Router
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if h.config.AccessLog != nil {
		r.Use(hlog.NewHandler(*h.config.AccessLog))
		r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}))
	}

	r.Handle(h.config.WebhookPath, h.config.Ingestor)
	r.Post("/access/check", h.CheckAccess)
	r.With(gate.Middleware(gate.Config{
		Checker: h.config.Checker,
		Bypass:  !h.config.AccessRequired,
	})).Get("/access/me", h.Me)
	r.Get("/health", h.Health)

	if h.config.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Get("/db-ping", h.DBPing)
			r.Get("/events", h.ListEvents)
			r.Get("/events/{eventID}", h.GetEvent)
			r.Post("/events/{eventID}/replay", h.ReplayEvent)
			r.Get("/entitlements", h.LookupEntitlement)
		})
	}
	return r
}

// CheckAccess answers POST /access/check
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	body, err := internal.ReadBodyStrict(w, r, maxCheckBodyBytes)
	if err != nil {
		h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}
	var req CheckRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}

	d := h.config.Checker.Check(r.Context(), entitlement.Request{
		LicenseKey: req.LicenseKey,
		Email:      req.Email,
	})
	_ = internal.WriteJSON(w, http.StatusOK, newCheckResponse(d))
}

// Me answers GET /access/me for callers the gate let through
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)
	d, ok := gate.DecisionFromContext(r.Context())
	if !ok {
		_ = internal.WriteJSON(w, http.StatusOK, MeResponse{OK: true, Active: true, Bypassed: true})
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, MeResponse{
		OK:        true,
		Active:    d.Active,
		Plan:      d.Plan,
		ExpiresAt: d.ExpiresAt,
	})
}

// Health answers GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	_ = internal.WriteJSON(w, http.StatusOK, HealthResponse{
		OK:    true,
		Store: h.config.Backend,
		Time:  time.Now().UTC(),
	})
}

// DBPing answers GET /admin/db-ping
func (h *Handler) DBPing(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	if err := h.config.Store.Ping(ctx); err != nil {
		h.fail(w, http.StatusServiceUnavailable, reasonStoreUnavailable)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListEvents answers GET /admin/events?status=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := entitlement.EventFilter{}
	switch status := entitlement.EventStatus(r.URL.Query().Get("status")); status {
	case "", entitlement.EventReceived, entitlement.EventProcessed, entitlement.EventError:
		filter.Status = status
	default:
		h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
			return
		}
		filter.Limit = limit
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	events, err := h.config.Store.ListEvents(ctx, filter)
	if err != nil {
		h.fail(w, http.StatusServiceUnavailable, reasonStoreUnavailable)
		return
	}
	if events == nil {
		events = []*entitlement.WebhookEvent{}
	}
	_ = internal.WriteJSON(w, http.StatusOK, EventsResponse{OK: true, Events: events})
}

// GetEvent answers GET /admin/events/{eventID}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	ev, err := h.config.Store.GetEvent(ctx, chi.URLParam(r, "eventID"))
	if err != nil {
		h.storeError(w, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, EventResponse{OK: true, Event: ev})
}

// ReplayEvent answers POST /admin/events/{eventID}/replay
func (h *Handler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	outcome, err := h.config.Ingestor.Replay(r.Context(), eventID)
	switch {
	case err == nil:
		_ = internal.WriteJSON(w, http.StatusOK, ReplayResponse{OK: true, EventID: eventID, Outcome: outcome})
	case errors.Is(err, webhook.ErrMalformedPayload):
		h.fail(w, http.StatusUnprocessableEntity, reasonMalformed)
	default:
		h.storeError(w, err)
	}
}

// LookupEntitlement answers GET /admin/entitlements?licenseKey=&email=&orderId=&subscriptionId=
func (h *Handler) LookupEntitlement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lookup := entitlement.Lookup{
		LicenseKey:     q.Get("licenseKey"),
		OrderID:        q.Get("orderId"),
		SubscriptionID: q.Get("subscriptionId"),
		Email:          q.Get("email"),
	}
	if lookup.Empty() {
		h.fail(w, http.StatusBadRequest, reasonInvalidRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	ent, err := h.config.Store.FindEntitlement(ctx, lookup)
	if err != nil {
		h.storeError(w, err)
		return
	}
	d := entitlement.Evaluate(ent, time.Now())
	_ = internal.WriteJSON(w, http.StatusOK, EntitlementResponse{
		OK:          true,
		Entitlement: ent,
		Decision:    newCheckResponse(d),
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	want := []byte(h.config.AdminKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internal.SetSecurityHeaders(w)
		got := r.Header.Get(adminKeyHeader)
		if got == "" {
			got = r.URL.Query().Get("key")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			h.fail(w, http.StatusUnauthorized, reasonUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entitlement.ErrEventNotFound), errors.Is(err, entitlement.ErrEntitlementNotFound):
		h.fail(w, http.StatusNotFound, reasonNotFound)
	case entitlement.IsInfrastructureError(err):
		h.fail(w, http.StatusServiceUnavailable, reasonStoreUnavailable)
	default:
		h.fail(w, http.StatusInternalServerError, reasonInternal)
	}
}

func (h *Handler) fail(w http.ResponseWriter, code int, reason string) {
	_ = internal.WriteJSON(w, code, errorResponse{Reason: reason})
}
