package api

import (
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// CheckRequest is the body of POST /access/check
type CheckRequest struct {
	LicenseKey string `json:"licenseKey" validate:"omitempty,max=255"`
	Email      string `json:"email" validate:"omitempty,email,max=320"`
}

// CheckResponse is the access decision as returned to clients
type CheckResponse struct {
	OK        bool       `json:"ok"`
	Active    bool       `json:"active"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Plan      string     `json:"plan,omitempty"`
}

// MeResponse is returned to callers that passed the access gate
type MeResponse struct {
	OK        bool       `json:"ok"`
	Active    bool       `json:"active"`
	Bypassed  bool       `json:"bypassed,omitempty"`
	Plan      string     `json:"plan,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// HealthResponse reports liveness
type HealthResponse struct {
	OK    bool      `json:"ok"`
	Store string    `json:"store"`
	Time  time.Time `json:"time"`
}

// EventsResponse lists stored webhook deliveries
type EventsResponse struct {
	OK     bool                        `json:"ok"`
	Events []*entitlement.WebhookEvent `json:"events"`
}

// EventResponse wraps a single stored delivery
type EventResponse struct {
	OK    bool                      `json:"ok"`
	Event *entitlement.WebhookEvent `json:"event"`
}

// ReplayResponse reports the outcome of re-running a stored event
type ReplayResponse struct {
	OK      bool   `json:"ok"`
	EventID string `json:"eventId"`
	Outcome string `json:"outcome"`
}

// EntitlementResponse wraps an entitlement row together with its current decision
type EntitlementResponse struct {
	OK          bool                     `json:"ok"`
	Entitlement *entitlement.Entitlement `json:"entitlement"`
	Decision    CheckResponse            `json:"decision"`
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func newCheckResponse(d entitlement.Decision) CheckResponse {
	return CheckResponse{
		OK:        true,
		Active:    d.Active,
		Reason:    string(d.Reason),
		ExpiresAt: d.ExpiresAt,
		Plan:      d.Plan,
	}
}
