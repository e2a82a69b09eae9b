package entitlement

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of an entitlement row
type Status string

const (
	// StatusPending is the state of a row created before any activating event
	StatusPending Status = "pending"
	// StatusActive grants access
	StatusActive Status = "active"
	// StatusCancelled grants access until ExpiresAt passes (grace period)
	StatusCancelled Status = "cancelled"
	// StatusExpired is terminal
	StatusExpired Status = "expired"
	// StatusPaused blocks access until the subscription is resumed
	StatusPaused Status = "paused"
	// StatusRevoked is terminal (refunds)
	StatusRevoked Status = "revoked"
)

// ParseStatus normalizes a stored or provider status string.
// Unknown values map to StatusPending so they never grant access.
func ParseStatus(s string) Status {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusCancelled, StatusExpired, StatusPaused, StatusRevoked, StatusPending:
		return st
	default:
		return StatusPending
	}
}

// Terminal reports whether no later event may move the row back to a granting state.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// GrantsAccess reports whether the status allows access (expiry is checked separately).
func (s Status) GrantsAccess() bool {
	return s == StatusActive || s == StatusCancelled
}

// Plan names produced by the classifier
const (
	PlanFixed   = "fixed"
	PlanMonthly = "monthly"
	PlanAnnual  = "annual"
	PlanUnknown = "unknown"
)

// EventStatus is the processing state of a stored webhook delivery
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventError     EventStatus = "error"
)

// WebhookEvent is one stored delivery. Only Status, ProcessedAt, Error and LeaseUntil change
// after insert.
type WebhookEvent struct {
	EventID     string          `json:"event_id"`
	EventName   string          `json:"event_name"`
	ReceivedAt  time.Time       `json:"received_at"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Status      EventStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`

	// LeaseUntil bounds a received claim. A received event whose lease has passed was
	// abandoned mid-processing and can be claimed again. Nil never expires.
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
}

// Reclaimable reports whether a stored event may be claimed by a delivery arriving at now.
func (e *WebhookEvent) Reclaimable(now time.Time) bool {
	switch e.Status {
	case EventError:
		return true
	case EventReceived:
		return e.LeaseUntil != nil && e.LeaseUntil.Before(now)
	default:
		return false
	}
}

// Entitlement is the ledger row that the access decision is computed from
type Entitlement struct {
	ID             string         `json:"id"`
	Email          string         `json:"email,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	LicenseKey     string         `json:"license_key,omitempty"`
	Plan           string         `json:"plan,omitempty"`
	Status         Status         `json:"status"`
	StartsAt       *time.Time     `json:"starts_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out rows without sharing state.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.StartsAt != nil {
		t := *e.StartsAt
		c.StartsAt = &t
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.Meta != nil {
		c.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// Patch is a partial update. Nil fields keep the existing column value.
type Patch struct {
	Email          *string
	CustomerID     *string
	OrderID        *string
	SubscriptionID *string
	LicenseKey     *string
	Plan           *string
	Status         *Status
	StartsAt       *time.Time
	ExpiresAt      *time.Time

	// DefaultExpiresAt is applied only when neither the patch nor the row carries an expiry.
	DefaultExpiresAt *time.Time

	// ClearExpiresAt removes the row's expiry. Ignored when ExpiresAt is set.
	ClearExpiresAt bool

	Meta map[string]any
}

// HasLicenseKey reports whether the patch can be keyed by license key
func (p *Patch) HasLicenseKey() bool {
	return p != nil && p.LicenseKey != nil && *p.LicenseKey != ""
}

// HasReference reports whether the patch carries an order or subscription id to correlate on
func (p *Patch) HasReference() bool {
	if p == nil {
		return false
	}
	return (p.OrderID != nil && *p.OrderID != "") || (p.SubscriptionID != nil && *p.SubscriptionID != "")
}

// Lookup identifies the entitlement to read. The first non-empty field wins,
// in the order LicenseKey, OrderID, SubscriptionID, Email.
type Lookup struct {
	LicenseKey     string
	OrderID        string
	SubscriptionID string
	Email          string
}

// Empty reports whether no identifier is set
func (l Lookup) Empty() bool {
	return l.LicenseKey == "" && l.OrderID == "" && l.SubscriptionID == "" && l.Email == ""
}

// EventFilter narrows ListEvents results
type EventFilter struct {
	Status EventStatus
	Limit  int
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StatusPtr returns a pointer to s
func StatusPtr(s Status) *Status {
	return &s
}

// TimePtr returns a pointer to t, or nil for the zero time
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
