package webhook

import (
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// EventKind is the classification of a provider event name
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPurchase
	KindSubscriptionActive
	KindSubscriptionResumed
	KindSubscriptionCancelled
	KindSubscriptionExpired
	KindSubscriptionPaused
	KindRefund
)

var kindNames = map[EventKind]string{
	KindUnknown:               "unknown",
	KindPurchase:              "purchase",
	KindSubscriptionActive:    "subscription_active",
	KindSubscriptionResumed:   "subscription_resumed",
	KindSubscriptionCancelled: "subscription_cancelled",
	KindSubscriptionExpired:   "subscription_expired",
	KindSubscriptionPaused:    "subscription_paused",
	KindRefund:                "refund",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

var exactKinds = map[string]EventKind{
	"order_created":                 KindPurchase,
	"order_paid":                    KindPurchase,
	"license_key_created":           KindPurchase,
	"subscription_created":          KindSubscriptionActive,
	"subscription_payment_success":  KindSubscriptionActive,
	"subscription_resumed":          KindSubscriptionResumed,
	"subscription_unpaused":         KindSubscriptionResumed,
	"subscription_cancelled":        KindSubscriptionCancelled,
	"subscription_expired":          KindSubscriptionExpired,
	"subscription_paused":           KindSubscriptionPaused,
	"order_refunded":                KindRefund,
	"subscription_payment_refunded": KindRefund,
}

// family rules are evaluated in order after the exact table
var familyRules = []struct {
	match func(name string) bool
	kind  EventKind
}{
	{func(n string) bool { return strings.Contains(n, "refund") || strings.Contains(n, "refinanced") }, KindRefund},
	{func(n string) bool { return strings.HasSuffix(n, "payment_success") }, KindSubscriptionActive},
	{func(n string) bool { return strings.HasSuffix(n, "resumed") || strings.HasSuffix(n, "unpaused") }, KindSubscriptionResumed},
}

// KindOf classifies an event name, case-insensitively.
func KindOf(eventName string) EventKind {
	name := strings.ToLower(strings.TrimSpace(eventName))
	if name == "" {
		return KindUnknown
	}
	if k, ok := exactKinds[name]; ok {
		return k
	}
	for _, rule := range familyRules {
		if rule.match(name) {
			return rule.kind
		}
	}
	return KindUnknown
}

// Classifier turns a parsed delivery into an entitlement patch.
type Classifier struct {
	Plans PlanConfig

	// Now is the clock (default: time.Now)
	Now func() time.Time
}

type kindHandler func(c *Classifier, attrs map[string]any, p *entitlement.Patch, now time.Time)

var kindHandlers = map[EventKind]kindHandler{
	KindPurchase:              (*Classifier).purchase,
	KindSubscriptionActive:    (*Classifier).subscriptionActive,
	KindSubscriptionResumed:   (*Classifier).subscriptionResumed,
	KindSubscriptionCancelled: (*Classifier).subscriptionCancelled,
	KindSubscriptionExpired:   (*Classifier).subscriptionExpired,
	KindSubscriptionPaused:    (*Classifier).subscriptionPaused,
	KindRefund:                (*Classifier).refund,
}

// Classify returns the patch for env and its kind. Unknown events return a nil patch.
func (c *Classifier) Classify(env *Envelope) (*entitlement.Patch, EventKind) {
	if env == nil {
		return nil, KindUnknown
	}
	kind := KindOf(env.EventName)
	handler, ok := kindHandlers[kind]
	if !ok {
		return nil, KindUnknown
	}

	now := c.now()
	attrs := env.Attributes()
	if attrs == nil {
		attrs = map[string]any{}
	}

	p := c.basePatch(env, attrs)
	handler(c, attrs, p, now)
	return p, kind
}

func (c *Classifier) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Classifier) basePatch(env *Envelope, attrs map[string]any) *entitlement.Patch {
	dataType := stringAt(env.Doc, "data", "type")
	dataID := stringAt(env.Doc, "data", "id")

	p := &entitlement.Patch{
		LicenseKey: entitlement.StringPtr(firstString(attrs, "key", "license_key")),
		Email:      entitlement.StringPtr(firstString(attrs, "user_email", "customer_email", "email")),
		CustomerID: entitlement.StringPtr(stringAt(attrs, "customer_id")),
		Meta: map[string]any{
			"last_event":    env.EventName,
			"last_event_id": env.EventID,
		},
	}

	orderID := stringAt(attrs, "order_id")
	if orderID == "" && dataType == "orders" {
		orderID = dataID
	}
	p.OrderID = entitlement.StringPtr(orderID)

	subscriptionID := stringAt(attrs, "subscription_id")
	if subscriptionID == "" && dataType == "subscriptions" {
		subscriptionID = dataID
	}
	p.SubscriptionID = entitlement.StringPtr(subscriptionID)

	if key := PlanKey(attrs); key != "" {
		p.Plan = entitlement.StringPtr(c.Plans.PlanFor(key))
		p.Meta["product_key"] = key
	}
	if status := stringAt(attrs, "status"); status != "" {
		p.Meta["provider_status"] = status
	}
	for k, v := range objectAt(env.Doc, "meta", "custom_data") {
		p.Meta["custom_"+k] = v
	}
	return p
}

func (c *Classifier) purchase(attrs map[string]any, p *entitlement.Patch, now time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusActive)

	anchor := now
	if created := parseTime(attrs["created_at"]); created != nil {
		anchor = *created
	}
	p.StartsAt = &anchor

	if p.Plan != nil && *p.Plan == entitlement.PlanFixed {
		expires := anchor.Add(c.Plans.fixedDuration())
		p.DefaultExpiresAt = &expires
	}
}

func (c *Classifier) subscriptionActive(_ map[string]any, p *entitlement.Patch, _ time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusActive)
}

func (c *Classifier) subscriptionResumed(_ map[string]any, p *entitlement.Patch, _ time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusActive)
	p.ClearExpiresAt = true
}

func (c *Classifier) subscriptionCancelled(attrs map[string]any, p *entitlement.Patch, _ time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusCancelled)
	p.ExpiresAt = parseTime(attrs["ends_at"])
}

func (c *Classifier) subscriptionExpired(_ map[string]any, p *entitlement.Patch, now time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusExpired)
	p.ExpiresAt = &now
}

func (c *Classifier) subscriptionPaused(_ map[string]any, p *entitlement.Patch, _ time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusPaused)
}

func (c *Classifier) refund(_ map[string]any, p *entitlement.Patch, now time.Time) {
	p.Status = entitlement.StatusPtr(entitlement.StatusRevoked)
	p.ExpiresAt = &now
}

func firstString(attrs map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringify(attrs[k]); v != "" {
			return v
		}
	}
	return ""
}
