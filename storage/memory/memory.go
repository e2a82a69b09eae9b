// Package memory provides an in-memory implementation of the entitlement.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Storage implements entitlement.Store using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	events       map[string]*entitlement.WebhookEvent
	entitlements map[string]*entitlement.Entitlement
	byLicenseKey map[string]string
	now          func() time.Time
}

var _ entitlement.Store = (*Storage)(nil)

// Option configures the storage
type Option func(*Storage)

// WithClock overrides the clock used for updated_at and processed_at
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// New creates a new in-memory storage adapter
func New(opts ...Option) *Storage {
	s := &Storage{
		events:       make(map[string]*entitlement.WebhookEvent),
		entitlements: make(map[string]*entitlement.Entitlement),
		byLicenseKey: make(map[string]string),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimEvent implements entitlement.EventLedger
func (s *Storage) ClaimEvent(ctx context.Context, ev *entitlement.WebhookEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ev == nil || ev.EventID == "" {
		return false, entitlement.ErrInvalidPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := ev.ReceivedAt
	if now.IsZero() {
		now = s.now().UTC()
	}

	if existing, ok := s.events[ev.EventID]; ok {
		if !existing.Reclaimable(now) {
			return false, nil
		}
		existing.Status = entitlement.EventReceived
		existing.ProcessedAt = nil
		existing.Error = ""
		existing.LeaseUntil = copyTime(ev.LeaseUntil)
		return true, nil
	}

	stored := copyEvent(ev)
	stored.Status = entitlement.EventReceived
	stored.ProcessedAt = nil
	stored.Error = ""
	stored.ReceivedAt = now
	s.events[ev.EventID] = stored
	return true, nil
}

// MarkEventProcessed implements entitlement.EventLedger
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventProcessed, "")
}

// MarkEventFailed implements entitlement.EventLedger
func (s *Storage) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	return s.finishEvent(ctx, eventID, entitlement.EventError, cause)
}

func (s *Storage) finishEvent(ctx context.Context, eventID string, status entitlement.EventStatus, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return entitlement.ErrEventNotFound
	}
	now := s.now().UTC()
	ev.Status = status
	ev.ProcessedAt = &now
	ev.Error = cause
	ev.LeaseUntil = nil
	return nil
}

// GetEvent implements entitlement.EventLedger
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, entitlement.ErrEventNotFound
	}
	return copyEvent(ev), nil
}

// ListEvents implements entitlement.EventLedger
func (s *Storage) ListEvents(ctx context.Context, filter entitlement.EventFilter) ([]*entitlement.WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*entitlement.WebhookEvent, 0, len(s.events))
	for _, ev := range s.events {
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, copyEvent(ev))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EventID > out[j].EventID
		}
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})

	limit := clampLimit(filter.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertByLicenseKey implements entitlement.EntitlementStore
func (s *Storage) UpsertByLicenseKey(ctx context.Context, p *entitlement.Patch) (*entitlement.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.HasLicenseKey() {
		return nil, entitlement.ErrInvalidPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *entitlement.Entitlement
	if id, ok := s.byLicenseKey[*p.LicenseKey]; ok {
		existing = s.entitlements[id]
	}

	merged := entitlement.Merge(existing, p, s.now().UTC())
	if merged.ID == "" {
		merged.ID = uuid.NewString()
	}
	s.entitlements[merged.ID] = merged
	s.byLicenseKey[merged.LicenseKey] = merged.ID
	return merged.Clone(), nil
}

// UpdateByReference implements entitlement.EntitlementStore
func (s *Storage) UpdateByReference(ctx context.Context, p *entitlement.Patch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !p.HasReference() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	updated := 0
	for id, ent := range s.entitlements {
		if !matchesReference(ent, p) {
			continue
		}
		merged := entitlement.Merge(ent, p, now)
		s.entitlements[id] = merged
		if merged.LicenseKey != "" {
			s.byLicenseKey[merged.LicenseKey] = id
		}
		updated++
	}
	return updated, nil
}

// FindEntitlement implements entitlement.EntitlementStore
func (s *Storage) FindEntitlement(ctx context.Context, lookup entitlement.Lookup) (*entitlement.Entitlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var match func(*entitlement.Entitlement) bool
	switch {
	case lookup.LicenseKey != "":
		if id, ok := s.byLicenseKey[lookup.LicenseKey]; ok {
			return s.entitlements[id].Clone(), nil
		}
		return nil, entitlement.ErrEntitlementNotFound
	case lookup.OrderID != "":
		match = func(e *entitlement.Entitlement) bool { return e.OrderID == lookup.OrderID }
	case lookup.SubscriptionID != "":
		match = func(e *entitlement.Entitlement) bool { return e.SubscriptionID == lookup.SubscriptionID }
	case lookup.Email != "":
		match = func(e *entitlement.Entitlement) bool { return e.Email == lookup.Email }
	default:
		return nil, entitlement.ErrEntitlementNotFound
	}

	var best *entitlement.Entitlement
	for _, ent := range s.entitlements {
		if !match(ent) {
			continue
		}
		if best == nil || ent.UpdatedAt.After(best.UpdatedAt) {
			best = ent
		}
	}
	if best == nil {
		return nil, entitlement.ErrEntitlementNotFound
	}
	return best.Clone(), nil
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func matchesReference(ent *entitlement.Entitlement, p *entitlement.Patch) bool {
	if p.OrderID != nil && *p.OrderID != "" && ent.OrderID == *p.OrderID {
		return true
	}
	return p.SubscriptionID != nil && *p.SubscriptionID != "" && ent.SubscriptionID == *p.SubscriptionID
}

func copyEvent(ev *entitlement.WebhookEvent) *entitlement.WebhookEvent {
	c := *ev
	if ev.Payload != nil {
		c.Payload = append([]byte(nil), ev.Payload...)
	}
	c.ProcessedAt = copyTime(ev.ProcessedAt)
	c.LeaseUntil = copyTime(ev.LeaseUntil)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
