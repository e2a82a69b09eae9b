package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection and storage metrics.
// An open circuit surfaces as ErrStoreUnavailable, so readers fail closed and the ingestor
// answers with a retryable status.
type CircuitBreakerStore struct {
	store   Store
	cb      CircuitBreaker
	metrics Metrics
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStore{store: store, cb: cb, metrics: metrics}
}

func (s *CircuitBreakerStore) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStore) ClaimEvent(ctx context.Context, ev *WebhookEvent) (bool, error) {
	var claimed bool
	err := s.run(ctx, "claim_event", func() error {
		var e error
		claimed, e = s.store.ClaimEvent(ctx, ev)
		return e
	})
	return claimed, err
}

func (s *CircuitBreakerStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	return s.run(ctx, "mark_event_processed", func() error {
		return s.store.MarkEventProcessed(ctx, eventID)
	})
}

func (s *CircuitBreakerStore) MarkEventFailed(ctx context.Context, eventID, cause string) error {
	return s.run(ctx, "mark_event_failed", func() error {
		return s.store.MarkEventFailed(ctx, eventID, cause)
	})
}

func (s *CircuitBreakerStore) GetEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var ev *WebhookEvent
	err := s.run(ctx, "get_event", func() error {
		var e error
		ev, e = s.store.GetEvent(ctx, eventID)
		return e
	})
	return ev, err
}

func (s *CircuitBreakerStore) ListEvents(ctx context.Context, filter EventFilter) ([]*WebhookEvent, error) {
	var events []*WebhookEvent
	err := s.run(ctx, "list_events", func() error {
		var e error
		events, e = s.store.ListEvents(ctx, filter)
		return e
	})
	return events, err
}

func (s *CircuitBreakerStore) UpsertByLicenseKey(ctx context.Context, p *Patch) (*Entitlement, error) {
	var ent *Entitlement
	err := s.run(ctx, "upsert_entitlement", func() error {
		var e error
		ent, e = s.store.UpsertByLicenseKey(ctx, p)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) UpdateByReference(ctx context.Context, p *Patch) (int, error) {
	var n int
	err := s.run(ctx, "update_entitlement", func() error {
		var e error
		n, e = s.store.UpdateByReference(ctx, p)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStore) FindEntitlement(ctx context.Context, lookup Lookup) (*Entitlement, error) {
	var ent *Entitlement
	err := s.run(ctx, "find_entitlement", func() error {
		var e error
		ent, e = s.store.FindEntitlement(ctx, lookup)
		return e
	})
	return ent, err
}

func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", func() error {
		return s.store.Ping(ctx)
	})
}
