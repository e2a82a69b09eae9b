package entitlement

import (
	"context"
	"fmt"
)

// EventLedger is the append-only audit trail and idempotency boundary for webhook deliveries.
type EventLedger interface {
	// ClaimEvent inserts the event with status received and the event's LeaseUntil.
	// Returns false when the event id already exists and is not Reclaimable at the event's
	// ReceivedAt (duplicate). A reclaimable row is reset to received with the new lease,
	// keeping its original received_at and payload.
	ClaimEvent(ctx context.Context, ev *WebhookEvent) (bool, error)

	// MarkEventProcessed sets status processed and processed_at.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// MarkEventFailed sets status error, processed_at and the error message.
	MarkEventFailed(ctx context.Context, eventID, cause string) error

	// GetEvent returns ErrEventNotFound when the id is unknown.
	GetEvent(ctx context.Context, eventID string) (*WebhookEvent, error)

	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, filter EventFilter) ([]*WebhookEvent, error)
}

// EntitlementStore persists entitlement rows with merge-upsert semantics.
type EntitlementStore interface {
	// UpsertByLicenseKey atomically inserts or merges the row identified by the patch license key.
	UpsertByLicenseKey(ctx context.Context, p *Patch) (*Entitlement, error)

	// UpdateByReference merges the patch into rows matching its order or subscription id.
	// Returns the number of rows updated.
	UpdateByReference(ctx context.Context, p *Patch) (int, error)

	// FindEntitlement returns ErrEntitlementNotFound when nothing matches.
	FindEntitlement(ctx context.Context, lookup Lookup) (*Entitlement, error)
}

// Store is the full persistence contract consumed by the ingestor and the checker.
type Store interface {
	EventLedger
	EntitlementStore

	// Ping checks the backend connection
	Ping(ctx context.Context) error
}

// Apply routes a patch to the appropriate store statement.
// Patches with a license key upsert; others update by order/subscription reference and
// return ErrCorrelationMiss when no row matched.
func Apply(ctx context.Context, s EntitlementStore, p *Patch) error {
	if p == nil {
		return ErrInvalidPatch
	}
	if p.HasLicenseKey() {
		_, err := s.UpsertByLicenseKey(ctx, p)
		return err
	}
	if !p.HasReference() {
		return fmt.Errorf("%w: no license key, order id or subscription id", ErrCorrelationMiss)
	}
	n, err := s.UpdateByReference(ctx, p)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCorrelationMiss
	}
	return nil
}
