// Package storetest is a conformance suite shared by the entitlement.Store backends.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) entitlement.Store

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s entitlement.Store)
	}{
		{"ClaimEvent", testClaimEvent},
		{"ReclaimAfterError", testReclaimAfterError},
		{"ReclaimAfterLease", testReclaimAfterLease},
		{"GetEvent", testGetEvent},
		{"ListEvents", testListEvents},
		{"UpsertCreates", testUpsertCreates},
		{"UpsertNullPreserving", testUpsertNullPreserving},
		{"UpsertTerminalGuard", testUpsertTerminalGuard},
		{"UpsertDefaultExpiryStable", testUpsertDefaultExpiryStable},
		{"UpsertClearExpiry", testUpsertClearExpiry},
		{"UpdateByReference", testUpdateByReference},
		{"UpdateByReferenceNoMatch", testUpdateByReferenceNoMatch},
		{"FindEntitlement", testFindEntitlement},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func event(id string, receivedAt time.Time) *entitlement.WebhookEvent {
	return &entitlement.WebhookEvent{
		EventID:    id,
		EventName:  "order_created",
		ReceivedAt: receivedAt,
		Payload:    []byte(`{"meta":{"event_name":"order_created"}}`),
		Status:     entitlement.EventReceived,
	}
}

func assertTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %s, got %s", want, *got)
}

func testClaimEvent(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	ev := event("evt_claim", time.Now().UTC())

	claimed, err := s.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim is a duplicate")

	require.NoError(t, s.MarkEventProcessed(ctx, ev.EventID))
	claimed, err = s.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, claimed, "processed events are never re-claimed")
}

func testReclaimAfterError(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	first := time.Now().UTC().Truncate(time.Second)
	ev := event("evt_retry", first)

	claimed, err := s.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.MarkEventFailed(ctx, ev.EventID, "store unavailable"))

	claimed, err = s.ClaimEvent(ctx, event("evt_retry", first.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, claimed, "events in error state are re-claimable")

	got, err := s.GetEvent(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventReceived, got.Status)
	assert.Empty(t, got.Error)
	assert.Nil(t, got.ProcessedAt)
	assert.True(t, first.Equal(got.ReceivedAt), "re-claim keeps the first delivery time")
}

func leasedEvent(id string, receivedAt time.Time, lease time.Duration) *entitlement.WebhookEvent {
	ev := event(id, receivedAt)
	until := receivedAt.Add(lease)
	ev.LeaseUntil = &until
	return ev
}

func testReclaimAfterLease(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)

	claimed, err := s.ClaimEvent(ctx, leasedEvent("evt_lease", t0, time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.ClaimEvent(ctx, leasedEvent("evt_lease", t0.Add(30*time.Second), time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "a claim inside its lease is still held")

	claimed, err = s.ClaimEvent(ctx, leasedEvent("evt_lease", t0.Add(2*time.Minute), time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed, "an abandoned claim is taken over once its lease passed")

	got, err := s.GetEvent(ctx, "evt_lease")
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventReceived, got.Status)
	assert.True(t, t0.Equal(got.ReceivedAt))
	assertTime(t, t0.Add(3*time.Minute), got.LeaseUntil)

	require.NoError(t, s.MarkEventProcessed(ctx, "evt_lease"))
	claimed, err = s.ClaimEvent(ctx, leasedEvent("evt_lease", t0.Add(time.Hour), time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "processed events are never re-claimed")

	unleased := event("evt_no_lease", t0)
	claimed, err = s.ClaimEvent(ctx, unleased)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = s.ClaimEvent(ctx, event("evt_no_lease", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, claimed, "a claim without a lease is held until marked")
}

func testGetEvent(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	_, err := s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, entitlement.ErrEventNotFound)

	ev := event("evt_get", time.Now().UTC().Truncate(time.Second))
	_, err = s.ClaimEvent(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, s.MarkEventFailed(ctx, ev.EventID, "boom"))

	got, err := s.GetEvent(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, "order_created", got.EventName)
	assert.Equal(t, entitlement.EventError, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.ProcessedAt)
	assert.JSONEq(t, string(ev.Payload), string(got.Payload))
	assert.True(t, ev.ReceivedAt.Equal(got.ReceivedAt))
}

func testListEvents(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	for i := 0; i < 5; i++ {
		ev := event(fmt.Sprintf("evt_list_%d", i), base.Add(time.Duration(i)*time.Minute))
		_, err := s.ClaimEvent(ctx, ev)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, s.MarkEventProcessed(ctx, ev.EventID))
		}
	}

	all, err := s.ListEvents(ctx, entitlement.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "evt_list_4", all[0].EventID, "newest first")

	processed, err := s.ListEvents(ctx, entitlement.EventFilter{Status: entitlement.EventProcessed})
	require.NoError(t, err)
	assert.Len(t, processed, 3)

	limited, err := s.ListEvents(ctx, entitlement.EventFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testUpsertCreates(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expires := created.Add(48 * time.Hour)

	ent, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:       entitlement.StringPtr("ABC123"),
		Email:            entitlement.StringPtr("a@b.com"),
		Plan:             entitlement.StringPtr(entitlement.PlanFixed),
		Status:           entitlement.StatusPtr(entitlement.StatusActive),
		StartsAt:         &created,
		DefaultExpiresAt: &expires,
		Meta:             map[string]any{"last_event": "license_key_created"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ent.ID)
	assert.Equal(t, entitlement.StatusActive, ent.Status)
	assertTime(t, expires, ent.ExpiresAt)

	again, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{LicenseKey: entitlement.StringPtr("ABC123")})
	require.NoError(t, err)
	assert.Equal(t, ent.ID, again.ID, "one row per license key")
}

func testUpsertNullPreserving(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_merge"),
		Email:      entitlement.StringPtr("a@example.com"),
		OrderID:    entitlement.StringPtr("1001"),
		Status:     entitlement.StatusPtr(entitlement.StatusActive),
		Meta:       map[string]any{"k1": "a"},
	})
	require.NoError(t, err)

	_, err = s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_merge"),
		CustomerID: entitlement.StringPtr("cus_1"),
		Meta:       map[string]any{"k2": "b"},
	})
	require.NoError(t, err)

	got, err := s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk_merge"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, "1001", got.OrderID)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, "a", got.Meta["k1"])
	assert.Equal(t, "b", got.Meta["k2"])
}

func testUpsertTerminalGuard(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	revokedAt := time.Now().UTC().Truncate(time.Second)

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_refund"),
		Status:     entitlement.StatusPtr(entitlement.StatusRevoked),
		ExpiresAt:  &revokedAt,
	})
	require.NoError(t, err)

	later := revokedAt.Add(30 * 24 * time.Hour)
	got, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_refund"),
		Status:     entitlement.StatusPtr(entitlement.StatusActive),
		ExpiresAt:  &later,
	})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusRevoked, got.Status)
	assertTime(t, revokedAt, got.ExpiresAt)
}

func testUpsertDefaultExpiryStable(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	first := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:       entitlement.StringPtr("lk_fixed"),
		Status:           entitlement.StatusPtr(entitlement.StatusActive),
		DefaultExpiresAt: &first,
	})
	require.NoError(t, err)

	got, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:       entitlement.StringPtr("lk_fixed"),
		Status:           entitlement.StatusPtr(entitlement.StatusActive),
		DefaultExpiresAt: &second,
	})
	require.NoError(t, err)
	assertTime(t, first, got.ExpiresAt)
}

func testUpsertClearExpiry(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	ends := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_resume"),
		Status:     entitlement.StatusPtr(entitlement.StatusCancelled),
		ExpiresAt:  &ends,
	})
	require.NoError(t, err)

	got, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:     entitlement.StringPtr("lk_resume"),
		Status:         entitlement.StatusPtr(entitlement.StatusActive),
		ClearExpiresAt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Nil(t, got.ExpiresAt)
}

func testUpdateByReference(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:     entitlement.StringPtr("lk_sub"),
		OrderID:        entitlement.StringPtr("2001"),
		SubscriptionID: entitlement.StringPtr("sub_1"),
		Status:         entitlement.StatusPtr(entitlement.StatusActive),
		Meta:           map[string]any{"k1": "a"},
	})
	require.NoError(t, err)

	ends := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.UpdateByReference(ctx, &entitlement.Patch{
		SubscriptionID: entitlement.StringPtr("sub_1"),
		Status:         entitlement.StatusPtr(entitlement.StatusCancelled),
		ExpiresAt:      &ends,
		Meta:           map[string]any{"last_event": "subscription_cancelled"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk_sub"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCancelled, got.Status)
	assertTime(t, ends, got.ExpiresAt)
	assert.Equal(t, "a", got.Meta["k1"])
	assert.Equal(t, "subscription_cancelled", got.Meta["last_event"])

	refundedAt := time.Now().UTC().Truncate(time.Second)
	n, err = s.UpdateByReference(ctx, &entitlement.Patch{
		OrderID:   entitlement.StringPtr("2001"),
		Status:    entitlement.StatusPtr(entitlement.StatusRevoked),
		ExpiresAt: &refundedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.UpdateByReference(ctx, &entitlement.Patch{
		SubscriptionID: entitlement.StringPtr("sub_1"),
		Status:         entitlement.StatusPtr(entitlement.StatusActive),
		ClearExpiresAt: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.FindEntitlement(ctx, entitlement.Lookup{OrderID: "2001"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusRevoked, got.Status, "terminal guard applies to reference updates")
	assertTime(t, refundedAt, got.ExpiresAt)
}

func testUpdateByReferenceNoMatch(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	n, err := s.UpdateByReference(ctx, &entitlement.Patch{
		OrderID: entitlement.StringPtr("does-not-exist"),
		Status:  entitlement.StatusPtr(entitlement.StatusRevoked),
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.FindEntitlement(ctx, entitlement.Lookup{OrderID: "does-not-exist"})
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound, "no placeholder row")
}

func testFindEntitlement(t *testing.T, s entitlement.Store) {
	ctx := context.Background()

	_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey:     entitlement.StringPtr("lk_find_old"),
		Email:          entitlement.StringPtr("find@example.com"),
		OrderID:        entitlement.StringPtr("3001"),
		SubscriptionID: entitlement.StringPtr("sub_find"),
		Status:         entitlement.StatusPtr(entitlement.StatusExpired),
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_find_new"),
		Email:      entitlement.StringPtr("find@example.com"),
		Status:     entitlement.StatusPtr(entitlement.StatusActive),
	})
	require.NoError(t, err)

	byKey, err := s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk_find_old"})
	require.NoError(t, err)
	assert.Equal(t, "lk_find_old", byKey.LicenseKey)

	byOrder, err := s.FindEntitlement(ctx, entitlement.Lookup{OrderID: "3001"})
	require.NoError(t, err)
	assert.Equal(t, "lk_find_old", byOrder.LicenseKey)

	bySub, err := s.FindEntitlement(ctx, entitlement.Lookup{SubscriptionID: "sub_find"})
	require.NoError(t, err)
	assert.Equal(t, "lk_find_old", bySub.LicenseKey)

	byEmail, err := s.FindEntitlement(ctx, entitlement.Lookup{Email: "find@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "lk_find_new", byEmail.LicenseKey, "email resolves to the most recently updated row")

	_, err = s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "missing", Email: "find@example.com"})
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound, "license key lookup does not fall through to email")

	_, err = s.FindEntitlement(ctx, entitlement.Lookup{})
	assert.ErrorIs(t, err, entitlement.ErrEntitlementNotFound)
}

func testPing(t *testing.T, s entitlement.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
