package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/storetest"
)

func TestStorage_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entitlement.Store {
		return New()
	})
}

func TestStorage_ConcurrentUpsertsSameKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
				LicenseKey: entitlement.StringPtr("lk_race"),
				Status:     entitlement.StatusPtr(entitlement.StatusActive),
				Meta:       map[string]any{fmt.Sprintf("k%d", i): "v"},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.entitlements, 1)
	ent, err := s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk_race"})
	require.NoError(t, err)
	assert.Len(t, ent.Meta, 20)
}

func TestStorage_ConcurrentClaimsSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimEvent(ctx, &entitlement.WebhookEvent{EventID: "evt_dup"})
			assert.NoError(t, err)
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()

	ent, err := s.UpsertByLicenseKey(ctx, &entitlement.Patch{
		LicenseKey: entitlement.StringPtr("lk_copy"),
		Meta:       map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	ent.Meta["k"] = "mutated"
	ent.Status = entitlement.StatusRevoked

	got, err := s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk_copy"})
	require.NoError(t, err)
	assert.Equal(t, "v", got.Meta["k"])
	assert.Equal(t, entitlement.StatusPending, got.Status)
}

func TestStorage_Clock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	ent, err := s.UpsertByLicenseKey(context.Background(), &entitlement.Patch{LicenseKey: entitlement.StringPtr("lk_clock")})
	require.NoError(t, err)
	assert.Equal(t, fixed, ent.UpdatedAt)
}

func TestStorage_CancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.ClaimEvent(ctx, &entitlement.WebhookEvent{EventID: "evt"})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.FindEntitlement(ctx, entitlement.Lookup{LicenseKey: "lk"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStorage_MarkUnknownEvent(t *testing.T) {
	s := New()
	err := s.MarkEventProcessed(context.Background(), "missing")
	assert.ErrorIs(t, err, entitlement.ErrEventNotFound)
}
