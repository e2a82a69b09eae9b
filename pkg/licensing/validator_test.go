package licensing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

type countingValidator struct {
	calls atomic.Int32
	delay time.Duration
	res   *entitlement.Validation
	err   error
}

func (v *countingValidator) Validate(ctx context.Context, _ string) (*entitlement.Validation, error) {
	v.calls.Add(1)
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return v.res, v.err
}

func TestCachedValidator_CachesDefinitiveAnswers(t *testing.T) {
	next := &countingValidator{res: &entitlement.Validation{Valid: true, Status: entitlement.StatusActive}}
	v := NewCachedValidator(next, CachedValidatorConfig{Cache: NewLRUCache(10), TTL: time.Minute})

	for i := 0; i < 3; i++ {
		res, err := v.Validate(context.Background(), "ABC123")
		require.NoError(t, err)
		assert.True(t, res.Valid)
	}
	assert.EqualValues(t, 1, next.calls.Load())

	v.Invalidate("ABC123")
	_, err := v.Validate(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachedValidator_ErrorsNotCached(t *testing.T) {
	next := &countingValidator{err: errors.New("bad gateway")}
	v := NewCachedValidator(next, CachedValidatorConfig{Cache: NewLRUCache(10), TTL: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := v.Validate(context.Background(), "ABC123")
		assert.Error(t, err)
	}
	assert.EqualValues(t, 2, next.calls.Load())
}

func TestCachedValidator_CoalescesConcurrentCalls(t *testing.T) {
	next := &countingValidator{
		delay: 100 * time.Millisecond,
		res:   &entitlement.Validation{Valid: true, Status: entitlement.StatusActive},
	}
	v := NewCachedValidator(next, CachedValidatorConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := v.Validate(context.Background(), "ABC123")
			assert.NoError(t, err)
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestCachedValidator_CallerTimeout(t *testing.T) {
	next := &countingValidator{delay: time.Second, res: &entitlement.Validation{Valid: true}}
	v := NewCachedValidator(next, CachedValidatorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := v.Validate(ctx, "ABC123")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCacheKey_DoesNotExposeLicenseKey(t *testing.T) {
	key := CacheKey("ABC123")
	assert.Len(t, key, 64)
	assert.NotContains(t, key, "ABC123")
	assert.Equal(t, key, CacheKey("ABC123"))
}
