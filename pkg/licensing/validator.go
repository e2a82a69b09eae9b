package licensing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const cacheType = "validation"

// CachedValidator coalesces concurrent validations of the same key and caches definitive answers.
// Errors are never cached.
type CachedValidator struct {
	next    entitlement.Validator
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	metrics entitlement.Metrics
}

var _ entitlement.Validator = (*CachedValidator)(nil)

// CachedValidatorConfig configures a CachedValidator
type CachedValidatorConfig struct {
	// Cache is optional (default: NoopCache)
	Cache Cache

	// TTL of cached answers (default: 10m)
	TTL time.Duration

	// Timeout bounds the shared upstream call (default: 5s)
	Timeout time.Duration

	Metrics entitlement.Metrics
}

// NewCachedValidator wraps next with caching and call coalescing
func NewCachedValidator(next entitlement.Validator, cfg CachedValidatorConfig) *CachedValidator {
	if cfg.Cache == nil {
		cfg.Cache = &NoopCache{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &entitlement.NoopMetrics{}
	}
	return &CachedValidator{
		next:    next,
		cache:   cfg.Cache,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
	}
}

// CacheKey is the digest under which a license key's validation is cached
func CacheKey(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return hex.EncodeToString(sum[:])
}

func (v *CachedValidator) Validate(ctx context.Context, licenseKey string) (*entitlement.Validation, error) {
	key := CacheKey(licenseKey)
	if cached, ok := v.cache.Get(key); ok {
		v.metrics.RecordCacheHit(cacheType)
		return cached, nil
	}
	v.metrics.RecordCacheMiss(cacheType)

	ch := v.group.DoChan(key, func() (any, error) {
		// detached so one caller giving up does not fail the others
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.timeout)
		defer cancel()

		res, err := v.next.Validate(cctx, licenseKey)
		if err != nil {
			return nil, err
		}
		if res != nil {
			v.cache.Set(key, res, v.ttl)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res, _ := r.Val.(*entitlement.Validation)
		return copyValidation(res), nil
	}
}

// Invalidate drops the cached answer for licenseKey
func (v *CachedValidator) Invalidate(licenseKey string) {
	v.cache.Invalidate(CacheKey(licenseKey))
}
