// Package gin provides Gin middleware that gates requests on an active entitlement
package gin

import (
	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/middleware/internal/licensekey"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// IdentifierExtractor extracts a caller identifier from a Gin context
// Return empty string if none was presented
type IdentifierExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Checker makes the access decision (required)
	Checker entitlement.AccessChecker

	// Bypass lets every request through without a check
	Bypass bool

	// GetLicenseKey extracts the license key
	// Default: X-License-Key header, JSON body licenseKey, licenseKey/license_key query
	GetLicenseKey IdentifierExtractor

	// GetEmail optionally extracts an email used when no license key is presented
	GetEmail IdentifierExtractor

	// OnDenied is called when access is denied
	// If nil, responds 401/403 JSON with the decision reason
	OnDenied func(c *gongin.Context, d entitlement.Decision)
}

// DecisionKey is the gin context key for the allowed decision
const DecisionKey = licensekey.DecisionKey

// Middleware creates a Gin middleware that requires an active entitlement
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Bypass {
		return func(c *gongin.Context) { c.Next() }
	}
	// Validate required configuration at startup (fail fast)
	if cfg.Checker == nil {
		panic("goentitle/gin: Config.Checker is required")
	}
	if cfg.GetLicenseKey == nil {
		cfg.GetLicenseKey = FromRequest()
	}

	return func(c *gongin.Context) {
		req := entitlement.Request{LicenseKey: cfg.GetLicenseKey(c)}
		if req.LicenseKey == "" && cfg.GetEmail != nil {
			req.Email = cfg.GetEmail(c)
		}

		d := cfg.Checker.Check(c.Request.Context(), req)
		if !d.Active {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				code, body := licensekey.Deny(d)
				c.Header("Cache-Control", "no-store")
				c.JSON(code, body)
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Next()
	}
}

// DecisionFromContext returns the decision stored by the middleware
func DecisionFromContext(c *gongin.Context) (entitlement.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return entitlement.Decision{}, false
	}
	d, ok := v.(entitlement.Decision)
	return d, ok
}

// FromRequest returns the default license key extractor
func FromRequest() IdentifierExtractor {
	return func(c *gongin.Context) string {
		return licensekey.FromRequest(c.Request)
	}
}

// FromHeader returns an IdentifierExtractor that reads a header
func FromHeader(headerName string) IdentifierExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns an IdentifierExtractor that reads a string set by an earlier handler
func FromContext(key string) IdentifierExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
