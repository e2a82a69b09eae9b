// Package fiber provides Fiber middleware that gates requests on an active entitlement
package fiber

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/middleware/internal/licensekey"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// IdentifierExtractor extracts a caller identifier from a Fiber context
// Return empty string if none was presented
type IdentifierExtractor func(c *fiber.Ctx) string

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
	OnDenied func(c *fiber.Ctx, d entitlement.Decision) error
}

// DecisionKey is the fiber Locals key for the allowed decision
const DecisionKey = licensekey.DecisionKey

// Middleware creates a Fiber middleware that requires an active entitlement
func Middleware(cfg Config) fiber.Handler {
	if cfg.Bypass {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	if cfg.Checker == nil {
		panic("goentitle/fiber: Config.Checker is required")
	}
	if cfg.GetLicenseKey == nil {
		cfg.GetLicenseKey = FromRequest()
	}

	return func(c *fiber.Ctx) error {
		req := entitlement.Request{LicenseKey: cfg.GetLicenseKey(c)}
		if req.LicenseKey == "" && cfg.GetEmail != nil {
			req.Email = cfg.GetEmail(c)
		}

		d := cfg.Checker.Check(c.UserContext(), req)
		if !d.Active {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			code, body := licensekey.Deny(d)
			c.Set(fiber.HeaderCacheControl, "no-store")
			return c.Status(code).JSON(body)
		}

		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// DecisionFromContext returns the decision stored by the middleware
func DecisionFromContext(c *fiber.Ctx) (entitlement.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(entitlement.Decision)
	return d, ok
}

// FromRequest returns the default license key extractor
func FromRequest() IdentifierExtractor {
	return func(c *fiber.Ctx) string {
		if v := strings.TrimSpace(c.Get(licensekey.Header)); v != "" {
			return v
		}
		if strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEApplicationJSON) {
			body := c.Body()
			if len(body) > licensekey.MaxBodyPeek {
				body = body[:licensekey.MaxBodyPeek]
			}
			if v := licensekey.FromJSON(body); v != "" {
				return v
			}
		}
		return licensekey.FromQuery(func(key string) string { return c.Query(key) })
	}
}

// FromHeader returns an IdentifierExtractor that reads a header
func FromHeader(headerName string) IdentifierExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an IdentifierExtractor that reads a string set by an earlier handler
func FromLocals(key string) IdentifierExtractor {
	return func(c *fiber.Ctx) string {
		if v, ok := c.Locals(key).(string); ok {
			return v
		}
		return ""
	}
}
