// Package echo provides Echo middleware that gates requests on an active entitlement
package echo

import (
	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/middleware/internal/licensekey"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// IdentifierExtractor extracts a caller identifier from an Echo context
// Return empty string if none was presented
type IdentifierExtractor func(c echo.Context) string

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
	OnDenied func(c echo.Context, d entitlement.Decision) error
}

// DecisionKey is the echo context key for the allowed decision
const DecisionKey = licensekey.DecisionKey

// Middleware creates an Echo middleware that requires an active entitlement
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Bypass {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.Checker == nil {
		panic("goentitle/echo: Config.Checker is required")
	}
	if cfg.GetLicenseKey == nil {
		cfg.GetLicenseKey = FromRequest()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := entitlement.Request{LicenseKey: cfg.GetLicenseKey(c)}
			if req.LicenseKey == "" && cfg.GetEmail != nil {
				req.Email = cfg.GetEmail(c)
			}

			d := cfg.Checker.Check(c.Request().Context(), req)
			if !d.Active {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				code, body := licensekey.Deny(d)
				c.Response().Header().Set("Cache-Control", "no-store")
				return c.JSON(code, body)
			}

			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// DecisionFromContext returns the decision stored by the middleware
func DecisionFromContext(c echo.Context) (entitlement.Decision, bool) {
	d, ok := c.Get(DecisionKey).(entitlement.Decision)
	return d, ok
}

// FromRequest returns the default license key extractor
func FromRequest() IdentifierExtractor {
	return func(c echo.Context) string {
		return licensekey.FromRequest(c.Request())
	}
}

// FromHeader returns an IdentifierExtractor that reads a header
func FromHeader(headerName string) IdentifierExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns an IdentifierExtractor that reads a string set by an earlier middleware
func FromContext(key string) IdentifierExtractor {
	return func(c echo.Context) string {
		if v, ok := c.Get(key).(string); ok {
			return v
		}
		return ""
	}
}
