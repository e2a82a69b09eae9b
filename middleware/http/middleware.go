// Package http provides net/http middleware that gates requests on an active entitlement
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/goentitle/middleware/internal/licensekey"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// IdentifierExtractor extracts a caller identifier from an HTTP request
// Return empty string if none was presented
type IdentifierExtractor func(r *http.Request) string

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
	// If nil, writes 401/403 JSON with the decision reason
	OnDenied func(w http.ResponseWriter, r *http.Request, d entitlement.Decision)
}

// ContextKey is a type for context keys
type ContextKey string

// DecisionKey is the context key for the allowed decision
const DecisionKey ContextKey = licensekey.DecisionKey

// Middleware creates an HTTP middleware that requires an active entitlement
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil && !config.Bypass {
		panic("goentitle/http: Config.Checker is required")
	}
	if config.GetLicenseKey == nil {
		config.GetLicenseKey = licensekey.FromRequest
	}

	return func(next http.Handler) http.Handler {
		if config.Bypass {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := entitlement.Request{LicenseKey: config.GetLicenseKey(r)}
			if req.LicenseKey == "" && config.GetEmail != nil {
				req.Email = config.GetEmail(r)
			}

			d := config.Checker.Check(r.Context(), req)
			if !d.Active {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					defaultDenied(w, d)
				}
				return
			}

			ctx := context.WithValue(r.Context(), DecisionKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware that requires an active entitlement (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// DecisionFromContext returns the decision stored by the middleware
func DecisionFromContext(ctx context.Context) (entitlement.Decision, bool) {
	d, ok := ctx.Value(DecisionKey).(entitlement.Decision)
	return d, ok
}

// FromHeader returns an IdentifierExtractor that reads a header
func FromHeader(headerName string) IdentifierExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

func defaultDenied(w http.ResponseWriter, d entitlement.Decision) {
	code, body := licensekey.Deny(d)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
