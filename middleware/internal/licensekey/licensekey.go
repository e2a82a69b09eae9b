// Package licensekey holds the request conventions shared by the access gates.
package licensekey

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// Header carries the caller's license key
const Header = "X-License-Key"

// MaxBodyPeek caps how much of a JSON body is inspected for a licenseKey field
const MaxBodyPeek = 64 * 1024

// ReasonLicenseRequired is returned when no identifier was presented
const ReasonLicenseRequired = "license_required"

// DecisionKey is the key gates store the decision under in framework contexts
const DecisionKey = "entitlement.decision"

// FromQuery reads licenseKey, then license_key
func FromQuery(get func(string) string) string {
	if v := strings.TrimSpace(get("licenseKey")); v != "" {
		return v
	}
	return strings.TrimSpace(get("license_key"))
}

// FromJSON returns the top-level licenseKey string of a JSON object body
func FromJSON(body []byte) string {
	if len(body) == 0 || bytes.IndexByte(body, '{') < 0 {
		return ""
	}
	var doc struct {
		LicenseKey string `json:"licenseKey"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return strings.TrimSpace(doc.LicenseKey)
}

// FromRequest looks in the header, then a JSON body, then the query string.
// The body is restored for the next handler.
func FromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(Header)); v != "" {
		return v
	}
	if isJSON(r.Header.Get("Content-Type")) && r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyPeek))
		rest := r.Body
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rest), rest}
		if err == nil {
			if v := FromJSON(body); v != "" {
				return v
			}
		}
	}
	return FromQuery(r.URL.Query().Get)
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

// Denial is the JSON body written when a gate rejects a request
type Denial struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// Deny returns the status code and body for a denied decision
func Deny(d entitlement.Decision) (int, Denial) {
	reason := string(d.Reason)
	if d.Reason == entitlement.ReasonMissingIdentifier {
		reason = ReasonLicenseRequired
	}
	return d.HTTPStatus(), Denial{Reason: reason}
}
