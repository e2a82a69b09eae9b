// Package licensing queries the payment provider's license validation endpoint. It is the
// fallback source for access checks on license keys the webhook ledger has not seen yet.
package licensing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	// DefaultValidationURL is the provider's license validation endpoint
	DefaultValidationURL = "https://api.lemonsqueezy.com/v1/licenses/validate"

	defaultHTTPTimeout = 5 * time.Second
	maxResponseBytes   = 64 * 1024
)

// ErrValidationUnavailable wraps transport and non-definitive provider failures
var ErrValidationUnavailable = errors.New("license validation unavailable")

// PlanResolver maps a product or variant id to a plan name
type PlanResolver interface {
	PlanFor(key string) string
}

// Config configures a Client
type Config struct {
	// URL of the validation endpoint (default: DefaultValidationURL)
	URL string

	// HTTPClient is optional (default: 5s timeout client)
	HTTPClient *http.Client

	// Plans resolves the plan from the validated product/variant id
	Plans PlanResolver

	Metrics entitlement.Metrics
}

// Client calls the validation endpoint. It implements entitlement.Validator.
type Client struct {
	url        string
	httpClient *http.Client
	plans      PlanResolver
	metrics    entitlement.Metrics
}

var _ entitlement.Validator = (*Client)(nil)

// NewClient creates a validation client with defaults applied
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultValidationURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &entitlement.NoopMetrics{}
	}
	return &Client{
		url:        cfg.URL,
		httpClient: cfg.HTTPClient,
		plans:      cfg.Plans,
		metrics:    cfg.Metrics,
	}
}

type validateResponse struct {
	Valid      bool   `json:"valid"`
	Error      string `json:"error"`
	LicenseKey *struct {
		Status    string `json:"status"`
		ExpiresAt string `json:"expires_at"`
	} `json:"license_key"`
	Meta *struct {
		ProductID     flexID `json:"product_id"`
		VariantID     flexID `json:"variant_id"`
		CustomerEmail string `json:"customer_email"`
	} `json:"meta"`
}

// flexID accepts ids sent as JSON numbers or strings
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*f = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
	default:
		*f = flexID(raw)
	}
	return nil
}

// Validate asks the provider whether licenseKey is valid.
// Definitive "invalid" answers return Valid=false and no error.
func (c *Client) Validate(ctx context.Context, licenseKey string) (*entitlement.Validation, error) {
	start := time.Now()
	v, err := c.validate(ctx, licenseKey)

	status := "valid"
	switch {
	case err != nil:
		status = "error"
	case !v.Valid:
		status = "invalid"
	}
	c.metrics.RecordValidationCall(status, time.Since(start))
	return v, err
}

func (c *Client) validate(ctx context.Context, licenseKey string) (*entitlement.Validation, error) {
	if strings.TrimSpace(licenseKey) == "" {
		return &entitlement.Validation{Valid: false}, nil
	}

	form := url.Values{"license_key": {licenseKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrValidationUnavailable, err)
	}

	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrValidationUnavailable, res.StatusCode)
	}

	var payload validateResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response (status %d): %w", ErrValidationUnavailable, res.StatusCode, err)
	}

	// 4xx with a parseable body is a definitive rejection (unknown key)
	if res.StatusCode >= 300 || !payload.Valid {
		return &entitlement.Validation{Valid: false}, nil
	}
	return c.toValidation(&payload), nil
}

func (c *Client) toValidation(p *validateResponse) *entitlement.Validation {
	v := &entitlement.Validation{Valid: true, Status: entitlement.StatusActive}

	if p.LicenseKey != nil {
		v.Status = providerStatus(p.LicenseKey.Status)
		if p.LicenseKey.ExpiresAt != "" {
			if t, err := time.Parse(time.RFC3339Nano, p.LicenseKey.ExpiresAt); err == nil {
				t = t.UTC()
				v.ExpiresAt = &t
			}
		}
	}
	if p.Meta != nil {
		v.Email = p.Meta.CustomerEmail
		if c.plans != nil {
			key := string(p.Meta.ProductID)
			if key == "" {
				key = string(p.Meta.VariantID)
			}
			v.Plan = c.plans.PlanFor(key)
		}
	}
	return v
}

// providerStatus maps license key states to entitlement statuses.
// "inactive" means not yet activated on an instance, which still grants access.
func providerStatus(s string) entitlement.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "inactive":
		return entitlement.StatusActive
	case "disabled":
		return entitlement.StatusRevoked
	default:
		return entitlement.ParseStatus(s)
	}
}
