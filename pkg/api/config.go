package api

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/webhook"
)

// DefaultWebhookPath is where the provider delivers events
const DefaultWebhookPath = webhook.DefaultPath

// Config holds configuration for the HTTP API
type Config struct {
	// Store backs the admin and health endpoints (required)
	Store entitlement.Store

	// Ingestor handles webhook deliveries and admin replays (required)
	Ingestor *webhook.Ingestor

	// Checker answers access checks (required)
	Checker *entitlement.Checker

	// AdminKey enables the /admin routes. Empty disables them.
	AdminKey string

	// AccessRequired gates GET /access/me on an active entitlement. When false the
	// gate is bypassed and every caller is let through.
	AccessRequired bool

	// Backend names the store in /health responses
	Backend string

	// WebhookPath overrides DefaultWebhookPath
	WebhookPath string

	// AccessLog receives one line per request when set
	AccessLog *zerolog.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Ingestor == nil {
		return fmt.Errorf("ingestor is required")
	}
	if c.Checker == nil {
		return fmt.Errorf("checker is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.WebhookPath == "" {
		config.WebhookPath = DefaultWebhookPath
	}
	h := &Handler{config: config}
	h.router = h.routes()
	return h, nil
}
