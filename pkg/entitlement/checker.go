package entitlement

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Reason is a stable, machine-readable explanation of a deny decision
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonMissingIdentifier     Reason = "missing_identifier"
	ReasonNotFound              Reason = "not_found"
	ReasonExpired               Reason = "expired"
	ReasonStatusBlocked         Reason = "status_blocked"
	ReasonNotActive             Reason = "not_active"
	ReasonInvalidLicense        Reason = "invalid_license"
	ReasonStoreUnavailable      Reason = "store_unavailable"
	ReasonValidationUnavailable Reason = "validation_unavailable"
)

// Decision sources
const (
	SourceStore    = "store"
	SourceProvider = "provider"
)

// Decision is the ephemeral result of an access check. It is never persisted.
type Decision struct {
	Active    bool
	Reason    Reason
	Status    Status
	Plan      string
	ExpiresAt *time.Time
	Source    string
}

// HTTPStatus maps the decision to the status a gate should respond with.
func (d Decision) HTTPStatus() int {
	switch {
	case d.Active:
		return http.StatusOK
	case d.Reason == ReasonMissingIdentifier:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// Request identifies the caller. LicenseKey takes precedence over Email.
type Request struct {
	LicenseKey string
	Email      string
}

// Validation is the answer of the provider's real-time license validation endpoint.
type Validation struct {
	Valid     bool
	Status    Status
	ExpiresAt *time.Time
	Plan      string
	Email     string
}

// Validator is consulted when the store has no row for a presented license key.
type Validator interface {
	Validate(ctx context.Context, licenseKey string) (*Validation, error)
}

// AccessChecker is what request gates depend on. *Checker implements it.
type AccessChecker interface {
	Check(ctx context.Context, req Request) Decision
}

var _ AccessChecker = (*Checker)(nil)

// Finder is the read side of the store used by the checker
type Finder interface {
	FindEntitlement(ctx context.Context, lookup Lookup) (*Entitlement, error)
}

// CheckerConfig configures a Checker
type CheckerConfig struct {
	// Store is required
	Store Finder

	// Validator is the optional real-time fallback for unknown license keys
	Validator Validator

	// StoreTimeout bounds the store read (default: 3s)
	StoreTimeout time.Duration

	// ValidationTimeout bounds the fallback call (default: 5s)
	ValidationTimeout time.Duration

	// Now is the clock (default: time.Now)
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// Checker evaluates the current entitlement and time to allow or deny access.
// Every failure path denies.
type Checker struct {
	store             Finder
	validator         Validator
	storeTimeout      time.Duration
	validationTimeout time.Duration
	now               func() time.Time
	logger            Logger
	metrics           Metrics
}

// NewChecker creates a checker with defaults applied
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Store == nil {
		return nil, ErrStoreUnavailable
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Checker{
		store:             cfg.Store,
		validator:         cfg.Validator,
		storeTimeout:      cfg.StoreTimeout,
		validationTimeout: cfg.ValidationTimeout,
		now:               cfg.Now,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
	}, nil
}

// Check returns the access decision for the request at the current time.
func (c *Checker) Check(ctx context.Context, req Request) Decision {
	if req.LicenseKey == "" && req.Email == "" {
		return c.record(Decision{Reason: ReasonMissingIdentifier, Source: SourceStore})
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	ent, err := c.store.FindEntitlement(storeCtx, Lookup{LicenseKey: req.LicenseKey, Email: req.Email})
	cancel()

	switch {
	case errors.Is(err, ErrEntitlementNotFound):
		if c.validator != nil && req.LicenseKey != "" {
			return c.record(c.fallback(ctx, req.LicenseKey))
		}
		return c.record(Decision{Reason: ReasonNotFound, Source: SourceStore})
	case err != nil:
		c.logger.Warn("Access check store read failed",
			Field{"error", err.Error()},
			Field{"has_license_key", req.LicenseKey != ""},
		)
		return c.record(Decision{Reason: ReasonStoreUnavailable, Source: SourceStore})
	}

	d := Evaluate(ent, c.now())
	d.Source = SourceStore
	return c.record(d)
}

func (c *Checker) fallback(ctx context.Context, licenseKey string) Decision {
	vctx, cancel := context.WithTimeout(ctx, c.validationTimeout)
	defer cancel()

	v, err := c.validator.Validate(vctx, licenseKey)
	if err != nil || v == nil {
		if err != nil {
			c.logger.Warn("License validation fallback failed", Field{"error", err.Error()})
		}
		return Decision{Reason: ReasonValidationUnavailable, Source: SourceProvider}
	}
	if !v.Valid {
		return Decision{Reason: ReasonInvalidLicense, Source: SourceProvider}
	}

	d := Evaluate(&Entitlement{
		LicenseKey: licenseKey,
		Plan:       v.Plan,
		Status:     v.Status,
		ExpiresAt:  v.ExpiresAt,
	}, c.now())
	d.Source = SourceProvider
	return d
}

func (c *Checker) record(d Decision) Decision {
	c.metrics.RecordAccessDecision(d.Source, string(d.Reason), d.Active)
	return d
}

// Evaluate is the pure decision table over a row and a point in time.
func Evaluate(ent *Entitlement, now time.Time) Decision {
	if ent == nil {
		return Decision{Reason: ReasonNotFound}
	}
	d := Decision{
		Status:    ent.Status,
		Plan:      ent.Plan,
		ExpiresAt: ent.ExpiresAt,
	}
	// a refund stamps expires_at too; revocation outranks expiry
	switch {
	case ent.Status == StatusRevoked:
		d.Reason = ReasonStatusBlocked
	case ent.ExpiresAt != nil && now.After(*ent.ExpiresAt):
		d.Reason = ReasonExpired
	case ent.Status == StatusExpired || ent.Status == StatusPaused:
		d.Reason = ReasonStatusBlocked
	case !ent.Status.GrantsAccess():
		d.Reason = ReasonNotActive
	default:
		d.Active = true
	}
	return d
}
