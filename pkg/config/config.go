// Package config loads entitlementd settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/goentitle/pkg/licensing"
	"github.com/mihaimyh/goentitle/pkg/webhook"
)

// Store backends
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Validation cache backends
const (
	CacheLRU   = "lru"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config is the full runtime configuration
type Config struct {
	WebhookSecret string `validate:"required"`
	WebhookPath   string `validate:"startswith=/"`
	Plans         webhook.PlanConfig

	AccessRequired bool
	AdminKey       string

	StoreBackend   string `validate:"oneof=postgres redis memory"`
	DatabaseURL    string `validate:"required_if=StoreBackend postgres"`
	RedisURL       string `validate:"required_if=StoreBackend redis"`
	RedisKeyPrefix string
	StoreTimeout   time.Duration `validate:"gt=0"`

	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int           `validate:"min=1"`
	CircuitBreakerReset     time.Duration `validate:"gt=0"`

	ValidationFallback  bool
	ValidationURL       string        `validate:"omitempty,url"`
	ValidationTimeout   time.Duration `validate:"gt=0"`
	ValidationCache     string        `validate:"oneof=lru redis none"`
	ValidationCacheTTL  time.Duration `validate:"gt=0"`
	ValidationCacheSize int           `validate:"min=1"`

	Port        int `validate:"min=1,max=65535"`
	MetricsAddr string

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

// Default returns a Config with defaults applied and no secrets set
func Default() Config {
	return Config{
		WebhookPath:             webhook.DefaultPath,
		Plans:                   webhook.PlanConfig{FixedDuration: webhook.DefaultFixedDuration},
		AccessRequired:          true,
		StoreBackend:            BackendMemory,
		RedisKeyPrefix:          "goentitle:",
		StoreTimeout:            5 * time.Second,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     30 * time.Second,
		ValidationURL:           licensing.DefaultValidationURL,
		ValidationTimeout:       5 * time.Second,
		ValidationCache:         CacheLRU,
		ValidationCacheTTL:      10 * time.Minute,
		ValidationCacheSize:     1000,
		Port:                    3000,
		MetricsAddr:             ":9090",
		LogLevel:                "info",
		LogFormat:               "json",
	}
}

// Addr is the listen address of the API server
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Load reads an optional .env file from the working directory (or envFile when given),
// then builds the Config from the process environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// FromEnv builds and validates a Config from lookup
func FromEnv(lookup LookupFunc) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	cfg.WebhookSecret = p.first("WEBHOOK_SECRET", "LEMON_WEBHOOK_SECRET")
	p.str(&cfg.WebhookPath, "WEBHOOK_PATH")
	cfg.Plans.FixedKeys = webhook.ParseKeyList(p.first("PLAN_FIXED_KEYS"))
	cfg.Plans.MonthlyKeys = webhook.ParseKeyList(p.first("PLAN_MONTHLY_KEYS"))
	cfg.Plans.AnnualKeys = webhook.ParseKeyList(p.first("PLAN_ANNUAL_KEYS"))
	if v := p.first("FIXED_DURATION_HOURS"); v != "" {
		hours, err := strconv.ParseFloat(v, 64)
		if err != nil || hours <= 0 {
			p.fail("FIXED_DURATION_HOURS", v)
		} else {
			cfg.Plans.FixedDuration = time.Duration(hours * float64(time.Hour))
		}
	}

	p.boolean(&cfg.AccessRequired, "ACCESS_REQUIRED")
	cfg.AdminKey = p.first("ADMIN_KEY")

	cfg.DatabaseURL = p.first("DATABASE_URL", "DATABASE_PRIVATE_URL", "POSTGRES_URL")
	cfg.RedisURL = p.first("REDIS_URL")
	switch backend := strings.ToLower(p.first("STORE_BACKEND")); {
	case backend != "":
		cfg.StoreBackend = backend
	case cfg.DatabaseURL != "":
		cfg.StoreBackend = BackendPostgres
	case cfg.RedisURL != "":
		cfg.StoreBackend = BackendRedis
	}
	p.str(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")
	p.duration(&cfg.StoreTimeout, "STORE_TIMEOUT")

	p.boolean(&cfg.CircuitBreakerEnabled, "CIRCUIT_BREAKER_ENABLED")
	p.integer(&cfg.CircuitBreakerThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	p.duration(&cfg.CircuitBreakerReset, "CIRCUIT_BREAKER_RESET")

	p.boolean(&cfg.ValidationFallback, "VALIDATION_FALLBACK")
	p.str(&cfg.ValidationURL, "VALIDATION_URL")
	p.duration(&cfg.ValidationTimeout, "VALIDATION_TIMEOUT")
	if v := strings.ToLower(p.first("VALIDATION_CACHE")); v != "" {
		cfg.ValidationCache = v
	}
	p.duration(&cfg.ValidationCacheTTL, "VALIDATION_CACHE_TTL")
	p.integer(&cfg.ValidationCacheSize, "VALIDATION_CACHE_SIZE")

	p.integer(&cfg.Port, "PORT")
	if v, ok := lookup("METRICS_ADDR"); ok {
		cfg.MetricsAddr = strings.TrimSpace(v)
	}
	if v := strings.ToLower(p.first("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.ToLower(p.first("LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}

	if len(p.errs) > 0 {
		return cfg, errors.Join(p.errs...)
	}
	return cfg, cfg.Validate()
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ValidationFallback && c.ValidationURL == "" {
		return errors.New("invalid config: VALIDATION_FALLBACK requires VALIDATION_URL")
	}
	if c.ValidationCache == CacheRedis && c.RedisURL == "" {
		return errors.New("invalid config: VALIDATION_CACHE=redis requires REDIS_URL")
	}
	return nil
}

type parser struct {
	lookup LookupFunc
	errs   []error
}

func (p *parser) first(keys ...string) string {
	for _, k := range keys {
		if v, ok := p.lookup(k); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func (p *parser) fail(key, value string) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s: %q", key, value))
}

func (p *parser) str(dst *string, key string) {
	if v := p.first(key); v != "" {
		*dst = v
	}
}

func (p *parser) boolean(dst *bool, key string) {
	v := p.first(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v)
		return
	}
	*dst = b
}

func (p *parser) integer(dst *int, key string) {
	v := p.first(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v)
		return
	}
	*dst = n
}

// duration accepts Go duration syntax or a bare number of seconds
func (p *parser) duration(dst *time.Duration, key string) {
	v := p.first(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v)
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}
