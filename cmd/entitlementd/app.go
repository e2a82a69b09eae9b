package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/config"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	prommetrics "github.com/mihaimyh/goentitle/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/licensing"
	"github.com/mihaimyh/goentitle/pkg/webhook"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstore "github.com/mihaimyh/goentitle/storage/redis"
)

const metricsNamespace = "goentitle"

// app is the wired object graph shared by the serve and check commands
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *prommetrics.Metrics
	store    entitlement.Store
	checker  *entitlement.Checker
	ingestor *webhook.Ingestor
	handler  *api.Handler
	closers  []func()
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prommetrics.NewMetrics(a.registry, metricsNamespace)
	base := zerologadapter.NewLogger(logger)

	var redisClient goredis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		redisClient = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	store, err := a.openStore(ctx, redisClient)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.CircuitBreakerEnabled {
		cbLogger := base.With("circuit_breaker")
		cb := entitlement.NewDefaultCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset,
			func(state entitlement.CircuitBreakerState) {
				a.metrics.RecordCircuitBreakerStateChange(string(state))
				cbLogger.Warn("Store circuit breaker changed state", entitlement.Field{Key: "state", Value: string(state)})
			})
		store = entitlement.NewCircuitBreakerStore(store, cb, a.metrics)
	}
	a.store = store

	var validator entitlement.Validator
	if cfg.ValidationFallback {
		validator = licensing.NewCachedValidator(
			licensing.NewClient(licensing.Config{
				URL:        cfg.ValidationURL,
				HTTPClient: &http.Client{Timeout: cfg.ValidationTimeout},
				Plans:      cfg.Plans,
				Metrics:    a.metrics,
			}),
			licensing.CachedValidatorConfig{
				Cache:   a.validationCache(redisClient),
				TTL:     cfg.ValidationCacheTTL,
				Timeout: cfg.ValidationTimeout,
				Metrics: a.metrics,
			},
		)
	}

	a.checker, err = entitlement.NewChecker(entitlement.CheckerConfig{
		Store:             a.store,
		Validator:         validator,
		StoreTimeout:      cfg.StoreTimeout,
		ValidationTimeout: cfg.ValidationTimeout,
		Logger:            base.With("checker"),
		Metrics:           a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ingestor, err = webhook.NewIngestor(webhook.IngestorConfig{
		Store:        a.store,
		Verifier:     webhook.NewVerifier(cfg.WebhookSecret),
		Classifier:   &webhook.Classifier{Plans: cfg.Plans},
		StoreTimeout: cfg.StoreTimeout,
		Logger:       base.With("webhook"),
		Metrics:      a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	accessLog := logger.With().Str("component", "http").Logger()
	a.handler, err = api.NewHandler(api.Config{
		Store:          a.store,
		Ingestor:       a.ingestor,
		Checker:        a.checker,
		AdminKey:       cfg.AdminKey,
		AccessRequired: cfg.AccessRequired,
		Backend:        cfg.StoreBackend,
		WebhookPath:    cfg.WebhookPath,
		AccessLog:      &accessLog,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, redisClient goredis.UniversalClient) (entitlement.Store, error) {
	switch a.cfg.StoreBackend {
	case config.BackendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = a.cfg.DatabaseURL
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s, err := postgres.New(connectCtx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendRedis:
		rCfg := redisstore.DefaultConfig()
		rCfg.KeyPrefix = a.cfg.RedisKeyPrefix
		return redisstore.New(redisClient, rCfg)
	default:
		a.logger.Warn().Msg("Using the in-memory store; entitlements are lost on restart")
		return memory.New(), nil
	}
}

func (a *app) validationCache(redisClient goredis.UniversalClient) licensing.Cache {
	switch a.cfg.ValidationCache {
	case config.CacheRedis:
		return redisstore.NewValidationCache(redisClient, a.cfg.RedisKeyPrefix)
	case config.CacheNone:
		return &licensing.NoopCache{}
	default:
		return licensing.NewLRUCache(a.cfg.ValidationCacheSize)
	}
}

// Close releases backend connections in reverse order of opening
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
