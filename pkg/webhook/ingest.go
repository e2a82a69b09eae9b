package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/pkg/internal"
)

// DefaultMaxBodyBytes caps webhook payloads
const DefaultMaxBodyBytes = 256 * 1024

// DefaultPath is where the provider is configured to deliver events
const DefaultPath = "/webhooks/provider"

// Outcome of processing one delivery
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnrecognized = "unrecognized"
	OutcomeDropped      = "dropped"
	OutcomeMalformed    = "malformed"
	OutcomeFailed       = "error"
)

// IngestorConfig configures an Ingestor
type IngestorConfig struct {
	Store      entitlement.Store
	Verifier   *Verifier
	Classifier *Classifier

	// StoreTimeout bounds each store call (default: 5s)
	StoreTimeout time.Duration

	// MaxBodyBytes caps the request body (default: 256KB)
	MaxBodyBytes int64

	// ClaimLease is how long a claim is held before a redelivery may take it over
	// (default: 3 * StoreTimeout, covering claim, apply and mark)
	ClaimLease time.Duration

	// Now is the clock (default: time.Now)
	Now func() time.Time

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// Ingestor is the webhook endpoint: verify, claim, classify, apply.
// It implements http.Handler.
type Ingestor struct {
	store        entitlement.Store
	verifier     *Verifier
	classifier   *Classifier
	storeTimeout time.Duration
	maxBodyBytes int64
	claimLease   time.Duration
	now          func() time.Time
	logger       entitlement.Logger
	metrics      entitlement.Metrics
}

// NewIngestor creates an ingestor with defaults applied
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("webhook: store is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("webhook: verifier is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = &Classifier{}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 3 * cfg.StoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &entitlement.NoopMetrics{}
	}
	return &Ingestor{
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		classifier:   cfg.Classifier,
		storeTimeout: cfg.StoreTimeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		claimLease:   cfg.ClaimLease,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

type response struct {
	OK        bool   `json:"ok"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (in *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, response{Reason: "method_not_allowed"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, in.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			in.metrics.RecordWebhookError("payload_too_large")
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, response{Reason: "payload_too_large"})
			return
		}
		in.metrics.RecordWebhookError("invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, response{Reason: "invalid_payload"})
		return
	}

	if err := in.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		in.metrics.RecordWebhookError("auth_failed")
		in.logger.Warn("Webhook signature rejected", entitlement.Field{Key: "remote_addr", Value: r.RemoteAddr})
		_ = internal.WriteJSON(w, http.StatusUnauthorized, response{Reason: "invalid_signature"})
		return
	}

	var (
		outcome   string
		eventName string
	)
	env, err := ParseEnvelope(body, r.Header)
	if err != nil {
		eventName = EventNameFromHeader(r.Header)
		outcome, err = in.recordMalformed(r.Context(), body, r.Header)
	} else {
		eventName = env.EventName
		outcome, err = in.Process(r.Context(), env)
	}

	in.metrics.RecordWebhookEvent(eventName, outcome)
	in.metrics.RecordWebhookProcessingDuration(eventName, time.Since(startTime))

	if err != nil {
		in.metrics.RecordWebhookError("store_unavailable")
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, response{Reason: "store_unavailable"})
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, response{OK: true, Duplicate: outcome == OutcomeDuplicate})
}

// Process claims the event and applies its patch. The returned error is non-nil only for
// transient store failures, in which case the event is left re-claimable: marked error, or
// held by a lease that runs out when the mark itself could not be written.
func (in *Ingestor) Process(ctx context.Context, env *Envelope) (string, error) {
	ev := in.newEvent(env.EventID, env.EventName, json.RawMessage(env.Raw))

	claimed, err := in.claim(ctx, ev)
	if err != nil {
		return in.claimFailed(err)
	}
	if !claimed {
		in.logger.Debug("Duplicate webhook delivery",
			entitlement.Field{Key: "event_id", Value: env.EventID},
			entitlement.Field{Key: "event_name", Value: env.EventName},
		)
		return OutcomeDuplicate, nil
	}
	return in.apply(ctx, env)
}

// Replay re-runs classification and merge for a stored event, regardless of its status.
func (in *Ingestor) Replay(ctx context.Context, eventID string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, in.storeTimeout)
	ev, err := in.store.GetEvent(sctx, eventID)
	cancel()
	if err != nil {
		return OutcomeFailed, err
	}

	env, err := ParseEnvelope(ev.Payload, nil)
	if err != nil {
		return OutcomeMalformed, err
	}
	env.EventID = ev.EventID
	if ev.EventName != "" {
		env.EventName = ev.EventName
	}
	return in.apply(ctx, env)
}

func (in *Ingestor) apply(ctx context.Context, env *Envelope) (string, error) {
	fields := []entitlement.Field{
		{Key: "event_id", Value: env.EventID},
		{Key: "event_name", Value: env.EventName},
	}

	patch, kind := in.classifier.Classify(env)
	if patch == nil {
		in.logger.Info("Unrecognized webhook event recorded", fields...)
		in.markProcessed(ctx, env.EventID)
		return OutcomeUnrecognized, nil
	}

	actx, cancel := context.WithTimeout(ctx, in.storeTimeout)
	err := entitlement.Apply(actx, in.store, patch)
	cancel()

	switch {
	case err == nil:
		in.logger.Info("Webhook event applied", append(fields, entitlement.Field{Key: "kind", Value: kind.String()})...)
		in.markProcessed(ctx, env.EventID)
		return OutcomeProcessed, nil
	case errors.Is(err, entitlement.ErrCorrelationMiss):
		in.logger.Info("Webhook event dropped, no matching entitlement", fields...)
		in.markProcessed(ctx, env.EventID)
		return OutcomeDropped, nil
	case isTransient(err):
		in.logger.Error("Webhook event failed on store", append(fields, entitlement.Field{Key: "error", Value: err})...)
		in.markFailed(ctx, env.EventID, err)
		return OutcomeFailed, err
	default:
		in.logger.Warn("Webhook event processing failed", append(fields, entitlement.Field{Key: "error", Value: err})...)
		in.markFailed(ctx, env.EventID, err)
		return OutcomeFailed, nil
	}
}

// recordMalformed stores an unparseable delivery with status error so it is auditable.
func (in *Ingestor) recordMalformed(ctx context.Context, body []byte, header http.Header) (string, error) {
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return OutcomeMalformed, nil
	}
	ev := in.newEvent(EventIDFromRaw(body, header), EventNameFromHeader(header), quoted)

	claimed, err := in.claim(ctx, ev)
	if err != nil {
		return in.claimFailed(err)
	}
	if !claimed {
		return OutcomeDuplicate, nil
	}
	in.logger.Warn("Malformed webhook payload recorded", entitlement.Field{Key: "event_id", Value: ev.EventID})
	in.markFailed(ctx, ev.EventID, ErrMalformedPayload)
	return OutcomeMalformed, nil
}

func (in *Ingestor) newEvent(eventID, eventName string, payload json.RawMessage) *entitlement.WebhookEvent {
	now := in.now().UTC()
	lease := now.Add(in.claimLease)
	return &entitlement.WebhookEvent{
		EventID:    eventID,
		EventName:  eventName,
		ReceivedAt: now,
		Payload:    payload,
		Status:     entitlement.EventReceived,
		LeaseUntil: &lease,
	}
}

// claimFailed surfaces transient claim errors for a retry. A delivery the store refuses to
// record fails the same way on every retry, so it is acknowledged.
func (in *Ingestor) claimFailed(err error) (string, error) {
	if isTransient(err) {
		return OutcomeFailed, err
	}
	return OutcomeFailed, nil
}

func (in *Ingestor) claim(ctx context.Context, ev *entitlement.WebhookEvent) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, in.storeTimeout)
	defer cancel()

	claimed, err := in.store.ClaimEvent(cctx, ev)
	if err != nil {
		in.logger.Error("Webhook event claim failed",
			entitlement.Field{Key: "event_id", Value: ev.EventID},
			entitlement.Field{Key: "error", Value: err},
		)
		return false, fmt.Errorf("claim event %s: %w", ev.EventID, err)
	}
	return claimed, nil
}

// markProcessed runs after the side effect committed; a failure here is logged, not surfaced.
func (in *Ingestor) markProcessed(ctx context.Context, eventID string) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.storeTimeout)
	defer cancel()

	if err := in.store.MarkEventProcessed(mctx, eventID); err != nil {
		in.logger.Warn("Failed to mark webhook event processed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}

func (in *Ingestor) markFailed(ctx context.Context, eventID string, cause error) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.storeTimeout)
	defer cancel()

	if err := in.store.MarkEventFailed(mctx, eventID, cause.Error()); err != nil {
		in.logger.Warn("Failed to mark webhook event failed",
			entitlement.Field{Key: "event_id", Value: eventID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}

func isTransient(err error) bool {
	return entitlement.IsInfrastructureError(err) || errors.Is(err, context.Canceled)
}
