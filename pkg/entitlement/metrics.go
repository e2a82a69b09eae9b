package entitlement

import "time"

// Metrics defines the interface for tracking ingestion and access operations.
type Metrics interface {
	// RecordWebhookEvent records the outcome of one delivery.
	// outcome: "processed", "duplicate", "unrecognized", "dropped", "error"
	RecordWebhookEvent(eventName, outcome string)

	// RecordWebhookProcessingDuration records how long a delivery took end to end.
	RecordWebhookProcessingDuration(eventName string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: "auth_failed", "payload_too_large", "invalid_payload", "store_error", ...
	RecordWebhookError(errorType string)

	// RecordAccessDecision records an access check result.
	RecordAccessDecision(source, reason string, active bool)

	// RecordValidationCall records a call to the provider validation endpoint.
	// status: "valid", "invalid", "error"
	RecordValidationCall(status string, duration time.Duration)

	// RecordCacheHit records a cache hit for a specific cache type.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordAccessDecision(_, _ string, _ bool)                  {}
func (n *NoopMetrics) RecordValidationCall(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordCacheHit(_ string)                                   {}
func (n *NoopMetrics) RecordCacheMiss(_ string)                                  {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
