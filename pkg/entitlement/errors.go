package entitlement

import "errors"

var (
	// ErrSignatureInvalid is returned when a webhook signature cannot be verified
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrStoreUnavailable wraps any storage failure that may succeed on retry
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrStoreRejected wraps a write the backend refused for its data, such as a constraint
	// violation or an unencodable value. Retrying the same input fails the same way.
	ErrStoreRejected = errors.New("entitlement store rejected write")

	// ErrCorrelationMiss is returned when a patch matches no existing row
	ErrCorrelationMiss = errors.New("no entitlement matches event")

	// ErrEntitlementNotFound is returned when a lookup matches no row
	ErrEntitlementNotFound = errors.New("entitlement not found")

	// ErrEventNotFound is returned when a stored webhook event does not exist
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrInvalidPatch is returned for patches that carry no usable identifier
	ErrInvalidPatch = errors.New("invalid entitlement patch")
)
