package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrUnauthorized = errors.New("domain: unauthorized")
	ErrForbidden    = errors.New("domain: forbidden")
)

// Negotiation error taxonomy. Transport-specific errors wrap one of these so
// callers can branch with errors.Is regardless of where the failure happened.
var (
	// ErrInvalidOffer is bad local input. It never reaches the network.
	ErrInvalidOffer = errors.New("negotiation: invalid offer")

	// ErrAuthentication means the caller must re-authenticate. Not retryable.
	ErrAuthentication = errors.New("negotiation: authentication required")

	// ErrValidation means the server rejected the offer shape.
	ErrValidation = errors.New("negotiation: validation failed")

	// ErrServiceUnavailable is transient; the same offer may be resubmitted once.
	ErrServiceUnavailable = errors.New("negotiation: service unavailable")

	// ErrNegotiationClosed is returned when offering into an accepted or rejected negotiation.
	ErrNegotiationClosed = errors.New("negotiation: closed")
)
