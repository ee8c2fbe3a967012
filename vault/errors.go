package vault

import (
	"errors"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
)

// Error taxonomy for vault operations. The state machines in this package
// are the single place that decides retryable vs terminal; callers only see
// these sentinels wrapped with operation context.
var (
	// ErrInvalidInput marks bad caller input (PIN length, malformed
	// recovery code). Surfaced immediately, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoKeysAvailable means the transaction key pool is empty. Terminal;
	// the user must re-authenticate to obtain fresh keys.
	ErrNoKeysAvailable = errors.New("no transaction keys available")

	// ErrTransport marks a connect or publish failure.
	ErrTransport = errors.New("transport error")

	// ErrInvalidCredential means the vault rejected the PIN or password.
	// Terminal; the key already spent is not restored.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrMalformedResponse means the vault's answer could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNotReady means the vault answered with a default payload because
	// it is still initializing. Retryable.
	ErrNotReady = errors.New("vault not ready")

	// ErrSubmissionInFlight means another submission of the same operation
	// is already running. The second submission is a no-op, not a queued
	// retry.
	ErrSubmissionInFlight = errors.New("submission already in flight")

	// ErrTimeout and ErrWrongResponseShape are the correlator's sentinels,
	// re-exported so callers need only this package for errors.Is checks.
	ErrTimeout            = correlate.ErrTimeout
	ErrWrongResponseShape = correlate.ErrWrongResponseShape
)

// Outcome classifies one attempt of a verification session.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidCredential
	OutcomeNotReady
	OutcomeMalformedResponse
	OutcomeTimeout
	OutcomeTransportError
	OutcomeWrongResponseShape
	OutcomeNoKeys
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeMalformedResponse:
		return "malformed_response"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeWrongResponseShape:
		return "wrong_response_shape"
	case OutcomeNoKeys:
		return "no_keys_available"
	default:
		return "unknown"
	}
}

// retryable reports whether an attempt with this outcome may be retried
// within the session's attempt budget.
func (o Outcome) retryable() bool {
	switch o {
	case OutcomeNotReady, OutcomeTimeout, OutcomeTransportError, OutcomeWrongResponseShape:
		return true
	default:
		return false
	}
}
