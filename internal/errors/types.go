package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a trial failure for retry and reporting decisions.
type Kind string

const (
	// KindNone marks a successful attempt.
	KindNone Kind = ""
	// KindTransport - network/service-level failure, retryable.
	KindTransport Kind = "transport"
	// KindTimeout - deadline expired, retryable.
	KindTimeout Kind = "timeout"
	// KindExhausted - no healthy credential available, retryable after backoff.
	KindExhausted Kind = "exhausted"
	// KindUnparseable - sanitization fell through every stage; retryable as a
	// fresh attempt since model output is stochastic.
	KindUnparseable Kind = "unparseable"
	// KindCapability - well-formed but wrong answer; never retried.
	KindCapability Kind = "capability"
)

// TransportError represents a network or service-level failure.
type TransportError struct {
	Err          error
	StatusCode   int
	CredentialID string
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError represents an expired per-call deadline.
type TimeoutError struct {
	Err          error
	CredentialID string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// ExhaustedError signals that no healthy credential exists for a capability.
// RetryAfter carries the pool's hint for when selection may succeed again.
type ExhaustedError struct {
	Capability string
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("credential pool exhausted for capability %q", e.Capability)
}

// UnparseableError is returned when every sanitization stage failed.
type UnparseableError struct {
	StageErrs []error
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("output unparseable after %d stages: %v", len(e.StageErrs), errors.Join(e.StageErrs...))
}

func (e *UnparseableError) Unwrap() error { return errors.Join(e.StageErrs...) }

// CapabilityError marks a well-formed answer that failed grading.
type CapabilityError struct {
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability failure: %s", e.Reason)
}

// attributed decorates an error with the credential that was in use, so the
// caller can assign blame precisely without parsing messages.
type attributed struct {
	err          error
	credentialID string
}

func (a *attributed) Error() string        { return a.err.Error() }
func (a *attributed) Unwrap() error        { return a.err }
func (a *attributed) CredentialID() string { return a.credentialID }

// Attribute wraps err with the credential id that was bound when it occurred.
func Attribute(err error, credentialID string) error {
	if err == nil {
		return nil
	}
	return &attributed{err: err, credentialID: credentialID}
}

// CredentialOf extracts the implicated credential id from an error chain.
func CredentialOf(err error) string {
	for err != nil {
		if carrier, ok := err.(interface{ CredentialID() string }); ok {
			if id := carrier.CredentialID(); id != "" {
				return id
			}
		}
		switch e := err.(type) {
		case *TransportError:
			if e.CredentialID != "" {
				return e.CredentialID
			}
		case *TimeoutError:
			if e.CredentialID != "" {
				return e.CredentialID
			}
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// KindOf classifies an arbitrary error into the trial failure taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return KindTransport
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return KindTimeout
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return KindExhausted
	}
	var unparseable *UnparseableError
	if errors.As(err, &unparseable) {
		return KindUnparseable
	}
	var capability *CapabilityError
	if errors.As(err, &capability) {
		return KindCapability
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if isNetworkError(err) {
		return KindTransport
	}
	if code := httpStatusOf(err); code > 0 && isTransientHTTPStatus(code) {
		return KindTransport
	}

	// Unrecognized errors are treated as transport noise so the retry loop
	// gets a chance; the orchestrator caps the loop regardless.
	return KindTransport
}

// IsRetryable reports whether a failure kind may be retried as a new attempt.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTransport, KindTimeout, KindExhausted, KindUnparseable:
		return true
	default:
		return false
	}
}

// IsInfrastructure reports whether a failure kind is an environment problem
// rather than a model-quality signal.
func IsInfrastructure(kind Kind) bool {
	switch kind {
	case KindTransport, KindTimeout, KindExhausted:
		return true
	default:
		return false
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func httpStatusOf(err error) int {
	var transport *TransportError
	if errors.As(err, &transport) {
		return transport.StatusCode
	}
	return 0
}
