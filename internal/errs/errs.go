// Package errs defines the error classes shared by every sitebox component.
// Components wrap their failures in one of these types so the pipeline and
// the CLI can classify them with errors.As.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ValidationError reports bad or missing configuration, raised before any
// side effect.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Validation wraps err as a ValidationError.
func Validation(format string, args ...interface{}) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// TransportCause classifies a network failure for diagnostics.
type TransportCause string

const (
	CauseTimeout    TransportCause = "timeout"
	CauseConnection TransportCause = "connection"
	CauseDNS        TransportCause = "dns"
	CauseRequest    TransportCause = "request"
)

// TransportError reports a potentially transient network failure.
type TransportError struct {
	Op    string
	Cause TransportCause
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Cause, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps a client error, classifying its cause.
func Transport(op string, err error) *TransportError {
	return &TransportError{Op: op, Cause: Classify(err), Err: err}
}

// Classify maps a network error to a TransportCause.
func Classify(err error) TransportCause {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CauseTimeout
		}
		return CauseDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return CauseConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CauseConnection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return Classify(urlErr.Err)
	}
	return CauseRequest
}

// AuthError reports a rejected credential. Not retryable without operator
// intervention.
type AuthError struct {
	Op     string
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected: %s", e.Op, e.Detail)
}

// ProtocolError reports an unexpected response shape from an external service.
type ProtocolError struct {
	Op     string
	Status int
	Body   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected response (HTTP %d): %q", e.Op, e.Status, e.Body)
}

// StateError reports a violated precondition on local state, such as an
// empty backup store.
type StateError struct {
	Err error
}

func (e *StateError) Error() string { return e.Err.Error() }
func (e *StateError) Unwrap() error { return e.Err }

// PartialApplyError reports that a change was applied but not activated.
type PartialApplyError struct {
	Err    error
	Output string
}

func (e *PartialApplyError) Error() string {
	if e.Output == "" {
		return "applied but not activated: " + e.Err.Error()
	}
	return fmt.Sprintf("applied but not activated: %v\n%s", e.Err, e.Output)
}
func (e *PartialApplyError) Unwrap() error { return e.Err }

// Kind returns the class name of err for logs and the history database.
func Kind(err error) string {
	var (
		v  *ValidationError
		t  *TransportError
		a  *AuthError
		p  *ProtocolError
		s  *StateError
		pa *PartialApplyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &v):
		return "validation"
	case errors.As(err, &a):
		return "auth"
	case errors.As(err, &p):
		return "protocol"
	case errors.As(err, &t):
		return "transport"
	case errors.As(err, &s):
		return "state"
	case errors.As(err, &pa):
		return "partial-apply"
	default:
		return "internal"
	}
}
