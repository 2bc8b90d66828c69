package telephony

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for a missing or incomplete identity or argument
	ErrConfig = errors.New("invalid configuration")

	// ErrTransport is the parent of all connection-level failures
	ErrTransport = errors.New("transport error")
	// ErrTimeout wraps ErrTransport
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransport)
	// ErrTransportLost wraps ErrTransport
	ErrTransportLost = fmt.Errorf("%w: connection lost", ErrTransport)

	ErrAuth                 = errors.New("credentials rejected")
	ErrCertificateUntrusted = errors.New("server certificate untrusted")

	ErrSessionBusy   = errors.New("a call is already in progress")
	ErrNotRegistered = errors.New("identity not registered")
	ErrNoActiveCall  = errors.New("no active call")
	ErrInvalidState  = errors.New("operation not valid in current state")

	ErrMedia    = errors.New("media error")
	ErrProtocol = errors.New("protocol error")
)

// KindOf returns a stable label for err used to tag asynchronous failures.
// The most specific sentinel wins.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransportLost):
		return "transport_lost"
	case errors.Is(err, ErrCertificateUntrusted):
		return "certificate_untrusted"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrNoActiveCall):
		return "no_active_call"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrMedia):
		return "media"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "unknown"
	}
}

// ReasonFromError classifies a failed registration round trip.
// Anything unrecognised is treated as a lost transport.
func ReasonFromError(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrAuth):
		return ReasonAuthRejected
	case errors.Is(err, ErrCertificateUntrusted):
		return ReasonCertificateUntrusted
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonTransportLost
	}
}

// ErrorForReason is the inverse of ReasonFromError
func ErrorForReason(r FailureReason) error {
	switch r {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonAuthRejected:
		return ErrAuth
	case ReasonCertificateUntrusted:
		return ErrCertificateUntrusted
	case ReasonTransportLost:
		return ErrTransportLost
	default:
		return nil
	}
}
