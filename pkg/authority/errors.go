package authority

import (
	"errors"
	"fmt"
)

// ErrorKind classifies Authority failures so callers can decide whether to
// surface, swallow, or fall back to the local store.
type ErrorKind int

const (
	// KindAPI is any non-2xx response not covered by a more specific kind.
	KindAPI ErrorKind = iota
	// KindValidation is a 400 response. Never retried.
	KindValidation
	// KindAuth is a 401 response; the caller must re-authenticate.
	KindAuth
	// KindAccessDenied is a 403 response. CheckAccess translates this into
	// a nil grant rather than surfacing it as an error.
	KindAccessDenied
	// KindNotFound is a 404 response. Collection lookups translate this
	// into an empty result.
	KindNotFound
	// KindServer is a 5xx response. Eligible for local fallback.
	KindServer
	// KindTransport is a network-level failure (dial, timeout, reset).
	// Eligible for retry and local fallback.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	case KindTransport:
		return "transport"
	default:
		return "api"
	}
}

// Error is a typed Authority failure carrying the upstream machine code and
// message when the response body had the standard error envelope.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authority: %s: %v", e.Kind, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("authority: %s (%d %s): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authority: %s (status %d)", e.Kind, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err, or KindAPI if err is not an
// Authority error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindAPI
}

// ShouldFallBack reports whether err is the class of failure (transport or
// upstream 5xx) that permits degraded operation against the local store.
func ShouldFallBack(err error) bool {
	k := KindOf(err)
	return k == KindTransport || k == KindServer
}

func statusKind(status int) ErrorKind {
	switch {
	case status == 400:
		return KindValidation
	case status == 401:
		return KindAuth
	case status == 403:
		return KindAccessDenied
	case status == 404:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindAPI
	}
}
