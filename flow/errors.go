package flow

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure kinds surfaced by the authorization code flow. Callers classify with errors.Is.
var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrMissingParams       = errors.New("missing code or state")
	ErrAuthorizationDenied = errors.New("authorization denied by provider")
	ErrCSRFMissing         = errors.New("csrf token not found")
	ErrCSRFMismatch        = errors.New("csrf token mismatch")
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrNetwork             = errors.New("upstream network failure")
	ErrProfileFetch        = errors.New("profile fetch failed")
	ErrDeserialization     = errors.New("profile decode failed")
	ErrPersistence         = errors.New("persistence failed")
	ErrCookieEncoding      = errors.New("credential cookie encoding failed")
	ErrCredentialInvalid   = errors.New("credential cookie invalid")
	ErrCredentialExpired   = errors.New("credential cookie expired")
)

// kindError pairs a failure kind with the underlying cause so both match errors.Is.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

func wrapKind(kind, err error) error {
	return &kindError{kind: kind, err: err}
}

// Rejection reports the state a callback stopped at and why.
type Rejection struct {
	Provider string
	State    State
	Err      error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected at %s: %v", r.Provider, r.State, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// StatusCode maps the rejection onto the HTTP status shown to the visitor.
func (r *Rejection) StatusCode() int {
	return StatusCode(r.Err)
}

// ClientFault reports whether the failure was caused by the request rather than the server
// or the upstream provider.
func (r *Rejection) ClientFault() bool {
	return StatusCode(r.Err) < http.StatusInternalServerError
}

// StatusCode maps a flow error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, ErrMissingParams),
		errors.Is(err, ErrAuthorizationDenied),
		errors.Is(err, ErrCSRFMissing),
		errors.Is(err, ErrCSRFMismatch),
		errors.Is(err, ErrInvalidGrant):
		return http.StatusBadRequest
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrProfileFetch),
		errors.Is(err, ErrDeserialization):
		return http.StatusBadGateway
	case errors.Is(err, ErrCredentialInvalid), errors.Is(err, ErrCredentialExpired):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Outcome names the failure kind of err for metric labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrMissingParams):
		return "missing_params"
	case errors.Is(err, ErrAuthorizationDenied):
		return "denied"
	case errors.Is(err, ErrCSRFMissing):
		return "csrf_missing"
	case errors.Is(err, ErrCSRFMismatch):
		return "csrf_mismatch"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrProfileFetch):
		return "profile_fetch"
	case errors.Is(err, ErrDeserialization):
		return "deserialization"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrCookieEncoding):
		return "cookie_encoding"
	default:
		return "internal"
	}
}
