package server

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a grant or token failure. The values double as the
// OAuth error codes written on the wire.
type ErrorKind string

const (
	KindInvalidClient         ErrorKind = "invalid_client"
	KindInvalidGrant          ErrorKind = "invalid_grant"
	KindInvalidScope          ErrorKind = "invalid_scope"
	KindUnauthorizedGrant     ErrorKind = "unauthorized_client"
	KindRedirectMismatch      ErrorKind = "redirect_uri_mismatch"
	KindUnsupportedGrantType  ErrorKind = "unsupported_grant_type"
	KindUnsupportedResponse   ErrorKind = "unsupported_response_type"
	KindInvalidRequest        ErrorKind = "invalid_request"
	KindTokenExpired          ErrorKind = "token_expired"
	KindTokenInvalidSignature ErrorKind = "token_invalid_signature"
	KindTokenNotFound         ErrorKind = "token_not_found"
	KindForbidden             ErrorKind = "forbidden"
	KindNotFound              ErrorKind = "not_found"
	KindConflict              ErrorKind = "conflict"
	KindServiceUnavailable    ErrorKind = "temporarily_unavailable"
)

// Error is the typed failure returned by every Server operation.
// Description is safe to show to the caller; Err is kept for logs.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so the Err* values below can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Description == "" && t.Err == nil
}

// Kind-only values for errors.Is checks.
var (
	ErrInvalidClient         = &Error{Kind: KindInvalidClient}
	ErrInvalidGrant          = &Error{Kind: KindInvalidGrant}
	ErrInvalidScope          = &Error{Kind: KindInvalidScope}
	ErrUnauthorizedGrant     = &Error{Kind: KindUnauthorizedGrant}
	ErrRedirectMismatch      = &Error{Kind: KindRedirectMismatch}
	ErrUnsupportedGrantType  = &Error{Kind: KindUnsupportedGrantType}
	ErrUnsupportedResponse   = &Error{Kind: KindUnsupportedResponse}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrTokenExpired          = &Error{Kind: KindTokenExpired}
	ErrTokenInvalidSignature = &Error{Kind: KindTokenInvalidSignature}
	ErrTokenNotFound         = &Error{Kind: KindTokenNotFound}
	ErrForbidden             = &Error{Kind: KindForbidden}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrServiceUnavailable    = &Error{Kind: KindServiceUnavailable}
)

func newError(kind ErrorKind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTokenError reports whether err is one of the token validation kinds.
func IsTokenError(err error) bool {
	switch KindOf(err) {
	case KindTokenExpired, KindTokenInvalidSignature, KindTokenNotFound:
		return true
	}
	return false
}
