package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nuguri/nuguri-auth/authz"
	"github.com/nuguri/nuguri-auth/server"
	"github.com/nuguri/nuguri-auth/storage"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeNotFound                = "not_found"
	ErrorCodeConflict                = "conflict"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// Fields lists rejected request parameters, if any
	Fields []storage.FieldError
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is missing, invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates a valid token without the scope the operation needs
	ErrInsufficientScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the principal may not act on the resource
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}
)

// kindErrors maps each server error kind onto its wire code and status.
// Redirect mismatches are reported as invalid_grant (RFC 6749 Section 5.2).
var kindErrors = map[server.ErrorKind]struct {
	code   string
	status int
}{
	server.KindInvalidClient:         {ErrorCodeInvalidClient, http.StatusUnauthorized},
	server.KindInvalidGrant:          {ErrorCodeInvalidGrant, http.StatusBadRequest},
	server.KindInvalidScope:          {ErrorCodeInvalidScope, http.StatusBadRequest},
	server.KindUnauthorizedGrant:     {ErrorCodeUnauthorizedClient, http.StatusBadRequest},
	server.KindRedirectMismatch:      {ErrorCodeInvalidGrant, http.StatusBadRequest},
	server.KindUnsupportedGrantType:  {ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
	server.KindUnsupportedResponse:   {ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
	server.KindInvalidRequest:        {ErrorCodeInvalidRequest, http.StatusBadRequest},
	server.KindTokenExpired:          {ErrorCodeInvalidToken, http.StatusUnauthorized},
	server.KindTokenInvalidSignature: {ErrorCodeInvalidToken, http.StatusUnauthorized},
	server.KindTokenNotFound:         {ErrorCodeInvalidToken, http.StatusUnauthorized},
	server.KindForbidden:             {ErrorCodeAccessDenied, http.StatusForbidden},
	server.KindNotFound:              {ErrorCodeNotFound, http.StatusNotFound},
	server.KindConflict:              {ErrorCodeConflict, http.StatusConflict},
	server.KindServiceUnavailable:    {ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
}

// toOAuthError is the only place typed failures become HTTP statuses.
// Errors without a known kind are reported as server_error without detail.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var pageErr *storage.PageError
	if errors.As(err, &pageErr) {
		e := ErrInvalidRequest("invalid parameter value")
		e.Fields = pageErr.Fields
		return e
	}

	var srvErr *server.Error
	if errors.As(err, &srvErr) {
		if m, ok := kindErrors[srvErr.Kind]; ok {
			desc := srvErr.Description
			if desc == "" {
				desc = string(srvErr.Kind)
			}
			return NewOAuthError(m.code, desc, m.status)
		}
	}

	switch {
	case errors.Is(err, authz.ErrInsufficientScope):
		return ErrInsufficientScope("token lacks the required scope")
	case errors.Is(err, authz.ErrForbidden):
		return ErrAccessDenied("access is denied")
	}
	return ErrServerError("internal server error")
}
