package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Client errors. Children wrap their parent so errors.Is matches both.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidSession     = fmt.Errorf("%w: invalid session", ErrUnauthorized)
	ErrInactiveAccount    = fmt.Errorf("%w: inactive account", ErrUnauthorized)
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", ErrUnauthorized)
	ErrAccountLocked      = fmt.Errorf("%w: account locked", ErrUnauthorized)

	ErrForbidden                  = errors.New("forbidden")
	ErrInvalidGrant               = errors.New("invalid grant")
	ErrReuseDetected              = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidGrant)
	ErrInvalidClient              = errors.New("invalid client")
	ErrInvalidScope               = errors.New("invalid scope")
	ErrInvalidRedirectURI         = errors.New("invalid redirect uri")
	ErrUnsupportedChallengeMethod = errors.New("unsupported code challenge method")
	ErrInvalidRequest             = errors.New("invalid request")
)

// Server/transport errors.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternalFault       = errors.New("internal fault")
)

// Storage outcomes returned by repositories from atomic operations.
var (
	ErrAlreadyConsumed = errors.New("already consumed")
	ErrTokenDead       = errors.New("refresh token already rotated")
	ErrChainRevoked    = errors.New("refresh chain revoked")
	ErrCodeReplayed    = errors.New("authorization code replayed")
)

// Upstream wraps a repository failure as a retryable upstream error.
// A deadline from a bounded lookup and a store error both land here.
func Upstream(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
}

// OAuth error codes (RFC 6749 Section 5.2, RFC 7009, RFC 6750).
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"
	CodeLoginRequired           = "login_required"
	CodeAccountLocked           = "account_locked"
	CodeSlowDown                = "slow_down"
)

// OAuthError is the wire shape of an error returned to an OAuth client.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}

	return e.Code + ": " + e.Description
}

// OAuthErrorFor maps an error from the core onto the OAuth error that may
// be shown to a client. Descriptions are fixed strings so no internal
// detail from the wrapped chain reaches the caller.
func OAuthErrorFor(err error) OAuthError {
	var oe OAuthError
	if errors.As(err, &oe) {
		return oe
	}

	switch {
	case err == nil:
		return OAuthError{Code: CodeServerError, Description: "internal error", Status: http.StatusInternalServerError}
	case errors.Is(err, ErrAccountLocked):
		return OAuthError{Code: CodeAccountLocked, Description: "account is temporarily locked", Status: http.StatusLocked}
	case errors.Is(err, ErrInvalidCredentials):
		return OAuthError{Code: CodeAccessDenied, Description: "invalid username or password", Status: http.StatusUnauthorized}
	case errors.Is(err, ErrUnauthorized):
		return OAuthError{Code: CodeLoginRequired, Description: "authentication required", Status: http.StatusUnauthorized}
	case errors.Is(err, ErrForbidden):
		return OAuthError{Code: CodeAccessDenied, Description: "permission denied", Status: http.StatusForbidden}
	case errors.Is(err, ErrInvalidGrant):
		return OAuthError{Code: CodeInvalidGrant, Description: "the provided grant is invalid", Status: http.StatusBadRequest}
	case errors.Is(err, ErrInvalidClient):
		return OAuthError{Code: CodeInvalidClient, Description: "client authentication failed", Status: http.StatusUnauthorized}
	case errors.Is(err, ErrInvalidScope):
		return OAuthError{Code: CodeInvalidScope, Description: "requested scope is not allowed", Status: http.StatusBadRequest}
	case errors.Is(err, ErrInvalidRedirectURI):
		return OAuthError{Code: CodeInvalidRequest, Description: "redirect_uri is not registered for this client", Status: http.StatusBadRequest}
	case errors.Is(err, ErrUnsupportedChallengeMethod):
		return OAuthError{Code: CodeInvalidRequest, Description: "code_challenge_method is not supported", Status: http.StatusBadRequest}
	case errors.Is(err, ErrInvalidRequest):
		return OAuthError{Code: CodeInvalidRequest, Description: "malformed request", Status: http.StatusBadRequest}
	case errors.Is(err, ErrUpstreamUnavailable):
		return OAuthError{Code: CodeTemporarilyUnavailable, Description: "service temporarily unavailable", Status: http.StatusServiceUnavailable}
	default:
		return OAuthError{Code: CodeServerError, Description: "internal error", Status: http.StatusInternalServerError}
	}
}
