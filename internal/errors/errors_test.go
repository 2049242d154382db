package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrUnauthorized,
		ErrForbidden,
		ErrInvalidGrant,
		ErrInvalidClient,
		ErrInvalidScope,
		ErrInvalidRedirectURI,
		ErrUnsupportedChallengeMethod,
		ErrUpstreamUnavailable,
		ErrInternalFault,
	}
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.False(t, errors.Is(sentinels[i], sentinels[j]),
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestChildErrors_MatchParent(t *testing.T) {
	for _, err := range []error{ErrInvalidSession, ErrInactiveAccount, ErrInvalidCredentials, ErrAccountLocked} {
		assert.ErrorIs(t, err, ErrUnauthorized)
	}

	assert.ErrorIs(t, ErrReuseDetected, ErrInvalidGrant)
	assert.NotErrorIs(t, ErrInvalidGrant, ErrReuseDetected)
}

func TestUpstream_WrapsBoth(t *testing.T) {
	err := Upstream("loading user", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "loading user")
}

func TestOAuthErrorFor(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ErrInvalidGrant, CodeInvalidGrant, http.StatusBadRequest},
		{fmt.Errorf("redeem: %w", ErrReuseDetected), CodeInvalidGrant, http.StatusBadRequest},
		{ErrInvalidClient, CodeInvalidClient, http.StatusUnauthorized},
		{ErrInvalidSession, CodeLoginRequired, http.StatusUnauthorized},
		{ErrAccountLocked, CodeAccountLocked, http.StatusLocked},
		{ErrInvalidCredentials, CodeAccessDenied, http.StatusUnauthorized},
		{ErrForbidden, CodeAccessDenied, http.StatusForbidden},
		{ErrInvalidScope, CodeInvalidScope, http.StatusBadRequest},
		{ErrInvalidRedirectURI, CodeInvalidRequest, http.StatusBadRequest},
		{ErrUnsupportedChallengeMethod, CodeInvalidRequest, http.StatusBadRequest},
		{Upstream("op", errors.New("bolt: timeout")), CodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{errors.New("nil pointer somewhere"), CodeServerError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := OAuthErrorFor(tt.err)
		assert.Equal(t, tt.code, got.Code, "code for %v", tt.err)
		assert.Equal(t, tt.status, got.Status, "status for %v", tt.err)
	}
}

func TestOAuthErrorFor_NeverLeaksDetail(t *testing.T) {
	got := OAuthErrorFor(fmt.Errorf("query users: pq: relation %q does not exist", "users"))
	assert.Equal(t, "internal error", got.Description)
	assert.NotContains(t, got.Error(), "relation")
}

func TestOAuthErrorFor_PassesThroughOAuthError(t *testing.T) {
	in := OAuthError{Code: CodeUnsupportedGrantType, Description: "nope", Status: http.StatusBadRequest}
	got := OAuthErrorFor(fmt.Errorf("token: %w", in))
	assert.Equal(t, in, got)
}
