// Package auth exposes the authorization server over HTTP: the browser
// redirect endpoints, the consent API used by the external consent
// surface, and the back-channel token, revocation and introspection
// endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authd/internal/authcode"
	"github.com/alexjbarnes/authd/internal/consent"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/alexjbarnes/authd/internal/token"
)

// maxRequestBody caps request bodies on every POST endpoint.
const maxRequestBody = 64 << 10

// ConsentFlow drives /authorize and the consent API.
type ConsentFlow interface {
	Authorize(ctx context.Context, sessionToken string, req consent.AuthorizeRequest) (consent.Result, error)
	Info(ctx context.Context, sessionToken string, req consent.AuthorizeRequest) (*consent.ConsentInfo, error)
	Submit(ctx context.Context, sessionToken string, req consent.SubmitRequest) (consent.Result, error)
}

// ClientStore loads registered clients for client authentication.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*models.Client, error)
}

// CodeRedeemer exchanges authorization codes for grants.
type CodeRedeemer interface {
	Redeem(ctx context.Context, req authcode.RedeemRequest) (*authcode.Grant, error)
}

// TokenIssuer mints and rotates token pairs.
type TokenIssuer interface {
	Issue(ctx context.Context, req token.IssueRequest) (*token.TokenPair, error)
	Refresh(ctx context.Context, raw, clientID string) (*token.TokenPair, error)
}

// TokenRevoker revokes access or refresh tokens.
type TokenRevoker interface {
	Revoke(ctx context.Context, raw string) error
}

// Introspector reports on presented tokens.
type Introspector interface {
	Introspect(ctx context.Context, raw string) token.Introspection
}

// AccessVerifier validates bearer access tokens.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, raw string) (*token.AccessClaims, error)
}

// KeySource publishes the token verification keys.
type KeySource interface {
	PublicJWKS() token.JWKS
}

// SessionManager opens and ends browser sessions.
type SessionManager interface {
	Authenticate(ctx context.Context, username, password string) (*models.Session, string, error)
	Revoke(ctx context.Context, token string) error
}

// UserLookup loads accounts for the userinfo endpoint.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

var errUnsupportedMediaType = errors.New("unsupported content type")

// readParams reads a form-encoded or JSON object body into url.Values.
// JSON values must all be strings.
func readParams(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	mediaType := "application/x-www-form-urlencoded"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var err error

		mediaType, _, err = mime.ParseMediaType(ct)
		if err != nil {
			return nil, errUnsupportedMediaType
		}
	}

	switch mediaType {
	case "application/json":
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}

		values := url.Values{}
		for k, v := range body {
			values.Set(k, v)
		}

		return values, nil
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}

		return r.PostForm, nil
	default:
		return nil, errUnsupportedMediaType
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, apperrors.OAuthError{Code: errCode, Description: description})
}

// writeOAuthError maps err onto its OAuth error response. Server faults
// are logged with the underlying error and reported without detail.
func writeOAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	oe := apperrors.OAuthErrorFor(err)

	if oe.Status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("error_code", oe.Code),
			slog.String("error", err.Error()),
		)
	}

	if oe.Code == apperrors.CodeInvalidClient && oe.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="authd"`)
	}

	if oe.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	writeJSONError(w, oe.Status, oe.Code, oe.Description)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
