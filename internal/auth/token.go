package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/authcode"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/alexjbarnes/authd/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// HandleToken returns the /oauth/token handler.
func HandleToken(clients ClientStore, codes CodeRedeemer, tokens TokenIssuer, auditor audit.Sink, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		noStore(w)

		params, err := readParams(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "invalid request body")
			return
		}

		ctx := r.Context()

		client, err := authenticateClient(ctx, r, params, clients, auditor)
		if err != nil {
			writeOAuthError(w, logger, err)
			return
		}

		var pair *token.TokenPair

		switch grantType := params.Get("grant_type"); grantType {
		case GrantAuthorizationCode:
			code := params.Get("code")
			if code == "" {
				writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "code is required")
				return
			}

			grant, err := codes.Redeem(ctx, authcode.RedeemRequest{
				Code:         code,
				ClientID:     client.ID,
				RedirectURI:  params.Get("redirect_uri"),
				CodeVerifier: params.Get("code_verifier"),
			})
			if err != nil {
				writeOAuthError(w, logger, err)
				return
			}

			pair, err = tokens.Issue(ctx, token.IssueRequest{
				UserID:   grant.UserID,
				ClientID: grant.ClientID,
				Scopes:   grant.Scopes,
				CodeID:   grant.CodeID,
			})
			if err != nil {
				writeOAuthError(w, logger, err)
				return
			}
		case GrantRefreshToken:
			refresh := params.Get("refresh_token")
			if refresh == "" {
				writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "refresh_token is required")
				return
			}

			pair, err = tokens.Refresh(ctx, refresh, client.ID)
			if err != nil {
				writeOAuthError(w, logger, err)
				return
			}
		case "":
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "grant_type is required")
			return
		default:
			logger.Debug("unsupported grant type",
				slog.String("client_id", client.ID),
				slog.String("grant_type", grantType),
			)
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeUnsupportedGrantType, "supported grant types are authorization_code and refresh_token")

			return
		}

		writeJSON(w, http.StatusOK, pair)
	}
}

// authenticateClient identifies the calling client with
// client_secret_basic, client_secret_post, or a bare client_id for public
// clients. Using both the Authorization header and body credentials is
// rejected.
func authenticateClient(ctx context.Context, r *http.Request, params url.Values, clients ClientStore, auditor audit.Sink) (*models.Client, error) {
	clientID := params.Get("client_id")
	secret := params.Get("client_secret")

	if user, pass, ok := r.BasicAuth(); ok {
		if secret != "" {
			return nil, apperrors.ErrInvalidRequest
		}

		// RFC 6749 Section 2.3.1: credentials are form-encoded before
		// being placed in the header.
		basicID, err := url.QueryUnescape(user)
		if err != nil {
			return nil, apperrors.ErrInvalidClient
		}

		if clientID != "" && clientID != basicID {
			return nil, apperrors.ErrInvalidRequest
		}

		if secret, err = url.QueryUnescape(pass); err != nil {
			return nil, apperrors.ErrInvalidClient
		}

		clientID = basicID
	}

	if clientID == "" {
		return nil, apperrors.ErrInvalidClient
	}

	client, err := clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, apperrors.Upstream("loading client", err)
	}

	fail := func(reason string) error {
		if auditor != nil {
			auditor.Record(ctx, models.AuditEvent{
				Type:     audit.EventInvalidClientAuth,
				ClientID: clientID,
				Reason:   reason,
			})
		}

		return apperrors.ErrInvalidClient
	}

	if client == nil {
		return nil, fail("unknown_client")
	}

	if !client.Confidential {
		return client, nil
	}

	if secret == "" {
		return nil, fail("missing_secret")
	}

	if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
		return nil, fail("bad_secret")
	}

	return client, nil
}

// HandleRevoke returns the /oauth/revoke handler. Per RFC 7009 the
// response is 200 whether or not the token was known.
func HandleRevoke(tokens TokenRevoker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(w, r)
		if err != nil || params.Get("token") == "" {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "token is required")
			return
		}

		if err := tokens.Revoke(r.Context(), params.Get("token")); err != nil {
			logger.Warn("token revocation failed", slog.String("error", err.Error()))
		}

		w.WriteHeader(http.StatusOK)
	}
}

// HandleIntrospect returns the /oauth/introspect handler (RFC 7662).
func HandleIntrospect(tokens Introspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		noStore(w)

		params, err := readParams(w, r)
		if err != nil || params.Get("token") == "" {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidRequest, "token is required")
			return
		}

		writeJSON(w, http.StatusOK, tokens.Introspect(r.Context(), params.Get("token")))
	}
}
