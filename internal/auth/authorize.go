package auth

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authd/internal/consent"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
)

// HandleAuthorize returns the /oauth/authorize handler. Requests from an
// unknown client or with an unregistered redirect_uri get a JSON error;
// every other outcome is a 302.
func HandleAuthorize(flow ConsentFlow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := consent.AuthorizeRequestFromQuery(r.URL.Query())

		res, err := flow.Authorize(r.Context(), sessionToken(r), req)
		if err != nil {
			logger.Debug("authorize request rejected",
				slog.String("client_id", req.ClientID),
				slog.String("reason", err.Error()),
			)
			// No client authentication happens here, so an unknown
			// client is a bad request rather than a 401.
			oe := apperrors.OAuthErrorFor(err)
			if oe.Status == http.StatusUnauthorized {
				oe.Status = http.StatusBadRequest
			}

			writeOAuthError(w, logger, oe)

			return
		}

		logger.Debug("authorize request",
			slog.String("client_id", req.ClientID),
			slog.String("outcome", res.State.String()),
		)

		noStore(w)
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
	}
}

// HandleConsentInfo returns the /oauth/consent/info handler.
func HandleConsentInfo(flow ConsentFlow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := flow.Info(r.Context(), sessionToken(r), consent.AuthorizeRequestFromQuery(r.URL.Query()))
		if err != nil {
			writeOAuthError(w, logger, err)
			return
		}

		noStore(w)
		writeJSON(w, http.StatusOK, info)
	}
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// HandleConsentSubmit returns the /oauth/consent/submit handler. The
// consent surface follows redirect_url from the response body.
func HandleConsentSubmit(flow ConsentFlow, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		req := consent.SubmitRequest{
			AuthorizeRequest: consent.AuthorizeRequestFromQuery(params),
			Decision:         params.Get("decision"),
		}

		res, err := flow.Submit(r.Context(), sessionToken(r), req)
		if err != nil {
			writeOAuthError(w, logger, err)
			return
		}

		logger.Debug("consent submitted",
			slog.String("client_id", req.ClientID),
			slog.String("outcome", res.State.String()),
		)

		noStore(w)
		writeJSON(w, http.StatusOK, redirectResponse{RedirectURL: res.RedirectURL})
	}
}
