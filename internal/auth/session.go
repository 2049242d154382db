package auth

import (
	"log/slog"
	"net/http"
	"time"
)

// SessionCookieName names the browser session cookie.
const SessionCookieName = "authd_session"

// CookieConfig controls session cookie attributes.
type CookieConfig struct {
	// Domain is set explicitly so the cookie is scoped to the
	// caller-visible host rather than whatever host served the request.
	Domain      string
	Secure      bool
	SameSiteLax bool
	MaxAge      time.Duration
}

func (c CookieConfig) cookie(value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteStrictMode
	if c.SameSiteLax {
		sameSite = http.SameSiteLaxMode
	}

	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: sameSite,
	}
}

func sessionToken(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}

	return c.Value
}

type loginResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleLogin returns the /oauth/login handler. It takes username and
// password and sets the session cookie on success.
func HandleLogin(sessions SessionManager, cookies CookieConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := readParams(w, r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		sess, tok, err := sessions.Authenticate(r.Context(), params.Get("username"), params.Get("password"))
		if err != nil {
			writeOAuthError(w, logger, err)
			return
		}

		http.SetCookie(w, cookies.cookie(tok, int(cookies.MaxAge.Seconds())))
		noStore(w)
		writeJSON(w, http.StatusOK, loginResponse{UserID: sess.UserID, ExpiresAt: sess.ExpiresAt})
	}
}

// HandleLogout returns the /oauth/logout handler. The cookie is cleared
// even when no valid session was presented.
func HandleLogout(sessions SessionManager, cookies CookieConfig, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tok := sessionToken(r); tok != "" {
			if err := sessions.Revoke(r.Context(), tok); err != nil {
				writeOAuthError(w, logger, err)
				return
			}
		}

		http.SetCookie(w, cookies.cookie("", -1))
		w.WriteHeader(http.StatusNoContent)
	}
}
