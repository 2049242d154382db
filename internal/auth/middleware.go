package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/token"
	"golang.org/x/time/rate"
)

type contextKey int

const ctxAccessClaims contextKey = iota

// AccessClaimsFrom returns the verified access token claims from the
// context, or nil.
func AccessClaimsFrom(ctx context.Context) *token.AccessClaims {
	v, _ := ctx.Value(ctxAccessClaims).(*token.AccessClaims)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// RemoteIP stores the caller's address in the request context so audit
// events can carry it.
func RemoteIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(audit.WithRemoteIP(r.Context(), remoteIP(r))))
	})
}

// Middleware returns HTTP middleware that validates Bearer access tokens
// and stores their claims in the request context.
func Middleware(verifier AccessVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	const (
		wwwAuthNoToken = `Bearer realm="authd"`
		wwwAuthInvalid = `Bearer realm="authd", error="invalid_token"`
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", remoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			claims, err := verifier.VerifyAccess(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				if apperrors.OAuthErrorFor(err).Status == http.StatusServiceUnavailable {
					writeOAuthError(w, logger, err)
					return
				}

				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", remoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("client_id", claims.ClientID),
				slog.String("ip", remoteIP(r)),
			)

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAccessClaims, claims)))
		})
	}
}

type userInfoResponse struct {
	Subject  string `json:"sub"`
	Username string `json:"preferred_username"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// HandleUserInfo returns the /oauth/userinfo handler. It must sit behind
// Middleware.
func HandleUserInfo(users UserLookup, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := AccessClaimsFrom(r.Context())
		if claims == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		u, err := users.GetUser(r.Context(), claims.Subject)
		if err != nil {
			writeOAuthError(w, logger, apperrors.Upstream("loading user", err))
			return
		}

		if u == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		noStore(w)
		writeJSON(w, http.StatusOK, userInfoResponse{
			Subject:  u.ID,
			Username: u.Username,
			ClientID: claims.ClientID,
			Scope:    claims.Scope,
		})
	}
}

const (
	// rateLimitPruneThreshold is the number of tracked keys above which
	// the limiter drops idle entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000

	rateLimitIdle = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket limiter.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter allows perSecond requests per key with a burst of the
// same size. A non-positive rate disables limiting.
func NewRateLimiter(perSecond int) *RateLimiter {
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if len(rl.entries) > rateLimitPruneThreshold {
		for k, e := range rl.entries {
			if now.Sub(e.lastSeen) > rateLimitIdle {
				delete(rl.entries, k)
			}
		}
	}

	e, ok := rl.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = e
	}

	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429 slow_down. Requests
// are keyed by remote IP only. Client ids and usernames arrive
// unauthenticated at this point, so keying on them would hand every
// guessed value a fresh bucket.
func (rl *RateLimiter) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + remoteIP(r)

			if !rl.Allow(key) {
				logger.Warn("rate limited",
					slog.String("key", key),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, apperrors.CodeSlowDown, "too many requests, slow down")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
