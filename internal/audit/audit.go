// Package audit records security-relevant events. The rest of the server
// only emits well-formed facts through a Sink and never reads them back.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authd/internal/models"
	"github.com/google/uuid"
)

// Event types.
const (
	EventLoginSucceeded    = "login_succeeded"
	EventLoginFailed       = "login_failed"
	EventAccountLocked     = "account_locked"
	EventSessionRevoked    = "session_revoked"
	EventUnauthorized      = "unauthorized"
	EventForbidden         = "forbidden"
	EventConsentGranted    = "consent_granted"
	EventConsentDenied     = "consent_denied"
	EventCodeIssued        = "authorization_code_issued"
	EventCodeReplay        = "authorization_code_replay"
	EventTokenIssued       = "token_issued"
	EventTokenRefreshed    = "token_refreshed"
	EventTokenRevoked      = "token_revoked"
	EventRefreshReuse      = "refresh_token_reuse"
	EventScopeDenied       = "scope_denied"
	EventInvalidClientAuth = "invalid_client_auth"
)

// persistTimeout bounds how long a single audit write may take.
const persistTimeout = 2 * time.Second

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Store persists audit events.
type Store interface {
	AppendAuditEvent(ctx context.Context, ev models.AuditEvent) error
}

// Auditor logs every event as a structured "security_audit" line and,
// when a store is configured, appends it to durable storage. Persistence
// is best effort: a failed write is logged and the request continues.
type Auditor struct {
	logger *slog.Logger
	store  Store
	now    func() time.Time
}

// NewAuditor creates an Auditor. store may be nil.
func NewAuditor(logger *slog.Logger, store Store) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{logger: logger, store: store, now: time.Now}
}

// Record stamps the event and writes it to the log and the store.
func (a *Auditor) Record(ctx context.Context, ev models.AuditEvent) {
	if a == nil {
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now().UTC()
	}

	if ev.IPAddress == "" {
		ev.IPAddress = RemoteIP(ctx)
	}

	a.logger.Info("security_audit",
		slog.String("event_type", ev.Type),
		slog.String("user_id_hash", hashForLogging(ev.UserID)),
		slog.String("client_id", ev.ClientID),
		slog.String("reason", ev.Reason),
		slog.String("ip", ev.IPAddress),
		slog.Any("details", ev.Details),
	)

	if a.store == nil {
		return
	}

	// The request context may already be cancelled by the time a denial
	// is recorded; the write should still happen.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := a.store.AppendAuditEvent(wctx, ev); err != nil {
		a.logger.Warn("audit: persisting event failed",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// hashForLogging returns a short stable digest so user identifiers can be
// correlated across log lines without being written in the clear.
func hashForLogging(v string) string {
	if v == "" {
		return ""
	}

	h := sha256.Sum256([]byte(v))

	return hex.EncodeToString(h[:8])
}

type contextKey int

const ctxRemoteIP contextKey = iota

// WithRemoteIP returns a context carrying the caller's IP address.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxRemoteIP, ip)
}

// RemoteIP returns the caller IP from the context, or "".
func RemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}
