// Package guard authenticates callers and validates their sessions.
//
// A session is an HS256 JWT naming a stored session record. Validation
// checks the signature, the record (unexpired, unrevoked) and the
// subject's active flag on every call, because account state can change
// between session issuance and use.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/instrumentation"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"
)

//go:generate mockgen -source=guard.go -destination=mock_store_test.go -package=guard

const (
	// DefaultMaxFailures and DefaultLockDuration define the lockout policy.
	DefaultMaxFailures  = 5
	DefaultLockDuration = 30 * time.Minute

	// minSecretLen is the minimum HS256 key length.
	minSecretLen = 32
)

// UserStore loads accounts and applies login attempts atomically.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	RecordLoginAttempt(ctx context.Context, userID string, success bool, now time.Time, policy models.LockoutPolicy) (models.LoginResult, error)
}

// SessionStore persists session records.
type SessionStore interface {
	SaveSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

// Config holds guard settings.
type Config struct {
	Secret        []byte
	Issuer        string
	SessionTTL    time.Duration
	LookupTimeout time.Duration
	Lockout       models.LockoutPolicy
}

// Subject is the authenticated identity behind a valid session.
type Subject struct {
	UserID    string
	Username  string
	SessionID string
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Guard implements credential checks, lockout and session validation.
type Guard struct {
	users     UserStore
	sessions  SessionStore
	auditor   audit.Sink
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
	cfg       Config
	dummyHash []byte
	now       func() time.Time
}

// New creates a Guard.
func New(users UserStore, sessions SessionStore, auditor audit.Sink, metrics *instrumentation.Metrics, logger *slog.Logger, cfg Config) (*Guard, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}

	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLen)
	}

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive")
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if cfg.Lockout.MaxFailures == 0 {
		cfg.Lockout = models.LockoutPolicy{MaxFailures: DefaultMaxFailures, LockDuration: DefaultLockDuration}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Unknown usernames are compared against this hash so the response
	// time does not reveal whether an account exists.
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	return &Guard{
		users:     users,
		sessions:  sessions,
		auditor:   auditor,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// NormalizeUsername applies the PRECIS UsernameCaseMapped profile so
// equivalent spellings resolve to the same account.
func NormalizeUsername(username string) (string, error) {
	return precis.UsernameCaseMapped.String(username)
}

// Authenticate verifies a username and password and opens a session. It
// returns the session record and its signed token.
func (g *Guard) Authenticate(ctx context.Context, username, password string) (*models.Session, string, error) {
	name, err := NormalizeUsername(username)
	if err != nil || password == "" {
		g.loginFailed(ctx, "", "malformed_credentials")
		return nil, "", apperrors.ErrInvalidCredentials
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	user, err := g.users.GetUserByUsername(lctx, name)
	cancel()

	if err != nil {
		return nil, "", apperrors.Upstream("loading user", err)
	}

	if user == nil {
		_ = bcrypt.CompareHashAndPassword(g.dummyHash, []byte(password))

		g.loginFailed(ctx, "", "unknown_user")

		return nil, "", apperrors.ErrInvalidCredentials
	}

	passwordOK := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil

	lctx, cancel = context.WithTimeout(ctx, g.cfg.LookupTimeout)
	result, err := g.users.RecordLoginAttempt(lctx, user.ID, passwordOK, g.now(), g.cfg.Lockout)
	cancel()

	if err != nil {
		return nil, "", apperrors.Upstream("recording login attempt", err)
	}

	switch result {
	case models.LoginRejectedLocked:
		g.logger.Warn("login rejected: account locked", slog.String("user_id", user.ID))
		g.record(ctx, audit.EventAccountLocked, user.ID, "locked")
		g.metrics.LoginFailed(ctx)

		return nil, "", apperrors.ErrAccountLocked
	case models.LoginLockedOut:
		g.logger.Warn("account locked after repeated failures", slog.String("user_id", user.ID))
		g.record(ctx, audit.EventAccountLocked, user.ID, "too_many_failures")
		g.metrics.AccountLocked(ctx)
		g.loginFailed(ctx, user.ID, "bad_password")

		return nil, "", apperrors.ErrInvalidCredentials
	case models.LoginFailed:
		g.loginFailed(ctx, user.ID, "bad_password")
		return nil, "", apperrors.ErrInvalidCredentials
	case models.LoginRejectedInactive:
		g.record(ctx, audit.EventLoginFailed, user.ID, "inactive_account")
		return nil, "", apperrors.ErrInactiveAccount
	}

	// The record read above may predate the attempt; refuse on either view.
	if !user.Active {
		g.record(ctx, audit.EventLoginFailed, user.ID, "inactive_account")
		return nil, "", apperrors.ErrInactiveAccount
	}

	sess, token, err := g.openSession(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	g.logger.Info("login successful", slog.String("user_id", user.ID))
	g.record(ctx, audit.EventLoginSucceeded, user.ID, "")

	return sess, token, nil
}

func (g *Guard) openSession(ctx context.Context, userID string) (*models.Session, string, error) {
	now := g.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.SessionTTL),
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	if err := g.sessions.SaveSession(lctx, sess); err != nil {
		return nil, "", apperrors.Upstream("saving session", err)
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   userID,
			Issuer:    g.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.cfg.Secret)
	if err != nil {
		return nil, "", fmt.Errorf("%w: signing session: %w", apperrors.ErrInternalFault, err)
	}

	return sess, token, nil
}

// Validate resolves a session token to its subject. It fails with
// ErrInvalidSession for anything wrong with the token or record and with
// ErrInactiveAccount when the subject is no longer active.
func (g *Guard) Validate(ctx context.Context, token string) (*Subject, error) {
	claims, err := g.parse(token)
	if err != nil {
		g.logger.Debug("session rejected", slog.String("reason", err.Error()))
		return nil, apperrors.ErrInvalidSession
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	sess, err := g.sessions.GetSession(lctx, claims.ID)
	if err != nil {
		return nil, apperrors.Upstream("loading session", err)
	}

	if sess == nil || sess.Revoked || sess.UserID != claims.Subject || g.now().After(sess.ExpiresAt) {
		return nil, apperrors.ErrInvalidSession
	}

	user, err := g.users.GetUser(lctx, sess.UserID)
	if err != nil {
		return nil, apperrors.Upstream("loading user", err)
	}

	if user == nil {
		return nil, apperrors.ErrInvalidSession
	}

	if !user.Active {
		return nil, apperrors.ErrInactiveAccount
	}

	return &Subject{UserID: user.ID, Username: user.Username, SessionID: sess.ID}, nil
}

// Revoke ends the session named by token. Invalid or unknown tokens are
// ignored.
func (g *Guard) Revoke(ctx context.Context, token string) error {
	claims, err := g.parse(token)
	if err != nil {
		return nil
	}

	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	if err := g.sessions.RevokeSession(lctx, claims.ID); err != nil {
		return apperrors.Upstream("revoking session", err)
	}

	g.record(ctx, audit.EventSessionRevoked, claims.Subject, "logout")

	return nil
}

func (g *Guard) parse(token string) (*sessionClaims, error) {
	if token == "" {
		return nil, errors.New("empty session token")
	}

	claims := &sessionClaims{}

	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return g.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, err
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, errors.New("session token missing id or subject")
	}

	return claims, nil
}

// SessionTTL returns the configured session lifetime.
func (g *Guard) SessionTTL() time.Duration {
	return g.cfg.SessionTTL
}

func (g *Guard) loginFailed(ctx context.Context, userID, reason string) {
	g.logger.Warn("login failed", slog.String("user_id", userID), slog.String("reason", reason))
	g.record(ctx, audit.EventLoginFailed, userID, reason)
	g.metrics.LoginFailed(ctx)
}

func (g *Guard) record(ctx context.Context, eventType, userID, reason string) {
	if g.auditor == nil {
		return
	}

	g.auditor.Record(ctx, models.AuditEvent{Type: eventType, UserID: userID, Reason: reason})
}
