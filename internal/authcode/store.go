// Package authcode issues and redeems single-use, PKCE-bound
// authorization codes.
package authcode

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/instrumentation"
	"github.com/alexjbarnes/authd/internal/models"
	"golang.org/x/oauth2"
)

//go:generate mockgen -source=store.go -destination=mock_store_test.go -package=authcode

const (
	// CodeTTL is the fixed lifetime of an authorization code.
	CodeTTL = 10 * time.Minute

	// cleanupInterval is how often expired artifacts are purged.
	cleanupInterval = 5 * time.Minute

	minVerifierLen = 43
	maxVerifierLen = 128
)

// CodeStore persists codes. ConsumeCode must mark a code consumed in one
// atomic step and return ErrAlreadyConsumed (with the code) if it was
// consumed before.
type CodeStore interface {
	SaveCode(ctx context.Context, c *models.AuthorizationCode) error
	ConsumeCode(ctx context.Context, hash string) (*models.AuthorizationCode, error)
}

// Revoker revokes every token minted from a code.
type Revoker interface {
	RevokeByCode(ctx context.Context, codeID string) error
}

// Purger deletes expired artifacts.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Config holds code store settings.
type Config struct {
	AllowPlain    bool
	LookupTimeout time.Duration
}

// IssueRequest describes a code to mint.
type IssueRequest struct {
	Client              *models.Client
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RedeemRequest carries the token-endpoint parameters for a code grant.
type RedeemRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Grant is what a successfully redeemed code authorizes.
type Grant struct {
	UserID   string
	ClientID string
	Scopes   []string
	CodeID   string
}

// Store issues and redeems authorization codes.
type Store struct {
	codes   CodeStore
	revoker Revoker
	auditor audit.Sink
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	gcInterval time.Duration
}

// New creates a Store. revoker may be nil, in which case a replayed code
// is only audited.
func New(codes CodeStore, revoker Revoker, auditor audit.Sink, metrics *instrumentation.Metrics, logger *slog.Logger, cfg Config) *Store {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		codes:   codes,
		revoker: revoker,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,

		gcInterval: cleanupInterval,
	}
}

// HashCode returns the stored identifier for a raw code value.
func HashCode(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

// NormalizeMethod maps an absent challenge method to S256 and validates
// the rest.
func (s *Store) NormalizeMethod(method string) (string, error) {
	switch method {
	case "", models.ChallengeS256:
		return models.ChallengeS256, nil
	case models.ChallengePlain:
		if s.cfg.AllowPlain {
			return models.ChallengePlain, nil
		}
	}

	return "", fmt.Errorf("%w: %q", apperrors.ErrUnsupportedChallengeMethod, method)
}

// Issue mints a code for req and returns the raw value alongside the
// stored record. The raw value is never persisted.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (string, *models.AuthorizationCode, error) {
	if req.Client == nil {
		return "", nil, apperrors.ErrInvalidClient
	}

	if !req.Client.HasRedirectURI(req.RedirectURI) {
		return "", nil, apperrors.ErrInvalidRedirectURI
	}

	method, err := s.NormalizeMethod(req.CodeChallengeMethod)
	if err != nil {
		return "", nil, err
	}

	if req.CodeChallenge == "" {
		return "", nil, fmt.Errorf("%w: code_challenge is required", apperrors.ErrInvalidRequest)
	}

	if req.UserID == "" {
		return "", nil, fmt.Errorf("%w: code issued without a subject", apperrors.ErrInternalFault)
	}

	raw := oauth2.GenerateVerifier()
	now := s.now()

	code := &models.AuthorizationCode{
		Hash:                HashCode(raw),
		ClientID:            req.Client.ID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		IssuedAt:            now,
		ExpiresAt:           now.Add(CodeTTL),
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	if err := s.codes.SaveCode(lctx, code); err != nil {
		return "", nil, apperrors.Upstream("saving authorization code", err)
	}

	s.metrics.CodeIssued(ctx, code.ClientID)
	s.record(ctx, models.AuditEvent{Type: audit.EventCodeIssued, UserID: code.UserID, ClientID: code.ClientID})

	return raw, code, nil
}

// Redeem consumes a code and verifies the token request against it. The
// consume happens before any check, so a code is spent by its first
// presentation whatever the outcome. Every rejection is ErrInvalidGrant.
func (s *Store) Redeem(ctx context.Context, req RedeemRequest) (*Grant, error) {
	if req.Code == "" {
		return nil, s.reject("missing_code", req.ClientID)
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	code, err := s.codes.ConsumeCode(lctx, HashCode(req.Code))
	cancel()

	switch {
	case errors.Is(err, apperrors.ErrAlreadyConsumed):
		s.replayed(ctx, code)
		return nil, s.reject("already_consumed", req.ClientID)
	case err != nil:
		return nil, apperrors.Upstream("consuming authorization code", err)
	case code == nil:
		return nil, s.reject("unknown_code", req.ClientID)
	}

	if s.now().After(code.ExpiresAt) {
		return nil, s.reject("expired", req.ClientID)
	}

	if code.ClientID != req.ClientID {
		return nil, s.reject("client_mismatch", req.ClientID)
	}

	if code.RedirectURI != req.RedirectURI {
		return nil, s.reject("redirect_uri_mismatch", req.ClientID)
	}

	if !VerifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, req.CodeVerifier) {
		s.metrics.PKCEFailed(ctx, req.ClientID)
		return nil, s.reject("pkce_mismatch", req.ClientID)
	}

	s.metrics.CodeRedeemed(ctx, code.ClientID)

	return &Grant{
		UserID:   code.UserID,
		ClientID: code.ClientID,
		Scopes:   code.Scopes,
		CodeID:   code.Hash,
	}, nil
}

// VerifyPKCE checks a code_verifier against the stored challenge.
func VerifyPKCE(method, challenge, verifier string) bool {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return false
	}

	var computed string

	switch method {
	case models.ChallengeS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case models.ChallengePlain:
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func (s *Store) reject(reason, clientID string) error {
	s.logger.Debug("authorization code rejected",
		slog.String("reason", reason),
		slog.String("client_id", clientID),
	)

	return apperrors.ErrInvalidGrant
}

// replayed revokes everything minted from a code presented a second time.
func (s *Store) replayed(ctx context.Context, code *models.AuthorizationCode) {
	if code == nil {
		return
	}

	s.logger.Warn("authorization code replay",
		slog.String("client_id", code.ClientID),
		slog.String("code_id", code.Hash[:12]),
	)
	s.metrics.CodeReplayed(ctx, code.ClientID)

	revoked := s.revoker != nil
	if revoked {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LookupTimeout)
		defer cancel()

		if err := s.revoker.RevokeByCode(rctx, code.Hash); err != nil {
			revoked = false

			s.logger.Error("revoking tokens for replayed code failed",
				slog.String("client_id", code.ClientID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.record(ctx, models.AuditEvent{
		Type:     audit.EventCodeReplay,
		UserID:   code.UserID,
		ClientID: code.ClientID,
		Reason:   "code_reused",
		Details:  map[string]any{"tokens_revoked": revoked},
	})
}

func (s *Store) record(ctx context.Context, ev models.AuditEvent) {
	if s.auditor != nil {
		s.auditor.Record(ctx, ev)
	}
}

// RunGC purges expired artifacts every few minutes until ctx is done.
func (s *Store) RunGC(ctx context.Context, purger Purger) error {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := purger.Purge(ctx, s.now())
			if err != nil {
				s.logger.Warn("purging expired artifacts failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				s.logger.Debug("purged expired artifacts", slog.Int("count", n))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
