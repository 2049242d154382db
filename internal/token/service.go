// Package token issues signed access tokens and rotating refresh tokens,
// and answers revocation and introspection requests.
//
// Access tokens are JWTs signed with the server's asymmetric key.
// Refresh tokens are opaque strings of the form
// <chain_id>.<sequence>.<secret>. Each chain is an arena of generations
// addressed by (chain_id, sequence); only the SHA-256 of the secret is
// stored. Presenting a generation that was already rotated revokes the
// whole chain.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/instrumentation"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	// DefaultAccessTTL and DefaultRefreshTTL are token lifetimes.
	DefaultAccessTTL  = 10 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// TokenTypeBearer is the token_type of issued access tokens.
	TokenTypeBearer = "Bearer"

	tokenTypeRefresh = "refresh_token"
)

// Store persists refresh chains and the access token denylist.
type Store interface {
	CreateChain(ctx context.Context, chain *models.RefreshChain, first *models.RefreshToken) error
	GetChain(ctx context.Context, chainID string) (*models.RefreshChain, error)
	GetRefreshToken(ctx context.Context, chainID string, seq int64) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, chainID string, seq int64, next *models.RefreshToken) error
	RevokeChain(ctx context.Context, chainID string) error
	RevokeChainsByCode(ctx context.Context, codeID string) ([]string, error)
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// UserStore loads the subject a token is issued to.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// ScopePolicy decides whether a subject may still hold a set of scopes.
type ScopePolicy interface {
	Permit(ctx context.Context, subject string, scopes []string) error
}

// Config holds token service settings.
type Config struct {
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	LookupTimeout time.Duration
}

// IssueRequest describes a new grant.
type IssueRequest struct {
	UserID   string
	ClientID string
	Scopes   []string
	CodeID   string
}

// TokenPair is the token endpoint success response.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is an RFC 7662 response. An inactive token yields only
// {"active": false}.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	ChainID  string `json:"chain_id,omitempty"`
}

// Service mints, rotates and revokes tokens.
type Service struct {
	store   Store
	users   UserStore
	scopes  ScopePolicy
	signer  *Signer
	auditor audit.Sink
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a Service. scopes may be nil to skip scope re-checks.
func New(store Store, users UserStore, scopes ScopePolicy, signer *Signer, auditor audit.Sink, metrics *instrumentation.Metrics, logger *slog.Logger, cfg Config) (*Service, error) {
	if store == nil || users == nil {
		return nil, errors.New("token and user stores are required")
	}

	if signer == nil {
		return nil, errors.New("signing key is required")
	}

	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}

	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:   store,
		users:   users,
		scopes:  scopes,
		signer:  signer,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Issue mints an access token and the first refresh token of a new
// chain.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*TokenPair, error) {
	if err := s.checkSubject(ctx, req.UserID, req.Scopes); err != nil {
		return nil, err
	}

	now := s.now()
	chain := &models.RefreshChain{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ClientID:  req.ClientID,
		Scopes:    req.Scopes,
		CodeID:    req.CodeID,
		CreatedAt: now,
	}

	refresh, first := s.newRefreshToken(chain.ID, 1, now)

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	err := s.store.CreateChain(lctx, chain, first)
	switch {
	case errors.Is(err, apperrors.ErrCodeReplayed):
		s.logger.Warn("refusing tokens for replayed authorization code",
			slog.String("client_id", req.ClientID),
		)

		return nil, apperrors.ErrInvalidGrant
	case err != nil:
		return nil, apperrors.Upstream("creating refresh chain", err)
	}

	pair, err := s.pair(chain, refresh, now)
	if err != nil {
		return nil, err
	}

	s.metrics.TokenIssued(ctx, req.ClientID)
	s.record(ctx, models.AuditEvent{Type: audit.EventTokenIssued, UserID: req.UserID, ClientID: req.ClientID})

	return pair, nil
}

// Refresh rotates a refresh token. clientID is the authenticated client
// presenting it.
func (s *Service) Refresh(ctx context.Context, raw, clientID string) (*TokenPair, error) {
	ref, ok := parseRefreshToken(raw)
	if !ok {
		return nil, s.reject("malformed_refresh_token", clientID)
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	chain, current, err := s.lookup(lctx, ref)
	if err != nil {
		return nil, err
	}

	switch {
	case chain == nil || current == nil:
		return nil, s.reject("unknown_refresh_token", clientID)
	case chain.ClientID != clientID:
		return nil, s.reject("client_mismatch", clientID)
	case chain.Revoked:
		return nil, s.reject("chain_revoked", clientID)
	case current.Dead:
		return nil, s.reuseDetected(ctx, chain, ref.seq)
	case s.now().After(current.ExpiresAt):
		return nil, s.reject("refresh_token_expired", clientID)
	}

	if err := s.checkSubject(ctx, chain.UserID, chain.Scopes); err != nil {
		return nil, err
	}

	now := s.now()
	refresh, next := s.newRefreshToken(chain.ID, ref.seq+1, now)

	err = s.store.RotateRefreshToken(lctx, chain.ID, ref.seq, next)

	switch {
	case errors.Is(err, apperrors.ErrTokenDead):
		// Another request rotated this generation first.
		return nil, s.reuseDetected(ctx, chain, ref.seq)
	case errors.Is(err, apperrors.ErrChainRevoked):
		return nil, s.reject("chain_revoked", clientID)
	case err != nil:
		return nil, apperrors.Upstream("rotating refresh token", err)
	}

	pair, err := s.pair(chain, refresh, now)
	if err != nil {
		return nil, err
	}

	s.metrics.TokenRefreshed(ctx, chain.ClientID)
	s.record(ctx, models.AuditEvent{
		Type:     audit.EventTokenRefreshed,
		UserID:   chain.UserID,
		ClientID: chain.ClientID,
		Details:  map[string]any{"sequence": next.Sequence},
	})

	return pair, nil
}

// Revoke implements RFC 7009. Refresh tokens revoke their whole chain;
// access tokens are denylisted until they expire. Unknown, malformed and
// already revoked tokens are not errors.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	if ref, ok := parseRefreshToken(raw); ok {
		chain, current, err := s.lookup(lctx, ref)
		if err != nil {
			return err
		}

		if chain == nil || current == nil || chain.Revoked {
			return nil
		}

		if err := s.store.RevokeChain(lctx, chain.ID); err != nil {
			return apperrors.Upstream("revoking refresh chain", err)
		}

		s.metrics.TokenRevoked(ctx, tokenTypeRefresh)
		s.record(ctx, models.AuditEvent{Type: audit.EventTokenRevoked, UserID: chain.UserID, ClientID: chain.ClientID, Reason: "refresh_token_revoked"})

		return nil
	}

	claims, err := s.parseAccess(raw)
	if err != nil {
		return nil
	}

	if err := s.store.RevokeAccessToken(lctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return apperrors.Upstream("revoking access token", err)
	}

	s.metrics.TokenRevoked(ctx, "access_token")
	s.record(ctx, models.AuditEvent{Type: audit.EventTokenRevoked, UserID: claims.Subject, ClientID: claims.ClientID, Reason: "access_token_revoked"})

	return nil
}

// RevokeByCode revokes every chain minted from an authorization code.
func (s *Service) RevokeByCode(ctx context.Context, codeID string) error {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	ids, err := s.store.RevokeChainsByCode(lctx, codeID)
	if err != nil {
		return apperrors.Upstream("revoking chains by code", err)
	}

	for range ids {
		s.metrics.TokenRevoked(ctx, tokenTypeRefresh)
	}

	if len(ids) > 0 {
		s.record(ctx, models.AuditEvent{
			Type:    audit.EventTokenRevoked,
			Reason:  "authorization_code_replayed",
			Details: map[string]any{"chains": len(ids)},
		})
	}

	return nil
}

// Introspect implements RFC 7662. Any failure, including a store error,
// reports the token inactive.
func (s *Service) Introspect(ctx context.Context, raw string) Introspection {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	result, err := s.introspect(lctx, raw)
	if err != nil {
		s.logger.Debug("introspection: token inactive", slog.String("reason", err.Error()))
		return Introspection{Active: false}
	}

	return result
}

func (s *Service) introspect(ctx context.Context, raw string) (Introspection, error) {
	if ref, ok := parseRefreshToken(raw); ok {
		chain, current, err := s.lookup(ctx, ref)
		if err != nil {
			return Introspection{}, err
		}

		if chain == nil || current == nil || chain.Revoked || current.Dead || s.now().After(current.ExpiresAt) {
			return Introspection{}, errors.New("refresh token not live")
		}

		if err := s.activeUser(ctx, chain.UserID); err != nil {
			return Introspection{}, err
		}

		return Introspection{
			Active:    true,
			Scope:     strings.Join(chain.Scopes, " "),
			ClientID:  chain.ClientID,
			Subject:   chain.UserID,
			TokenType: tokenTypeRefresh,
			ExpiresAt: current.ExpiresAt.Unix(),
			IssuedAt:  current.CreatedAt.Unix(),
			Issuer:    s.cfg.Issuer,
		}, nil
	}

	claims, err := s.VerifyAccess(ctx, raw)
	if err != nil {
		return Introspection{}, err
	}

	return Introspection{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: TokenTypeBearer,
		ExpiresAt: claims.ExpiresAt.Unix(),
		IssuedAt:  claims.IssuedAt.Unix(),
		Issuer:    claims.Issuer,
	}, nil
}

// VerifyAccess validates an access token's signature and claims and
// checks that it has not been revoked directly or through its chain.
func (s *Service) VerifyAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	claims, err := s.parseAccess(raw)
	if err != nil {
		return nil, err
	}

	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperrors.Upstream("checking access token denylist", err)
	}

	if revoked {
		return nil, errors.New("access token revoked")
	}

	if claims.ChainID != "" {
		chain, err := s.store.GetChain(ctx, claims.ChainID)
		if err != nil {
			return nil, apperrors.Upstream("loading refresh chain", err)
		}

		if chain != nil && chain.Revoked {
			return nil, errors.New("access token chain revoked")
		}
	}

	if err := s.activeUser(ctx, claims.Subject); err != nil {
		return nil, err
	}

	return claims, nil
}

// PublicJWKS returns the verification key set.
func (s *Service) PublicJWKS() JWKS {
	return JWKS{Keys: []JWK{s.signer.JWK()}}
}

// Signer returns the access token signing key.
func (s *Service) Signer() *Signer {
	return s.signer
}

// checkSubject confirms the user can still be issued tokens for scopes.
func (s *Service) checkSubject(ctx context.Context, userID string, scopes []string) error {
	if err := s.activeUser(ctx, userID); err != nil {
		if errors.Is(err, apperrors.ErrUpstreamUnavailable) {
			return err
		}

		s.logger.Debug("token issuance refused", slog.String("reason", err.Error()))

		return apperrors.ErrInvalidGrant
	}

	if s.scopes == nil {
		return nil
	}

	if err := s.scopes.Permit(ctx, userID, scopes); err != nil {
		s.record(ctx, models.AuditEvent{Type: audit.EventScopeDenied, UserID: userID, Reason: err.Error()})
		return err
	}

	return nil
}

func (s *Service) activeUser(ctx context.Context, userID string) error {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	user, err := s.users.GetUser(lctx, userID)
	if err != nil {
		return apperrors.Upstream("loading user", err)
	}

	if user == nil {
		return fmt.Errorf("user %s not found", userID)
	}

	if !user.Active {
		return apperrors.ErrInactiveAccount
	}

	return nil
}

func (s *Service) lookup(ctx context.Context, ref refreshRef) (*models.RefreshChain, *models.RefreshToken, error) {
	chain, err := s.store.GetChain(ctx, ref.chainID)
	if err != nil {
		return nil, nil, apperrors.Upstream("loading refresh chain", err)
	}

	if chain == nil {
		return nil, nil, nil
	}

	current, err := s.store.GetRefreshToken(ctx, ref.chainID, ref.seq)
	if err != nil {
		return nil, nil, apperrors.Upstream("loading refresh token", err)
	}

	// A wrong secret is treated as an unknown token, never as reuse.
	if current == nil || subtle.ConstantTimeCompare([]byte(current.TokenHash), []byte(hashSecret(ref.secret))) != 1 {
		return chain, nil, nil
	}

	return chain, current, nil
}

func (s *Service) reuseDetected(ctx context.Context, chain *models.RefreshChain, seq int64) error {
	s.logger.Warn("refresh token reuse detected, revoking chain",
		slog.String("chain_id", chain.ID),
		slog.String("client_id", chain.ClientID),
		slog.Int64("sequence", seq),
	)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LookupTimeout)
	defer cancel()

	if err := s.store.RevokeChain(rctx, chain.ID); err != nil {
		s.logger.Error("revoking reused chain failed",
			slog.String("chain_id", chain.ID),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.RefreshReuse(ctx, chain.ClientID)
	s.record(ctx, models.AuditEvent{
		Type:     audit.EventRefreshReuse,
		UserID:   chain.UserID,
		ClientID: chain.ClientID,
		Reason:   "rotated_token_presented",
		Details:  map[string]any{"chain_id": chain.ID, "sequence": seq},
	})

	return apperrors.ErrReuseDetected
}

func (s *Service) reject(reason, clientID string) error {
	s.logger.Debug("refresh token rejected",
		slog.String("reason", reason),
		slog.String("client_id", clientID),
	)

	return apperrors.ErrInvalidGrant
}

func (s *Service) newRefreshToken(chainID string, seq int64, now time.Time) (string, *models.RefreshToken) {
	secret := oauth2.GenerateVerifier()

	return chainID + "." + strconv.FormatInt(seq, 10) + "." + secret, &models.RefreshToken{
		ChainID:   chainID,
		Sequence:  seq,
		TokenHash: hashSecret(secret),
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		CreatedAt: now,
	}
}

func (s *Service) pair(chain *models.RefreshChain, refresh string, now time.Time) (*TokenPair, error) {
	access, err := s.mintAccess(chain, now)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(chain.Scopes, " "),
	}, nil
}

func (s *Service) mintAccess(chain *models.RefreshChain, now time.Time) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   chain.UserID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
		Scope:    strings.Join(chain.Scopes, " "),
		ClientID: chain.ClientID,
		ChainID:  chain.ID,
	}

	tok := jwt.NewWithClaims(s.signer.method, claims)
	tok.Header["kid"] = s.signer.kid

	signed, err := tok.SignedString(s.signer.key)
	if err != nil {
		return "", fmt.Errorf("%w: signing access token: %w", apperrors.ErrInternalFault, err)
	}

	return signed, nil
}

func (s *Service) parseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid != s.signer.kid {
				return nil, errors.New("unknown key id")
			}

			return s.signer.key.Public(), nil
		},
		jwt.WithValidMethods([]string{s.signer.method.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}

	if claims.ID == "" || claims.Subject == "" {
		return nil, errors.New("access token missing jti or sub")
	}

	return claims, nil
}

func (s *Service) record(ctx context.Context, ev models.AuditEvent) {
	if s.auditor != nil {
		s.auditor.Record(ctx, ev)
	}
}

type refreshRef struct {
	chainID string
	seq     int64
	secret  string
}

func parseRefreshToken(raw string) (refreshRef, bool) {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return refreshRef{}, false
	}

	if _, err := uuid.Parse(parts[0]); err != nil {
		return refreshRef{}, false
	}

	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 1 {
		return refreshRef{}, false
	}

	return refreshRef{chainID: parts[0], seq: seq, secret: parts[2]}, true
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
