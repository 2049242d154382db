package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/authcode"
	"github.com/alexjbarnes/authd/internal/catalog"
	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/guard"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/alexjbarnes/authd/internal/rbac"
	"github.com/alexjbarnes/authd/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ guard.UserStore    = (*Store)(nil)
	_ guard.SessionStore = (*Store)(nil)
	_ rbac.RoleStore     = (*Store)(nil)
	_ authcode.CodeStore = (*Store)(nil)
	_ authcode.Purger    = (*Store)(nil)
	_ token.Store        = (*Store)(nil)
	_ token.UserStore    = (*Store)(nil)
	_ token.KeyStore     = (*Store)(nil)
	_ audit.Store        = (*Store)(nil)
	_ catalog.Store      = (*Store)(nil)
)

// testStore connects to AUTHD_TEST_DATABASE_URL and empties every table.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("AUTHD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AUTHD_TEST_DATABASE_URL not set")
	}

	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(`TRUNCATE clients, users, roles, role_permissions, user_roles,
		authorization_codes, refresh_chains, refresh_tokens, sessions,
		revoked_access_tokens, audit_events, signing_keys`)
	require.NoError(t, err)

	return s
}

func testUser(t *testing.T, s *Store) models.User {
	t.Helper()

	u := models.User{ID: "u1", Username: "alice", PasswordHash: "$2a$10$hash", Active: true}
	require.NoError(t, s.UpsertUser(context.Background(), u))

	return u
}

// --- Identity ---

func TestClients(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, s.UpsertClient(ctx, models.Client{
		ID:            "c1",
		Name:          "Example App",
		RedirectURIs:  []string{"https://app/cb"},
		AllowedScopes: []string{"read", "write"},
	}))
	require.NoError(t, s.UpsertClient(ctx, models.Client{ID: "c2", RedirectURIs: []string{"https://two/cb"}}))

	c, err = s.GetClient(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Example App", c.Name)
	assert.Equal(t, []string{"https://app/cb"}, c.RedirectURIs)
	assert.Equal(t, []string{"read", "write"}, c.AllowedScopes)

	all, err := s.AllClients(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[1].ID)
	assert.Empty(t, all[1].AllowedScopes)
}

func TestUpsertUser_PreservesLockout(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s)

	now := time.Now()
	policy := models.LockoutPolicy{MaxFailures: 2, LockDuration: time.Hour}

	res, err := s.RecordLoginAttempt(ctx, u.ID, false, now, policy)
	require.NoError(t, err)
	assert.Equal(t, models.LoginFailed, res)

	res, err = s.RecordLoginAttempt(ctx, u.ID, false, now, policy)
	require.NoError(t, err)
	assert.Equal(t, models.LoginLockedOut, res)

	u.PasswordHash = "$2a$10$other"
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "$2a$10$other", got.PasswordHash)
	assert.True(t, got.Locked(now.Add(time.Minute)), "profile upsert must not unlock")

	res, err = s.RecordLoginAttempt(ctx, u.ID, true, now.Add(time.Minute), policy)
	require.NoError(t, err)
	assert.Equal(t, models.LoginRejectedLocked, res)
}

func TestRecordLoginAttempt_InactiveSuccessLeavesCounters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s)

	now := time.Now()
	policy := models.LockoutPolicy{MaxFailures: 5, LockDuration: time.Hour}

	_, err := s.RecordLoginAttempt(ctx, u.ID, false, now, policy)
	require.NoError(t, err)

	u.Active = false
	require.NoError(t, s.UpsertUser(ctx, u))

	res, err := s.RecordLoginAttempt(ctx, u.ID, true, now, policy)
	require.NoError(t, err)
	assert.Equal(t, models.LoginRejectedInactive, res)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailedLogins)
}

func TestRecordLoginAttempt_ConcurrentFailuresCountedExactly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s)

	policy := models.LockoutPolicy{MaxFailures: 100, LockDuration: time.Hour}
	now := time.Now()

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.RecordLoginAttempt(ctx, u.ID, false, now, policy)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.FailedLogins)
}

func TestRoles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s)

	require.NoError(t, s.UpsertRole(ctx, models.Role{Name: "reader", Permissions: []string{"doc:read", "oauth:consent"}}))
	require.NoError(t, s.UpsertRole(ctx, models.Role{Name: "writer", Permissions: []string{"doc:write", "doc:read"}}))
	require.NoError(t, s.SetUserRoles(ctx, u.ID, []string{"writer", "reader"}))

	roles, err := s.UserRoles(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "writer"}, roles)

	perms, err := s.RolePermissions(ctx, append(roles, "ghost"))
	require.NoError(t, err)
	assert.Equal(t, []string{"doc:read", "doc:write", "oauth:consent"}, perms)

	require.NoError(t, s.UpsertRole(ctx, models.Role{Name: "reader", Permissions: []string{"doc:read"}}))

	perms, err = s.RolePermissions(ctx, []string{"reader"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc:read"}, perms, "upsert replaces the permission set")
}

// --- Codes ---

func testCode(hash string, now time.Time) *models.AuthorizationCode {
	return &models.AuthorizationCode{
		Hash:                hash,
		ClientID:            "c1",
		UserID:              "u1",
		RedirectURI:         "https://app/cb",
		Scopes:              []string{"read"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: models.ChallengeS256,
		IssuedAt:            now,
		ExpiresAt:           now.Add(time.Minute),
	}
}

func TestConsumeCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("h1", time.Now())))
	require.Error(t, s.SaveCode(ctx, testCode("h1", time.Now())), "duplicate hash")

	code, err := s.ConsumeCode(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, []string{"read"}, code.Scopes)
	assert.True(t, code.Consumed)

	code, err = s.ConsumeCode(ctx, "h1")
	require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
	require.NotNil(t, code)
	assert.Equal(t, "u1", code.UserID)

	code, err = s.ConsumeCode(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, code)
}

func TestConsumeCode_SingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCode(ctx, testCode("race", time.Now())))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		replays atomic.Int32
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.ConsumeCode(ctx, "race")

			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, apperrors.ErrAlreadyConsumed):
				replays.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(15), replays.Load())
}

// --- Refresh chains ---

func seedChain(t *testing.T, s *Store, id, codeID string, now time.Time) {
	t.Helper()

	require.NoError(t, s.CreateChain(context.Background(),
		&models.RefreshChain{ID: id, UserID: "u1", ClientID: "c1", Scopes: []string{"read"}, CodeID: codeID, CreatedAt: now},
		&models.RefreshToken{ChainID: id, Sequence: 0, TokenHash: "t0", ExpiresAt: now.Add(time.Hour), CreatedAt: now},
	))
}

func next(chainID string, seq int64, now time.Time) *models.RefreshToken {
	return &models.RefreshToken{ChainID: chainID, Sequence: seq, TokenHash: "t", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
}

func TestRotateRefreshToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	seedChain(t, s, "chain-1", "", now)

	require.NoError(t, s.RotateRefreshToken(ctx, "chain-1", 0, next("chain-1", 1, now)))

	old, err := s.GetRefreshToken(ctx, "chain-1", 0)
	require.NoError(t, err)
	assert.True(t, old.Dead)

	cur, err := s.GetRefreshToken(ctx, "chain-1", 1)
	require.NoError(t, err)
	assert.False(t, cur.Dead)

	err = s.RotateRefreshToken(ctx, "chain-1", 0, next("chain-1", 1, now))
	assert.ErrorIs(t, err, apperrors.ErrTokenDead)

	err = s.RotateRefreshToken(ctx, "missing", 0, next("missing", 1, now))
	assert.ErrorIs(t, err, apperrors.ErrChainRevoked)

	require.NoError(t, s.RevokeChain(ctx, "chain-1"))

	err = s.RotateRefreshToken(ctx, "chain-1", 1, next("chain-1", 2, now))
	assert.ErrorIs(t, err, apperrors.ErrChainRevoked)

	cur, err = s.GetRefreshToken(ctx, "chain-1", 1)
	require.NoError(t, err)
	assert.True(t, cur.Dead, "revocation kills every generation")
}

func TestRotateRefreshToken_SingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	seedChain(t, s, "chain-race", "", now)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if s.RotateRefreshToken(ctx, "chain-race", 0, next("chain-race", 1, now)) == nil {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCreateChain_RefusedAfterCodeReplay(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveCode(ctx, testCode("h1", now)))

	_, err := s.ConsumeCode(ctx, "h1")
	require.NoError(t, err)

	code, err := s.ConsumeCode(ctx, "h1")
	require.ErrorIs(t, err, apperrors.ErrAlreadyConsumed)
	assert.True(t, code.Replayed)

	ids, err := s.RevokeChainsByCode(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, ids, "no chain exists yet")

	chain := &models.RefreshChain{ID: "late", UserID: "u1", ClientID: "c1", CodeID: "h1", CreatedAt: now}
	first := &models.RefreshToken{ChainID: "late", Sequence: 0, TokenHash: "t0", ExpiresAt: now.Add(time.Hour), CreatedAt: now}

	err = s.CreateChain(ctx, chain, first)
	assert.ErrorIs(t, err, apperrors.ErrCodeReplayed)

	got, err := s.GetChain(ctx, "late")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Chains from codes that were never replayed are unaffected.
	require.NoError(t, s.SaveCode(ctx, testCode("h2", now)))
	_, err = s.ConsumeCode(ctx, "h2")
	require.NoError(t, err)

	chain.ID, chain.CodeID, first.ChainID = "ok", "h2", "ok"
	require.NoError(t, s.CreateChain(ctx, chain, first))
}

func TestRevokeChainsByCode(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	seedChain(t, s, "a", "code-1", now)
	seedChain(t, s, "b", "code-2", now)

	ids, err := s.RevokeChainsByCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	a, err := s.GetChain(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.Revoked)

	b, err := s.GetChain(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Revoked)

	ids, err = s.RevokeChainsByCode(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAccessTokenDenylist(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Minute)))
	require.NoError(t, s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Minute)))

	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

// --- Sessions, audit, keys ---

func TestSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveSession(ctx, &models.Session{ID: "s1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.False(t, sess.Revoked)

	require.NoError(t, s.RevokeSession(ctx, "s1"))
	require.NoError(t, s.RevokeSession(ctx, "unknown"))

	sess, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Revoked)
}

func TestAuditEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAuditEvent(ctx, models.AuditEvent{ID: "1", Type: "login_failure", Timestamp: time.Now()}))
	require.NoError(t, s.AppendAuditEvent(ctx, models.AuditEvent{
		ID: "2", Type: "code_replay", ClientID: "c1", Details: map[string]any{"revoked_chains": "a"}, Timestamp: time.Now(),
	}))

	events, err := s.AuditEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "login_failure", events[0].Type)
	assert.Equal(t, "a", events[1].Details["revoked_chains"])
}

func TestSigningKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := s.SigningKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, key)

	require.NoError(t, s.SaveSigningKey(ctx, []byte("pem-1")))
	require.NoError(t, s.SaveSigningKey(ctx, []byte("pem-2")))

	key, err = s.SigningKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pem-2"), key)
}

func TestPurge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)
	now := time.Now()

	require.NoError(t, s.SaveCode(ctx, testCode("old", past)))
	require.NoError(t, s.SaveCode(ctx, testCode("fresh", now)))
	require.NoError(t, s.SaveSession(ctx, &models.Session{ID: "old", UserID: "u1", CreatedAt: past, ExpiresAt: past.Add(time.Minute)}))
	require.NoError(t, s.RevokeAccessToken(ctx, "old-jti", past))
	seedChain(t, s, "stale", "", past)
	seedChain(t, s, "live", "", now)

	removed, err := s.Purge(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	chain, err := s.GetChain(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, chain)

	tok, err := s.GetRefreshToken(ctx, "stale", 0)
	require.NoError(t, err)
	assert.Nil(t, tok, "tokens cascade with their chain")

	chain, err = s.GetChain(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, chain)
}
