package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/models"
)

const codeColumns = `hash, client_id, user_id, redirect_uri, scopes, code_challenge,
	code_challenge_method, issued_at, expires_at, consumed`

func scanCode(row rowScanner) (*models.AuthorizationCode, error) {
	var c models.AuthorizationCode

	err := row.Scan(&c.Hash, &c.ClientID, &c.UserID, &c.RedirectURI, textArray(&c.Scopes),
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.IssuedAt, &c.ExpiresAt, &c.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

// SaveCode stores a new authorization code keyed by its hash.
func (s *Store) SaveCode(ctx context.Context, c *models.AuthorizationCode) error {
	if c.Hash == "" {
		return fmt.Errorf("code hash is required for persistence")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authorization_codes (`+codeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)`,
		c.Hash, c.ClientID, c.UserID, c.RedirectURI, nonNil(c.Scopes),
		c.CodeChallenge, c.CodeChallengeMethod, c.IssuedAt, c.ExpiresAt)

	return err
}

// ConsumeCode marks a code consumed and returns it. Only one caller can
// flip the flag. A missing code returns nil, nil. A code that was already
// consumed is flagged replayed and returned together with
// ErrAlreadyConsumed.
func (s *Store) ConsumeCode(ctx context.Context, hash string) (*models.AuthorizationCode, error) {
	code, err := scanCode(s.db.QueryRowContext(ctx,
		`UPDATE authorization_codes SET consumed = true
		 WHERE hash = $1 AND NOT consumed
		 RETURNING `+codeColumns, hash))
	if err != nil || code != nil {
		return code, err
	}

	// Nothing updated: the code is either unknown or was spent earlier.
	// Consumption never reverts, so only spent codes match here.
	code, err = scanCode(s.db.QueryRowContext(ctx,
		`UPDATE authorization_codes SET replayed = true
		 WHERE hash = $1
		 RETURNING `+codeColumns, hash))
	if err != nil || code == nil {
		return nil, err
	}

	code.Replayed = true

	return code, apperrors.ErrAlreadyConsumed
}

// CreateChain stores a new refresh chain together with its first token.
// The code row is share-locked for the transaction, so a concurrent replay
// either lands first and the chain is refused with ErrCodeReplayed, or
// waits and then finds the chain to revoke.
func (s *Store) CreateChain(ctx context.Context, chain *models.RefreshChain, first *models.RefreshToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if chain.CodeID != "" {
			var replayed bool

			err := tx.QueryRowContext(ctx,
				`SELECT replayed FROM authorization_codes WHERE hash = $1 FOR SHARE`, chain.CodeID).
				Scan(&replayed)

			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			case replayed:
				return apperrors.ErrCodeReplayed
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_chains (id, user_id, client_id, scopes, code_id, revoked, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			chain.ID, chain.UserID, chain.ClientID, nonNil(chain.Scopes), chain.CodeID, chain.Revoked, chain.CreatedAt); err != nil {
			return fmt.Errorf("inserting refresh chain %s: %w", chain.ID, err)
		}

		return insertRefreshToken(ctx, tx, first)
	})
}

func insertRefreshToken(ctx context.Context, tx *sql.Tx, t *models.RefreshToken) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (chain_id, sequence, token_hash, dead, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ChainID, t.Sequence, t.TokenHash, t.Dead, t.ExpiresAt, t.CreatedAt)

	return err
}

// GetChain returns a refresh chain by ID, or nil if not found.
func (s *Store) GetChain(ctx context.Context, chainID string) (*models.RefreshChain, error) {
	var c models.RefreshChain

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, client_id, scopes, code_id, revoked, created_at
		 FROM refresh_chains WHERE id = $1`, chainID).
		Scan(&c.ID, &c.UserID, &c.ClientID, textArray(&c.Scopes), &c.CodeID, &c.Revoked, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

// GetRefreshToken returns one generation of a chain, or nil if not found.
func (s *Store) GetRefreshToken(ctx context.Context, chainID string, seq int64) (*models.RefreshToken, error) {
	var t models.RefreshToken

	err := s.db.QueryRowContext(ctx,
		`SELECT chain_id, sequence, token_hash, dead, expires_at, created_at
		 FROM refresh_tokens WHERE chain_id = $1 AND sequence = $2`, chainID, seq).
		Scan(&t.ChainID, &t.Sequence, &t.TokenHash, &t.Dead, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &t, nil
}

// RotateRefreshToken marks generation seq of a chain dead and stores next
// as its successor. The chain row is locked first, so rotations of one
// chain are serialized. It fails with ErrChainRevoked when the chain or
// token no longer exists or the chain was revoked, and with ErrTokenDead
// when seq was already rotated.
func (s *Store) RotateRefreshToken(ctx context.Context, chainID string, seq int64, next *models.RefreshToken) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var revoked bool

		err := tx.QueryRowContext(ctx,
			`SELECT revoked FROM refresh_chains WHERE id = $1 FOR UPDATE`, chainID).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && revoked) {
			return apperrors.ErrChainRevoked
		}

		if err != nil {
			return err
		}

		var dead bool

		err = tx.QueryRowContext(ctx,
			`SELECT dead FROM refresh_tokens WHERE chain_id = $1 AND sequence = $2 FOR UPDATE`,
			chainID, seq).Scan(&dead)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.ErrChainRevoked
		}

		if err != nil {
			return err
		}

		if dead {
			return apperrors.ErrTokenDead
		}

		if next.Sequence != seq+1 {
			return fmt.Errorf("successor sequence %d does not follow %d", next.Sequence, seq)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET dead = true WHERE chain_id = $1 AND sequence = $2`,
			chainID, seq); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO refresh_tokens (chain_id, sequence, token_hash, dead, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
			next.ChainID, next.Sequence, next.TokenHash, next.Dead, next.ExpiresAt, next.CreatedAt)
		if err != nil {
			return err
		}

		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if err != nil {
				return err
			}

			return apperrors.ErrTokenDead
		}

		return nil
	})
}

// RevokeChain marks a chain revoked and every generation in it dead.
// Revoking an unknown or already revoked chain is not an error.
func (s *Store) RevokeChain(ctx context.Context, chainID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return revokeChains(ctx, tx, []string{chainID})
	})
}

// RevokeChainsByCode revokes every chain minted from the given
// authorization code and returns their IDs.
func (s *Store) RevokeChainsByCode(ctx context.Context, codeID string) ([]string, error) {
	var ids []string

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM refresh_chains WHERE code_id = $1 ORDER BY created_at, id FOR UPDATE`, codeID)
		if err != nil {
			return err
		}

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}

			ids = append(ids, id)
		}

		if err := rows.Close(); err != nil {
			return err
		}

		if err := rows.Err(); err != nil {
			return err
		}

		return revokeChains(ctx, tx, ids)
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func revokeChains(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE refresh_chains SET revoked = true WHERE id = ANY($1)`, ids); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET dead = true WHERE chain_id = ANY($1) AND NOT dead`, ids)

	return err
}

// RevokeAccessToken adds an access token ID to the denylist until its
// expiry.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_access_tokens (jti, expires_at) VALUES ($1, $2)
		 ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at`, jti, expiresAt)

	return err
}

// IsAccessTokenRevoked reports whether an access token ID is denylisted.
func (s *Store) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool

	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_access_tokens WHERE jti = $1)`, jti).Scan(&revoked)

	return revoked, err
}
