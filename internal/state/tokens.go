package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/authd/internal/errors"
	"github.com/alexjbarnes/authd/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveCode stores a new authorization code keyed by its hash.
func (s *State) SaveCode(ctx context.Context, c *models.AuthorizationCode) error {
	if c.Hash == "" {
		return fmt.Errorf("code hash is required for persistence")
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)
		if b.Get([]byte(c.Hash)) != nil {
			return fmt.Errorf("authorization code already exists")
		}

		return putJSON(b, []byte(c.Hash), c)
	})
}

// ConsumeCode marks a code consumed and returns it. The check and the
// mark happen in one write transaction. A missing code returns nil, nil.
// A code that was already consumed is flagged replayed and returned
// together with ErrAlreadyConsumed so the caller can act on the replay.
func (s *State) ConsumeCode(ctx context.Context, hash string) (*models.AuthorizationCode, error) {
	var (
		code     *models.AuthorizationCode
		replayed bool
	)

	err := s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		var c models.AuthorizationCode

		ok, err := getJSON(b, []byte(hash), &c)
		if !ok || err != nil {
			return err
		}

		if c.Consumed {
			replayed = true
			c.Replayed = true
		}

		c.Consumed = true
		code = &c

		return putJSON(b, []byte(hash), c)
	})
	if err != nil {
		return nil, err
	}

	if replayed {
		return code, apperrors.ErrAlreadyConsumed
	}

	return code, nil
}

// CreateChain stores a new refresh chain together with its first token.
// It fails with ErrCodeReplayed when the chain's authorization code has
// already been replayed, so a replay racing the first exchange cannot
// leave a live chain behind.
func (s *State) CreateChain(ctx context.Context, chain *models.RefreshChain, first *models.RefreshToken) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		if chain.CodeID != "" {
			var code models.AuthorizationCode

			ok, err := getJSON(tx.Bucket(codesBucket), []byte(chain.CodeID), &code)
			if err != nil {
				return err
			}

			if ok && code.Replayed {
				return apperrors.ErrCodeReplayed
			}
		}

		chains := tx.Bucket(chainsBucket)
		if chains.Get([]byte(chain.ID)) != nil {
			return fmt.Errorf("refresh chain %s already exists", chain.ID)
		}

		if err := putJSON(chains, []byte(chain.ID), chain); err != nil {
			return err
		}

		tokens, err := tx.Bucket(refreshTokensBucket).CreateBucket([]byte(chain.ID))
		if err != nil {
			return err
		}

		if err := putJSON(tokens, seqKey(first.Sequence), first); err != nil {
			return err
		}

		if chain.CodeID == "" {
			return nil
		}

		index := tx.Bucket(codeChainsBucket)

		var ids []string
		if _, err := getJSON(index, []byte(chain.CodeID), &ids); err != nil {
			return err
		}

		return putJSON(index, []byte(chain.CodeID), append(ids, chain.ID))
	})
}

// GetChain returns a refresh chain by ID, or nil if not found.
func (s *State) GetChain(ctx context.Context, chainID string) (*models.RefreshChain, error) {
	var chain *models.RefreshChain

	err := s.view(ctx, func(tx *bolt.Tx) error {
		var c models.RefreshChain

		ok, err := getJSON(tx.Bucket(chainsBucket), []byte(chainID), &c)
		if ok {
			chain = &c
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	return chain, nil
}

// GetRefreshToken returns one generation of a chain, or nil if not found.
func (s *State) GetRefreshToken(ctx context.Context, chainID string, seq int64) (*models.RefreshToken, error) {
	var token *models.RefreshToken

	err := s.view(ctx, func(tx *bolt.Tx) error {
		tokens := tx.Bucket(refreshTokensBucket).Bucket([]byte(chainID))
		if tokens == nil {
			return nil
		}

		var t models.RefreshToken

		ok, err := getJSON(tokens, seqKey(seq), &t)
		if ok {
			token = &t
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// RotateRefreshToken marks generation seq of a chain dead and stores next
// as its successor, in one write transaction. It fails with
// ErrChainRevoked when the chain or token no longer exists or the chain
// was revoked, and with ErrTokenDead when seq was already rotated.
func (s *State) RotateRefreshToken(ctx context.Context, chainID string, seq int64, next *models.RefreshToken) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		var chain models.RefreshChain

		ok, err := getJSON(tx.Bucket(chainsBucket), []byte(chainID), &chain)
		if err != nil {
			return err
		}

		if !ok || chain.Revoked {
			return apperrors.ErrChainRevoked
		}

		tokens := tx.Bucket(refreshTokensBucket).Bucket([]byte(chainID))
		if tokens == nil {
			return apperrors.ErrChainRevoked
		}

		var current models.RefreshToken

		ok, err = getJSON(tokens, seqKey(seq), &current)
		if err != nil {
			return err
		}

		if !ok {
			return apperrors.ErrChainRevoked
		}

		if current.Dead {
			return apperrors.ErrTokenDead
		}

		if next.Sequence != seq+1 {
			return fmt.Errorf("successor sequence %d does not follow %d", next.Sequence, seq)
		}

		if tokens.Get(seqKey(next.Sequence)) != nil {
			return apperrors.ErrTokenDead
		}

		current.Dead = true
		if err := putJSON(tokens, seqKey(seq), current); err != nil {
			return err
		}

		return putJSON(tokens, seqKey(next.Sequence), next)
	})
}

// RevokeChain marks a chain revoked and every generation in it dead.
// Revoking an unknown or already revoked chain is not an error.
func (s *State) RevokeChain(ctx context.Context, chainID string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return revokeChain(tx, chainID)
	})
}

// RevokeChainsByCode revokes every chain minted from the given
// authorization code and returns their IDs.
func (s *State) RevokeChainsByCode(ctx context.Context, codeID string) ([]string, error) {
	var ids []string

	err := s.update(ctx, func(tx *bolt.Tx) error {
		if _, err := getJSON(tx.Bucket(codeChainsBucket), []byte(codeID), &ids); err != nil {
			return err
		}

		for _, id := range ids {
			if err := revokeChain(tx, id); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func revokeChain(tx *bolt.Tx, chainID string) error {
	chains := tx.Bucket(chainsBucket)

	var chain models.RefreshChain

	ok, err := getJSON(chains, []byte(chainID), &chain)
	if !ok || err != nil {
		return err
	}

	chain.Revoked = true
	if err := putJSON(chains, []byte(chainID), chain); err != nil {
		return err
	}

	tokens := tx.Bucket(refreshTokensBucket).Bucket([]byte(chainID))
	if tokens == nil {
		return nil
	}

	var updates []models.RefreshToken

	err = tokens.ForEach(func(_, v []byte) error {
		var t models.RefreshToken
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}

		if !t.Dead {
			t.Dead = true
			updates = append(updates, t)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, t := range updates {
		if err := putJSON(tokens, seqKey(t.Sequence), t); err != nil {
			return err
		}
	}

	return nil
}

// purgeChains deletes chains whose newest generation expired before now.
func purgeChains(tx *bolt.Tx, now time.Time, removed *int) error {
	chains := tx.Bucket(chainsBucket)
	tokensRoot := tx.Bucket(refreshTokensBucket)

	var expired []models.RefreshChain

	err := chains.ForEach(func(k, v []byte) error {
		tokens := tokensRoot.Bucket(k)
		if tokens == nil {
			return nil
		}

		_, last := tokens.Cursor().Last()
		if last == nil {
			return nil
		}

		var t models.RefreshToken
		if err := json.Unmarshal(last, &t); err != nil {
			return err
		}

		if now.After(t.ExpiresAt) {
			var c models.RefreshChain
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			expired = append(expired, c)
		}

		return nil
	})
	if err != nil {
		return err
	}

	index := tx.Bucket(codeChainsBucket)

	for _, c := range expired {
		if err := tokensRoot.DeleteBucket([]byte(c.ID)); err != nil {
			return err
		}

		if err := chains.Delete([]byte(c.ID)); err != nil {
			return err
		}

		if c.CodeID != "" {
			if err := index.Delete([]byte(c.CodeID)); err != nil {
				return err
			}
		}

		*removed++
	}

	return nil
}

// RevokeAccessToken adds an access token ID to the denylist until its
// expiry.
func (s *State) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(revokedJTIBucket).Put([]byte(jti), []byte(expiresAt.UTC().Format(time.RFC3339Nano)))
	})
}

// IsAccessTokenRevoked reports whether an access token ID is denylisted.
func (s *State) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	revoked := false

	err := s.view(ctx, func(tx *bolt.Tx) error {
		revoked = tx.Bucket(revokedJTIBucket).Get([]byte(jti)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}

	return revoked, nil
}
