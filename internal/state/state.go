// Package state persists authorization server state in a bbolt database.
// Every multi-step mutation (code consumption, refresh rotation, login
// accounting) runs inside a single bolt write transaction. Bolt
// serializes writers, so these operations are linearizable.
package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.authd/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	signingKeyKey       = []byte("signing_key")
	clientsBucket       = []byte("clients")
	usersBucket         = []byte("users")
	usernamesBucket     = []byte("usernames")
	rolesBucket         = []byte("roles")
	userRolesBucket     = []byte("user_roles")
	codesBucket         = []byte("authorization_codes")
	chainsBucket        = []byte("refresh_chains")
	codeChainsBucket    = []byte("code_chains")
	refreshTokensBucket = []byte("refresh_tokens")
	sessionsBucket      = []byte("sessions")
	revokedJTIBucket    = []byte("revoked_access_tokens")
	auditBucket         = []byte("audit_events")

	allBuckets = [][]byte{
		appBucket, clientsBucket, usersBucket, usernamesBucket, rolesBucket,
		userRolesBucket, codesBucket, chainsBucket, codeChainsBucket,
		refreshTokensBucket, sessionsBucket, revokedJTIBucket, auditBucket,
	}
)

// State wraps a bbolt database for all persistent server state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.authd/state.db, creating it if it
// does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DefaultPath returns ~/.authd/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".authd", "state.db"), nil
}

// view runs fn in a read transaction bounded by ctx.
func (s *State) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	return run(ctx, s.db.View, fn)
}

// update runs fn in a write transaction bounded by ctx.
func (s *State) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	return run(ctx, s.db.Update, fn)
}

// run executes a bolt transaction but returns ctx.Err() as soon as ctx is
// done, even while bolt is still waiting on its writer lock. fn is skipped
// and any write rolled back when ctx is done by the time the transaction
// opens. A transaction that outlives ctx is never reported as a success.
func run(ctx context.Context, txn func(func(*bolt.Tx) error) error, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- txn(func(tx *bolt.Tx) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return fn(tx)
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}

		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getJSON decodes the value at key into dst. It reports false when the
// key is absent.
func getJSON(b *bolt.Bucket, key []byte, dst any) (bool, error) {
	v := b.Get(key)
	if v == nil {
		return false, nil
	}

	if err := json.Unmarshal(v, dst); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

// seqKey encodes a refresh token sequence so bolt iterates generations
// in order.
func seqKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))

	return k
}

// SigningKey returns the persisted PEM signing key, or nil if none has
// been stored yet.
func (s *State) SigningKey(ctx context.Context) ([]byte, error) {
	var key []byte

	err := s.view(ctx, func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(signingKeyKey); v != nil {
			key = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// SaveSigningKey persists a PEM signing key.
func (s *State) SaveSigningKey(ctx context.Context, pemBytes []byte) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(signingKeyKey, pemBytes)
	})
}

// Purge removes expired codes, sessions, access token denylist entries
// and refresh chains whose newest generation has expired. It returns the
// number of records removed.
func (s *State) Purge(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	err := s.update(ctx, func(tx *bolt.Tx) error {
		codes := tx.Bucket(codesBucket)
		if err := deleteWhere(codes, &removed, func(v []byte) bool {
			var c struct {
				ExpiresAt time.Time `json:"expires_at"`
			}

			return json.Unmarshal(v, &c) == nil && now.After(c.ExpiresAt)
		}); err != nil {
			return err
		}

		sessions := tx.Bucket(sessionsBucket)
		if err := deleteWhere(sessions, &removed, func(v []byte) bool {
			var sess struct {
				ExpiresAt time.Time `json:"expires_at"`
			}

			return json.Unmarshal(v, &sess) == nil && now.After(sess.ExpiresAt)
		}); err != nil {
			return err
		}

		revoked := tx.Bucket(revokedJTIBucket)
		if err := deleteWhere(revoked, &removed, func(v []byte) bool {
			exp, err := time.Parse(time.RFC3339Nano, string(v))
			return err == nil && now.After(exp)
		}); err != nil {
			return err
		}

		return purgeChains(tx, now, &removed)
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func deleteWhere(b *bolt.Bucket, removed *int, expired func(v []byte) bool) error {
	var keys [][]byte

	err := b.ForEach(func(k, v []byte) error {
		if expired(v) {
			keys = append(keys, append([]byte(nil), k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}

		*removed++
	}

	return nil
}
