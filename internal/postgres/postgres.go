// Package postgres persists authorization server state in PostgreSQL. It
// implements the same repository methods as the bbolt state package.
// Code consumption is a conditional UPDATE ... RETURNING; refresh
// rotation and login accounting lock their rows with SELECT ... FOR
// UPDATE inside a transaction.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Store wraps a database/sql handle backed by the pgx driver.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, applies pending migrations and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies every embedded migration that has not run yet.
func Migrate(dsn string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set")
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// textArray scans a Postgres text[] column into dst.
func textArray(dst *[]string) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

// nonNil keeps NOT NULL array columns from receiving a SQL NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

// SigningKey returns the persisted PEM signing key, or nil if none has
// been stored yet.
func (s *Store) SigningKey(ctx context.Context) ([]byte, error) {
	var pem []byte

	err := s.db.QueryRowContext(ctx, `SELECT pem FROM signing_keys WHERE id = 1`).Scan(&pem)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return pem, err
}

// SaveSigningKey persists a PEM signing key.
func (s *Store) SaveSigningKey(ctx context.Context, pemBytes []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signing_keys (id, pem) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET pem = EXCLUDED.pem`, pemBytes)

	return err
}

// Purge removes expired codes, sessions, access token denylist entries
// and refresh chains whose newest generation has expired. It returns the
// number of records removed.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	removed := 0

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM authorization_codes WHERE expires_at < $1`,
			`DELETE FROM sessions WHERE expires_at < $1`,
			`DELETE FROM revoked_access_tokens WHERE expires_at < $1`,
			`DELETE FROM refresh_chains c WHERE (
				SELECT max(t.expires_at) FROM refresh_tokens t WHERE t.chain_id = c.id
			) < $1`,
		} {
			res, err := tx.ExecContext(ctx, q, now)
			if err != nil {
				return err
			}

			n, err := res.RowsAffected()
			if err != nil {
				return err
			}

			removed += int(n)
		}

		return nil
	})

	return removed, err
}
