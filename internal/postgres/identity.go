package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/authd/internal/models"
)

const clientColumns = `id, name, redirect_uris, allowed_scopes, confidential, secret_hash, first_party`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var c models.Client

	err := row.Scan(&c.ID, &c.Name, textArray(&c.RedirectURIs), textArray(&c.AllowedScopes),
		&c.Confidential, &c.SecretHash, &c.FirstParty)
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// GetClient returns a registered client by ID, or nil if not found.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return c, err
}

// UpsertClient creates or replaces a client registration.
func (s *Store) UpsertClient(ctx context.Context, c models.Client) error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			redirect_uris = EXCLUDED.redirect_uris,
			allowed_scopes = EXCLUDED.allowed_scopes,
			confidential = EXCLUDED.confidential,
			secret_hash = EXCLUDED.secret_hash,
			first_party = EXCLUDED.first_party`,
		c.ID, c.Name, nonNil(c.RedirectURIs), nonNil(c.AllowedScopes), c.Confidential, c.SecretHash, c.FirstParty)

	return err
}

// AllClients returns every registered client ordered by ID.
func (s *Store) AllClients(ctx context.Context) ([]models.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []models.Client

	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}

		clients = append(clients, *c)
	}

	return clients, rows.Err()
}

const userColumns = `id, username, password_hash, active, failed_logins, locked_until`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User

	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Active, &u.FailedLogins, &u.LockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &u, nil
}

// GetUser returns a user by ID, or nil if not found.
func (s *Store) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// GetUserByUsername returns a user by normalized username, or nil if not
// found.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// UpsertUser creates or replaces a user's profile. The failed-login
// counter and lock timestamp of an existing user are left alone.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user id and username are required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, active) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			password_hash = EXCLUDED.password_hash,
			active = EXCLUDED.active`,
		u.ID, u.Username, u.PasswordHash, u.Active)

	return err
}

// RecordLoginAttempt applies the outcome of a credential check to the
// user's lockout state. The user row is locked for the duration of the
// transaction, so concurrent attempts are counted exactly.
func (s *Store) RecordLoginAttempt(ctx context.Context, userID string, success bool, now time.Time, policy models.LockoutPolicy) (models.LoginResult, error) {
	result := models.LoginFailed

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}

		if u == nil {
			return fmt.Errorf("user %s not found", userID)
		}

		result = u.ApplyLoginAttempt(success, now, policy)
		if result.Unchanged() {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE users SET failed_logins = $2, locked_until = $3 WHERE id = $1`,
			u.ID, u.FailedLogins, u.LockedUntil)

		return err
	})

	return result, err
}

// UpsertRole creates or replaces a role definition.
func (s *Store) UpsertRole(ctx context.Context, r models.Role) error {
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, r.Name); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role = $1`, r.Name); err != nil {
			return err
		}

		for _, p := range r.Permissions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (role, permission) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, r.Name, p); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetUserRoles replaces the roles held by a user.
func (s *Store) SetUserRoles(ctx context.Context, userID string, roles []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}

		for _, r := range roles {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, userID, r); err != nil {
				return err
			}
		}

		return nil
	})
}

// UserRoles returns the role names held by a user in sorted order.
func (s *Store) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return s.strings(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
}

// RolePermissions returns the sorted union of permissions granted by the
// named roles. Unknown role names contribute nothing.
func (s *Store) RolePermissions(ctx context.Context, roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	return s.strings(ctx,
		`SELECT DISTINCT permission FROM role_permissions WHERE role = ANY($1) ORDER BY permission`, roles)
}

// strings runs a single-column query and collects the values.
func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}
