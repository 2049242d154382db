package state

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/authd/internal/models"
	bolt "go.etcd.io/bbolt"
)

// GetClient returns a registered client by ID, or nil if not found.
func (s *State) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	var c *models.Client

	err := s.view(ctx, func(tx *bolt.Tx) error {
		var found models.Client

		ok, err := getJSON(tx.Bucket(clientsBucket), []byte(clientID), &found)
		if ok {
			c = &found
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// UpsertClient creates or replaces a client registration.
func (s *State) UpsertClient(ctx context.Context, c models.Client) error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(clientsBucket), []byte(c.ID), c)
	})
}

// AllClients returns every registered client.
func (s *State) AllClients(ctx context.Context) ([]models.Client, error) {
	var clients []models.Client

	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			var c models.Client
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding client %s: %w", k, err)
			}

			clients = append(clients, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return clients, nil
}

// GetUser returns a user by ID, or nil if not found.
func (s *State) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u *models.User

	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		u, err = getUser(tx, userID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// GetUserByUsername returns a user by normalized username, or nil if not
// found.
func (s *State) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u *models.User

	err := s.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(usernamesBucket).Get([]byte(username))
		if id == nil {
			return nil
		}

		var err error
		u, err = getUser(tx, string(id))

		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

func getUser(tx *bolt.Tx, userID string) (*models.User, error) {
	var u models.User

	ok, err := getJSON(tx.Bucket(usersBucket), []byte(userID), &u)
	if !ok || err != nil {
		return nil, err
	}

	return &u, nil
}

// UpsertUser creates or replaces a user's profile. The failed-login
// counter and lock timestamp of an existing user are preserved so a
// catalog reload cannot unlock an account.
func (s *State) UpsertUser(ctx context.Context, u models.User) error {
	if u.ID == "" || u.Username == "" {
		return fmt.Errorf("user id and username are required")
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket)
		names := tx.Bucket(usernamesBucket)

		existing, err := getUser(tx, u.ID)
		if err != nil {
			return err
		}

		if owner := names.Get([]byte(u.Username)); owner != nil && string(owner) != u.ID {
			return fmt.Errorf("username %q already belongs to another user", u.Username)
		}

		if existing != nil {
			u.FailedLogins = existing.FailedLogins
			u.LockedUntil = existing.LockedUntil

			if existing.Username != u.Username {
				if err := names.Delete([]byte(existing.Username)); err != nil {
					return err
				}
			}
		}

		if err := names.Put([]byte(u.Username), []byte(u.ID)); err != nil {
			return err
		}

		return putJSON(users, []byte(u.ID), u)
	})
}

// RecordLoginAttempt applies the outcome of a credential check to the
// user's lockout state. The lock check and counter update happen in one
// write transaction, so concurrent attempts for the same user are
// counted exactly.
func (s *State) RecordLoginAttempt(ctx context.Context, userID string, success bool, now time.Time, policy models.LockoutPolicy) (models.LoginResult, error) {
	result := models.LoginFailed

	err := s.update(ctx, func(tx *bolt.Tx) error {
		u, err := getUser(tx, userID)
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

		return putJSON(tx.Bucket(usersBucket), []byte(u.ID), u)
	})
	if err != nil {
		return models.LoginFailed, err
	}

	return result, nil
}

// UpsertRole creates or replaces a role definition.
func (s *State) UpsertRole(ctx context.Context, r models.Role) error {
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(rolesBucket), []byte(r.Name), r)
	})
}

// SetUserRoles replaces the roles held by a user.
func (s *State) SetUserRoles(ctx context.Context, userID string, roles []string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(userRolesBucket), []byte(userID), roles)
	})
}

// UserRoles returns the role names held by a user. A user without any
// assignment has no roles.
func (s *State) UserRoles(ctx context.Context, userID string) ([]string, error) {
	var roles []string

	err := s.view(ctx, func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(userRolesBucket), []byte(userID), &roles)
		return err
	})
	if err != nil {
		return nil, err
	}

	return roles, nil
}

// RolePermissions returns the sorted union of permissions granted by the
// named roles. Unknown role names contribute nothing.
func (s *State) RolePermissions(ctx context.Context, roles []string) ([]string, error) {
	var perms []string

	err := s.view(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(rolesBucket)

		for _, name := range roles {
			var r models.Role
			if _, err := getJSON(b, []byte(name), &r); err != nil {
				return err
			}

			perms = append(perms, r.Permissions...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(perms)

	return slices.Compact(perms), nil
}
