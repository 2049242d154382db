// Package catalog loads the YAML seed of clients, users, roles and scope
// descriptions into the repository, and reloads it when the file
// changes.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authd/internal/guard"
	"github.com/alexjbarnes/authd/internal/models"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Store receives the seed. Upserts must preserve runtime state such as
// lockout counters.
type Store interface {
	UpsertClient(ctx context.Context, c models.Client) error
	UpsertUser(ctx context.Context, u models.User) error
	UpsertRole(ctx context.Context, r models.Role) error
	SetUserRoles(ctx context.Context, userID string, roles []string) error
}

// Invalidator drops cached permission sets after roles change.
type Invalidator interface {
	InvalidateAll()
}

// User is a seeded account and its role assignments. Active defaults to
// true.
type User struct {
	ID           string   `yaml:"id"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Active       *bool    `yaml:"active"`
	Roles        []string `yaml:"roles"`
}

// File is the catalog document.
type File struct {
	Clients []models.Client   `yaml:"clients"`
	Users   []User            `yaml:"users"`
	Roles   []models.Role     `yaml:"roles"`
	Scopes  map[string]string `yaml:"scopes"`
}

// Parse decodes and validates a catalog document. Usernames are
// normalized the same way logins are.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	return &f, nil
}

func (f *File) validate() error {
	roles := make(map[string]bool, len(f.Roles))

	for _, r := range f.Roles {
		if r.Name == "" {
			return errors.New("role name is required")
		}

		if roles[r.Name] {
			return fmt.Errorf("duplicate role %q", r.Name)
		}

		roles[r.Name] = true
	}

	clients := make(map[string]bool, len(f.Clients))

	for _, c := range f.Clients {
		if c.ID == "" {
			return errors.New("client id is required")
		}

		if clients[c.ID] {
			return fmt.Errorf("duplicate client %q", c.ID)
		}

		clients[c.ID] = true

		if len(c.RedirectURIs) == 0 {
			return fmt.Errorf("client %q: at least one redirect_uri is required", c.ID)
		}

		for _, uri := range c.RedirectURIs {
			if _, err := url.Parse(uri); err != nil {
				return fmt.Errorf("client %q: invalid redirect_uri %q", c.ID, uri)
			}

			// RFC 6749 Section 3.1.2.
			if strings.Contains(uri, "#") {
				return fmt.Errorf("client %q: redirect_uri %q must not include a fragment", c.ID, uri)
			}
		}

		if c.Confidential {
			if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
				return fmt.Errorf("client %q: secret_hash must be a bcrypt hash", c.ID)
			}
		}
	}

	users := make(map[string]bool, len(f.Users))
	names := make(map[string]bool, len(f.Users))

	for i := range f.Users {
		u := &f.Users[i]

		if u.ID == "" {
			return errors.New("user id is required")
		}

		if users[u.ID] {
			return fmt.Errorf("duplicate user %q", u.ID)
		}

		users[u.ID] = true

		name, err := guard.NormalizeUsername(u.Username)
		if err != nil || name == "" {
			return fmt.Errorf("user %q: invalid username", u.ID)
		}

		if names[name] {
			return fmt.Errorf("duplicate username %q", name)
		}

		names[name] = true
		u.Username = name

		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("user %q: password_hash must be a bcrypt hash", u.ID)
		}

		for _, r := range u.Roles {
			if !roles[r] {
				return fmt.Errorf("user %q: unknown role %q", u.ID, r)
			}
		}
	}

	return nil
}

// Load reads and parses the catalog at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	return Parse(data)
}

// Apply upserts every entry of f into store. Roles are written before
// the users that reference them.
func Apply(ctx context.Context, store Store, f *File) error {
	for _, r := range f.Roles {
		if err := store.UpsertRole(ctx, r); err != nil {
			return fmt.Errorf("upserting role %q: %w", r.Name, err)
		}
	}

	for _, c := range f.Clients {
		if err := store.UpsertClient(ctx, c); err != nil {
			return fmt.Errorf("upserting client %q: %w", c.ID, err)
		}
	}

	for _, u := range f.Users {
		active := u.Active == nil || *u.Active

		if err := store.UpsertUser(ctx, models.User{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Active:       active,
		}); err != nil {
			return fmt.Errorf("upserting user %q: %w", u.ID, err)
		}

		if err := store.SetUserRoles(ctx, u.ID, u.Roles); err != nil {
			return fmt.Errorf("assigning roles to %q: %w", u.ID, err)
		}
	}

	return nil
}

// Catalog owns the loaded seed and serves scope descriptions from it.
type Catalog struct {
	path   string
	store  Store
	gate   Invalidator
	logger *slog.Logger

	mu     sync.RWMutex
	scopes map[string]string
}

// New creates a Catalog for the file at path. gate may be nil.
func New(path string, store Store, gate Invalidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}

	return &Catalog{
		path:   path,
		store:  store,
		gate:   gate,
		logger: logger,
		scopes: map[string]string{},
	}
}

// Reload reads the file, applies it to the store and drops cached
// permissions. On error the previously loaded scopes stay in effect.
func (c *Catalog) Reload(ctx context.Context) error {
	f, err := Load(c.path)
	if err != nil {
		return err
	}

	if err := Apply(ctx, c.store, f); err != nil {
		return err
	}

	scopes := make(map[string]string, len(f.Scopes))
	for k, v := range f.Scopes {
		scopes[k] = v
	}

	c.mu.Lock()
	c.scopes = scopes
	c.mu.Unlock()

	if c.gate != nil {
		c.gate.InvalidateAll()
	}

	c.logger.Info("catalog loaded",
		slog.String("path", c.path),
		slog.Int("clients", len(f.Clients)),
		slog.Int("users", len(f.Users)),
		slog.Int("roles", len(f.Roles)),
	)

	return nil
}

// DescribeScope returns the description of scope, or "".
func (c *Catalog) DescribeScope(scope string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.scopes[scope]
}

// Scopes returns the described scope names in sorted order.
func (c *Catalog) Scopes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.scopes))
	for k := range c.scopes {
		names = append(names, k)
	}

	slices.Sort(names)

	return names
}

// Watch reloads the catalog whenever its file changes. The parent
// directory is watched because editors often replace files by rename. It
// blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watching catalog directory: %w", err)
	}

	name := filepath.Clean(c.path)

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != name || event.Op == fsnotify.Chmod {
				continue
			}

			timer.Reset(reloadDebounce)

		case <-timer.C:
			if err := c.Reload(ctx); err != nil {
				c.logger.Warn("catalog reload failed, keeping previous version",
					slog.String("path", c.path),
					slog.String("error", err.Error()),
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			c.logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}
