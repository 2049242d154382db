// Package rbac answers whether a subject holds a permission, resolving
// User -> Role -> Permission through a RoleStore and caching each
// subject's permission set for a short interval.
package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/authd/internal/instrumentation"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -source=gate.go -destination=mock_store_test.go -package=rbac

const (
	// PermissionConsent is required on every consent-bearing endpoint.
	PermissionConsent = "oauth:consent"

	// DefaultTTL is how long a resolved permission set is served from cache.
	DefaultTTL = 5 * time.Minute
)

// RoleStore resolves subjects to roles and roles to permissions.
type RoleStore interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
	RolePermissions(ctx context.Context, roles []string) ([]string, error)
}

// GateConfig holds cache and lookup settings.
type GateConfig struct {
	TTL           time.Duration
	LookupTimeout time.Duration
}

type cacheEntry struct {
	perms   map[string]struct{}
	expires time.Time
}

// Gate is a fail-secure permission checker. Any error, timeout or panic
// during resolution is a denial.
type Gate struct {
	store   RoleStore
	cfg     GateConfig
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
	// epoch advances on every invalidation. A resolution that started in
	// an older epoch is returned to its callers but not cached.
	epoch uint64

	now func() time.Time
}

// NewGate creates a Gate.
func NewGate(store RoleStore, metrics *instrumentation.Metrics, logger *slog.Logger, cfg GateConfig) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Gate{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// HasPermission reports whether subject holds permission. It never
// fails: missing data, resolution errors and timeouts all yield false.
func (g *Gate) HasPermission(ctx context.Context, subject, permission string) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("permission resolution panicked",
				slog.String("user_id", subject),
				slog.Any("panic", r),
			)

			allowed = false
		}

		if !allowed {
			g.metrics.PermissionDenied(ctx, permission)
		}
	}()

	if g.store == nil || subject == "" || permission == "" {
		return false
	}

	perms, err := g.permissions(ctx, subject)
	if err != nil {
		g.logger.Warn("permission resolution failed",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)

		return false
	}

	_, ok := perms[permission]

	return ok
}

// Invalidate drops the cached permission set for one subject.
func (g *Gate) Invalidate(subject string) {
	g.mu.Lock()
	delete(g.cache, subject)
	g.epoch++
	g.mu.Unlock()

	g.group.Forget(subject)
}

// InvalidateAll drops every cached permission set.
func (g *Gate) InvalidateAll() {
	g.mu.Lock()
	subjects := make([]string, 0, len(g.cache))

	for s := range g.cache {
		subjects = append(subjects, s)
	}

	g.cache = make(map[string]cacheEntry)
	g.epoch++
	g.mu.Unlock()

	for _, s := range subjects {
		g.group.Forget(s)
	}
}

func (g *Gate) permissions(ctx context.Context, subject string) (map[string]struct{}, error) {
	now := g.now()

	g.mu.RLock()
	entry, ok := g.cache[subject]
	epoch := g.epoch
	g.mu.RUnlock()

	if ok && now.Before(entry.expires) {
		return entry.perms, nil
	}

	v, err, _ := g.group.Do(subject, func() (any, error) {
		perms, err := g.resolve(ctx, subject)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		if g.epoch == epoch {
			g.cache[subject] = cacheEntry{perms: perms, expires: g.now().Add(g.cfg.TTL)}
		}
		g.mu.Unlock()

		return perms, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]struct{}), nil
}

func (g *Gate) resolve(ctx context.Context, subject string) (map[string]struct{}, error) {
	lctx, cancel := context.WithTimeout(ctx, g.cfg.LookupTimeout)
	defer cancel()

	roles, err := g.store.UserRoles(lctx, subject)
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}

	perms := make(map[string]struct{})
	if len(roles) == 0 {
		return perms, nil
	}

	list, err := g.store.RolePermissions(lctx, roles)
	if err != nil {
		return nil, fmt.Errorf("loading role permissions: %w", err)
	}

	for _, p := range list {
		perms[p] = struct{}{}
	}

	return perms, nil
}
