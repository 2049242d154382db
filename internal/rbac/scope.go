package rbac

import (
	"context"
	"fmt"

	apperrors "github.com/alexjbarnes/authd/internal/errors"
)

// Checker is the subset of Gate used by ScopePolicy.
type Checker interface {
	HasPermission(ctx context.Context, subject, permission string) bool
}

// ScopePermission returns the permission a subject needs to be granted
// scope s.
func ScopePermission(scope string) string {
	return "scope:" + scope
}

// ScopePolicy requires a scope:<s> permission for every granted scope
// when Enforce is set. The zero value permits everything.
type ScopePolicy struct {
	Checker Checker
	Enforce bool
}

// Permit returns ErrInvalidScope naming the first scope the subject may
// not be granted.
func (p ScopePolicy) Permit(ctx context.Context, subject string, scopes []string) error {
	if !p.Enforce {
		return nil
	}

	if p.Checker == nil {
		return fmt.Errorf("%w: no permission checker", apperrors.ErrInvalidScope)
	}

	for _, s := range scopes {
		if !p.Checker.HasPermission(ctx, subject, ScopePermission(s)) {
			return fmt.Errorf("%w: scope %q not permitted", apperrors.ErrInvalidScope, s)
		}
	}

	return nil
}
