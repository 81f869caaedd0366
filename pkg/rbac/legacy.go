package rbac

import "context"

// AdminPermission guards every administrative surface
const AdminPermission = "admin:rbac"

// LegacyChecker serves callers written against the older name-based checks
type LegacyChecker struct {
	resolver *Resolver
}

// NewLegacyChecker wraps a resolver
func NewLegacyChecker(resolver *Resolver) *LegacyChecker {
	return &LegacyChecker{resolver: resolver}
}

// UserHasPermission reports whether the user holds the named permission
func (c *LegacyChecker) UserHasPermission(ctx context.Context, userID, name string) bool {
	return c.resolver.HasPermission(ctx, userID, name)
}

// IsAdmin reports whether the user may administer RBAC
func (c *LegacyChecker) IsAdmin(ctx context.Context, userID string) bool {
	return c.resolver.HasPermission(ctx, userID, AdminPermission)
}
