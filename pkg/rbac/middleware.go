package rbac

import (
	"context"
	"net/http"
	"strings"

	"github.com/givebridge/accessd/pkg/contextkeys"
	"github.com/givebridge/accessd/pkg/httputil"
	"github.com/givebridge/accessd/pkg/observability"
)

// UserIDHeader carries the caller identity set by the trusted gateway
const UserIDHeader = "X-User-ID"

// PermissionChecker is the part of the resolver the middleware needs
type PermissionChecker interface {
	HasAllPermissions(ctx context.Context, userID string, names ...string) bool
}

// IdentityMiddleware copies the gateway identity header into the request
// context. Requests without it continue as anonymous.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := contextkeys.WithUserID(r.Context(), userID)
		ctx = observability.WithLogger(ctx, observability.GetLogger(ctx).WithField("user_id", userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects requests whose caller does not hold every one of
// names. A failed lookup counts as not holding them. It panics when names is
// empty, since such a guard would admit every authenticated caller.
func RequirePermission(checker PermissionChecker, names ...string) func(http.Handler) http.Handler {
	if len(names) == 0 {
		panic("rbac: RequirePermission needs at least one permission name")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := contextkeys.GetUserID(r.Context())
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !checker.HasAllPermissions(r.Context(), userID, names...) {
				observability.FromContext(r.Context()).WithField("required", names).
					Info("Request denied")
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
