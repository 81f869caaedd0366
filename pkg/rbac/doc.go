// Package rbac resolves and administers role-based access control for the
// donation and case-management application.
//
// # Model
//
// Permissions are flat resource:action capabilities such as "cases:create".
// Roles are named sets of permissions, and users hold roles through UserRole
// assignments that may expire. There is no role hierarchy and no scoping:
// a user's effective permissions are the union over every active,
// unexpired assignment.
//
// Modules group permissions for display and have no authorization effect.
// Roles, permissions and modules flagged is_system are protected from
// deletion and from renaming.
//
// # Resolution
//
// Resolver answers GetEffectiveRoles, GetEffectivePermissions and the
// boolean Has* checks from a per-user cache:
//
//	resolver := rbac.NewResolver(store, rbac.DefaultResolverConfig(),
//		rbac.WithResolverLogger(logger),
//		rbac.WithResolverMetrics(metrics),
//	)
//	bus.Subscribe(resolver.Invalidate)
//
//	if resolver.HasPermission(ctx, userID, "donations:refund") {
//		// ...
//	}
//
// The boolean checks never return errors. When the store cannot be reached
// they answer false and log at error level.
//
// # Administration
//
// AdminService runs each command in a single transaction together with its
// audit entry, then broadcasts an invalidation so every resolver drops its
// cache:
//
//	admin := rbac.NewAdminService(store, auditLog,
//		rbac.WithBroadcaster(bus),
//		rbac.WithLockedSystemRoles("super_admin"),
//	)
//	ur, outcome, err := admin.AssignRoleToUser(ctx, rbac.AssignRoleInput{
//		UserID:     "u-42",
//		RoleID:     financeRole.ID,
//		AssignedBy: adminID,
//	})
//
// Errors carry an ErrorKind: NOT_FOUND, DUPLICATE_NAME, PROTECTED_ENTITY,
// VALIDATION_ERROR or STORE_UNAVAILABLE. Use errors.Is with the Err*
// sentinels or KindOf.
//
// # HTTP
//
// Handlers exposes the admin surface under /rbac behind AdminPermission.
// The caller identity is read from the X-User-ID header by
// IdentityMiddleware.
package rbac
