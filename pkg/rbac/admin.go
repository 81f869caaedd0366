package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/observability"
)

// Broadcaster announces that authorization data changed
type Broadcaster interface {
	Broadcast(ctx context.Context, reason string) (invalidation.Signal, error)
}

// AssignOutcome describes what AssignRoleToUser did to the assignment row
type AssignOutcome string

const (
	AssignCreated     AssignOutcome = "created"
	AssignReactivated AssignOutcome = "reactivated"
	AssignUnchanged   AssignOutcome = "unchanged"
)

// Assignment is a user_roles row with its role and computed state
type Assignment struct {
	UserRole
	Role  *Role           `json:"role,omitempty"`
	State AssignmentState `json:"state"`
}

// AdminOption configures an AdminService
type AdminOption func(*AdminService)

// WithAdminLogger sets the service logger
func WithAdminLogger(logger logrus.FieldLogger) AdminOption {
	return func(a *AdminService) { a.logger = logger }
}

// WithAdminMetrics counts command outcomes
func WithAdminMetrics(m *observability.Metrics) AdminOption {
	return func(a *AdminService) { a.metrics = m }
}

// WithAdminClock overrides time.Now
func WithAdminClock(now func() time.Time) AdminOption {
	return func(a *AdminService) { a.now = now }
}

// WithBroadcaster sets where committed changes are announced
func WithBroadcaster(b Broadcaster) AdminOption {
	return func(a *AdminService) { a.bus = b }
}

// WithLockedSystemRoles names the system roles whose permission grants only
// SystemActor may change
func WithLockedSystemRoles(names ...string) AdminOption {
	return func(a *AdminService) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				a.locked[n] = true
			}
		}
	}
}

// AdminService applies RBAC mutations. Every command commits its change and
// its audit entry in one transaction, then broadcasts an invalidation.
type AdminService struct {
	store    *Store
	audit    audit.Store
	validate *validator.Validate
	bus      Broadcaster
	locked   map[string]bool
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAdminService creates the admin service
func NewAdminService(store *Store, auditLog audit.Store, opts ...AdminOption) *AdminService {
	a := &AdminService{
		store:    store,
		audit:    auditLog,
		validate: newValidator(),
		locked:   make(map[string]bool),
		logger:   logrus.StandardLogger(),
		tracer:   otel.Tracer("github.com/givebridge/accessd/pkg/rbac"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AdminService) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

// run executes fn and the audit record it returns in one transaction
func (a *AdminService) run(ctx context.Context, action audit.Action, actor string, fn func(ctx context.Context, tx *Tx) (audit.Record, error)) (err error) {
	op := string(action)
	ctx, span := a.tracer.Start(ctx, "rbac.Admin/"+op, trace.WithAttributes(attribute.String("actor", actor)))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = strings.ToLower(string(KindOf(err)))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if a.metrics != nil {
			a.metrics.CommandsTotal.WithLabelValues(op, outcome).Inc()
		}
		span.End()
	}()

	err = a.store.InTx(ctx, func(tx *Tx) error {
		rec, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		rec.Actor = actor
		rec.Action = action
		if _, err := a.audit.RecordTx(ctx, tx.Querier(), rec); err != nil {
			return unavailable(op, fmt.Errorf("audit write failed: %w", err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	a.announce(ctx, op)
	return nil
}

func (a *AdminService) announce(ctx context.Context, reason string) {
	if a.bus == nil {
		return
	}
	if _, err := a.bus.Broadcast(ctx, reason); err != nil {
		observability.WithTraceContext(ctx, a.logger).WithError(err).
			WithField("reason", reason).
			Warn("Invalidation broadcast failed; peers converge on cache expiry")
	}
}

func requireActor(op, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return invalid(op, "actor is required")
	}
	return nil
}

// Roles

// CreateRole creates a role
func (a *AdminService) CreateRole(ctx context.Context, actor string, in RoleInput) (*Role, error) {
	const op = "create_role"
	normalizeRoleInput(&in)
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	now := a.timestamp()
	role := &Role{
		ID:          uuid.New(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		IsSystem:    in.IsSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := a.run(ctx, audit.ActionCreateRole, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		if err := tx.InsertRole(ctx, role); err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetRole,
			TargetID:   role.ID.String(),
			Detail:     audit.Detail{After: role},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// UpdateRole edits a role. System roles keep their name; the system flag is
// never changed by an update.
func (a *AdminService) UpdateRole(ctx context.Context, actor string, id uuid.UUID, in RoleInput) (*Role, error) {
	const op = "update_role"
	normalizeRoleInput(&in)
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	var updated *Role
	err := a.run(ctx, audit.ActionUpdateRole, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		before, err := tx.GetRole(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if before.IsSystem && in.Name != before.Name {
			return audit.Record{}, protected(op, "system role %q cannot be renamed", before.Name)
		}
		after := *before
		after.Name = in.Name
		after.DisplayName = in.DisplayName
		after.Description = in.Description
		after.UpdatedAt = a.timestamp()
		if err := tx.UpdateRole(ctx, &after); err != nil {
			return audit.Record{}, err
		}
		updated = &after
		return audit.Record{
			TargetType: audit.TargetRole,
			TargetID:   id.String(),
			Detail:     audit.Detail{Before: before, After: after},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRole removes a non-system role with its grants and assignments
func (a *AdminService) DeleteRole(ctx context.Context, actor string, id uuid.UUID) error {
	const op = "delete_role"
	if err := requireActor(op, actor); err != nil {
		return err
	}
	return a.run(ctx, audit.ActionDeleteRole, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if role.IsSystem {
			return audit.Record{}, protected(op, "system role %q cannot be deleted", role.Name)
		}
		grants, assignments, err := tx.RoleUsage(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if err := tx.DeleteRole(ctx, id); err != nil {
			return audit.Record{}, err
		}
		rec := audit.Record{
			TargetType: audit.TargetRole,
			TargetID:   id.String(),
			Detail: audit.Detail{
				Before: role,
				Metadata: map[string]interface{}{
					"removed_grants":      grants,
					"removed_assignments": assignments,
				},
			},
		}
		if grants+assignments > 0 {
			rec.Severity = audit.SeverityCritical
		}
		return rec, nil
	})
}

// Permissions

// CreatePermission creates a permission, deriving its name from resource and action
func (a *AdminService) CreatePermission(ctx context.Context, actor string, in PermissionInput) (*Permission, error) {
	const op = "create_permission"
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := normalizePermissionInput(op, &in); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	now := a.timestamp()
	perm := &Permission{
		ID:          uuid.New(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Description: in.Description,
		Resource:    in.Resource,
		Action:      in.Action,
		ModuleID:    in.ModuleID,
		IsSystem:    in.IsSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := a.run(ctx, audit.ActionCreatePermission, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		if err := a.checkModule(ctx, tx, op, perm.ModuleID); err != nil {
			return audit.Record{}, err
		}
		if err := tx.InsertPermission(ctx, perm); err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetPermission,
			TargetID:   perm.ID.String(),
			Detail:     audit.Detail{After: perm},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// UpdatePermission edits a permission. A system permission keeps its name,
// resource and action.
func (a *AdminService) UpdatePermission(ctx context.Context, actor string, id uuid.UUID, in PermissionInput) (*Permission, error) {
	const op = "update_permission"
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := normalizePermissionInput(op, &in); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	var updated *Permission
	err := a.run(ctx, audit.ActionUpdatePermission, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		before, err := tx.GetPermission(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if before.IsSystem && (in.Name != before.Name || in.Resource != before.Resource || in.Action != before.Action) {
			return audit.Record{}, protected(op, "system permission %q cannot change its name, resource or action", before.Name)
		}
		if err := a.checkModule(ctx, tx, op, in.ModuleID); err != nil {
			return audit.Record{}, err
		}
		after := *before
		after.Name = in.Name
		after.DisplayName = in.DisplayName
		after.Description = in.Description
		after.Resource = in.Resource
		after.Action = in.Action
		after.ModuleID = in.ModuleID
		after.UpdatedAt = a.timestamp()
		if err := tx.UpdatePermission(ctx, &after); err != nil {
			return audit.Record{}, err
		}
		updated = &after
		return audit.Record{
			TargetType: audit.TargetPermission,
			TargetID:   id.String(),
			Detail:     audit.Detail{Before: before, After: after},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeletePermission removes a non-system permission and every grant of it
func (a *AdminService) DeletePermission(ctx context.Context, actor string, id uuid.UUID) error {
	const op = "delete_permission"
	if err := requireActor(op, actor); err != nil {
		return err
	}
	return a.run(ctx, audit.ActionDeletePermission, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		perm, err := tx.GetPermission(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if perm.IsSystem {
			return audit.Record{}, protected(op, "system permission %q cannot be deleted", perm.Name)
		}
		grants, err := tx.PermissionUsage(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if err := tx.DeletePermission(ctx, id); err != nil {
			return audit.Record{}, err
		}
		rec := audit.Record{
			TargetType: audit.TargetPermission,
			TargetID:   id.String(),
			Detail: audit.Detail{
				Before:   perm,
				Metadata: map[string]interface{}{"removed_grants": grants},
			},
		}
		if grants > 0 {
			rec.Severity = audit.SeverityCritical
		}
		return rec, nil
	})
}

func (a *AdminService) checkModule(ctx context.Context, tx *Tx, op string, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	if _, err := tx.GetModule(ctx, *id); err != nil {
		if KindOf(err) == KindNotFound {
			return invalid(op, "module %s does not exist", *id)
		}
		return err
	}
	return nil
}

// Modules

// CreateModule creates a presentation module
func (a *AdminService) CreateModule(ctx context.Context, actor string, in ModuleInput) (*Module, error) {
	const op = "create_module"
	normalizeModuleInput(&in)
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	now := a.timestamp()
	m := &Module{
		ID:          uuid.New(),
		Name:        in.Name,
		DisplayName: in.DisplayName,
		Icon:        in.Icon,
		Color:       in.Color,
		SortOrder:   in.SortOrder,
		IsActive:    in.IsActive,
		IsSystem:    in.IsSystem,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := a.run(ctx, audit.ActionCreateModule, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		if err := tx.InsertModule(ctx, m); err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetModule,
			TargetID:   m.ID.String(),
			Detail:     audit.Detail{After: m},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateModule edits a module. The system flag is never changed by an update.
func (a *AdminService) UpdateModule(ctx context.Context, actor string, id uuid.UUID, in ModuleInput) (*Module, error) {
	const op = "update_module"
	normalizeModuleInput(&in)
	if err := requireActor(op, actor); err != nil {
		return nil, err
	}
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, err
	}

	var updated *Module
	err := a.run(ctx, audit.ActionUpdateModule, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		before, err := tx.GetModule(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		after := *before
		after.Name = in.Name
		after.DisplayName = in.DisplayName
		after.Icon = in.Icon
		after.Color = in.Color
		after.SortOrder = in.SortOrder
		after.IsActive = in.IsActive
		after.UpdatedAt = a.timestamp()
		if err := tx.UpdateModule(ctx, &after); err != nil {
			return audit.Record{}, err
		}
		updated = &after
		return audit.Record{
			TargetType: audit.TargetModule,
			TargetID:   id.String(),
			Detail:     audit.Detail{Before: before, After: after},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteModule removes a non-system module; its permissions become ungrouped
func (a *AdminService) DeleteModule(ctx context.Context, actor string, id uuid.UUID) error {
	const op = "delete_module"
	if err := requireActor(op, actor); err != nil {
		return err
	}
	return a.run(ctx, audit.ActionDeleteModule, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		m, err := tx.GetModule(ctx, id)
		if err != nil {
			return audit.Record{}, err
		}
		if m.IsSystem {
			return audit.Record{}, protected(op, "system module %q cannot be deleted", m.Name)
		}
		if err := tx.DeleteModule(ctx, id); err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetModule,
			TargetID:   id.String(),
			Detail:     audit.Detail{Before: m},
		}, nil
	})
}

// Assignments

// AssignRoleToUser makes the role effective for the user. An existing inactive
// or expired row is reactivated rather than duplicated, and an already active
// assignment is left untouched. Every call is audited with its outcome.
func (a *AdminService) AssignRoleToUser(ctx context.Context, in AssignRoleInput) (*UserRole, AssignOutcome, error) {
	const op = "assign_role"
	in.UserID = strings.TrimSpace(in.UserID)
	in.AssignedBy = strings.TrimSpace(in.AssignedBy)
	if err := validateInput(a.validate, op, in); err != nil {
		return nil, "", err
	}
	now := a.timestamp()
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC().Truncate(time.Microsecond)
		if !exp.After(now) {
			return nil, "", invalid(op, "expires_at must be in the future")
		}
		in.ExpiresAt = &exp
	}

	var (
		result  *UserRole
		outcome AssignOutcome
	)
	err := a.run(ctx, audit.ActionAssignRole, in.AssignedBy, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		role, err := tx.GetRole(ctx, in.RoleID)
		if err != nil {
			return audit.Record{}, err
		}

		var before *UserRole
		existing, err := tx.GetUserRole(ctx, in.UserID, in.RoleID)
		if KindOf(err) == KindNotFound {
			fresh := &UserRole{
				ID:         uuid.New(),
				UserID:     in.UserID,
				RoleID:     in.RoleID,
				AssignedBy: in.AssignedBy,
				AssignedAt: now,
				ExpiresAt:  in.ExpiresAt,
				IsActive:   true,
			}
			created, err := tx.InsertUserRole(ctx, fresh)
			if err != nil {
				return audit.Record{}, err
			}
			// not created: a concurrent assignment committed between the read and the insert
			if created {
				result = fresh
				outcome = AssignCreated
			} else if existing, err = tx.GetUserRole(ctx, in.UserID, in.RoleID); err != nil {
				return audit.Record{}, err
			}
		} else if err != nil {
			return audit.Record{}, err
		}

		switch {
		case outcome == AssignCreated:
		case existing.Effective(now):
			result = existing
			outcome = AssignUnchanged
		default:
			snapshot := *existing
			before = &snapshot
			existing.AssignedBy = in.AssignedBy
			existing.AssignedAt = now
			existing.ExpiresAt = in.ExpiresAt
			existing.IsActive = true
			if err := tx.UpdateUserRole(ctx, existing); err != nil {
				return audit.Record{}, err
			}
			result = existing
			outcome = AssignReactivated
		}

		detail := audit.Detail{
			After: result,
			Metadata: map[string]interface{}{
				"user_id":   in.UserID,
				"role_id":   role.ID.String(),
				"role_name": role.Name,
				"outcome":   string(outcome),
			},
		}
		if before != nil {
			detail.Before = before
		}
		return audit.Record{
			TargetType: audit.TargetUserRole,
			TargetID:   result.ID.String(),
			Detail:     detail,
		}, nil
	})
	if err != nil {
		return nil, "", err
	}
	return result, outcome, nil
}

// RevokeRoleFromUser deactivates the user's active assignment of the role. The
// row is kept as history.
func (a *AdminService) RevokeRoleFromUser(ctx context.Context, actor, userID string, roleID uuid.UUID) error {
	const op = "revoke_role"
	userID = strings.TrimSpace(userID)
	if err := requireActor(op, actor); err != nil {
		return err
	}
	if userID == "" {
		return invalid(op, "user_id is required")
	}
	return a.run(ctx, audit.ActionRevokeRole, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		ur, err := tx.GetUserRole(ctx, userID, roleID)
		if err != nil {
			return audit.Record{}, err
		}
		now := a.timestamp()
		if !ur.Effective(now) {
			return audit.Record{}, notFound(op, "user %q has no active assignment of role %s", userID, roleID)
		}
		before := *ur
		ur.IsActive = false
		if err := tx.UpdateUserRole(ctx, ur); err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetUserRole,
			TargetID:   ur.ID.String(),
			Detail: audit.Detail{
				Before:   before,
				After:    ur,
				Metadata: map[string]interface{}{"user_id": userID, "role_id": roleID.String()},
			},
		}, nil
	})
}

// AssignPermissionToRole grants a permission to a role. Granting an existing
// grant changes nothing but is still audited.
func (a *AdminService) AssignPermissionToRole(ctx context.Context, actor string, roleID, permissionID uuid.UUID) (bool, error) {
	var added bool
	err := a.changeGrant(ctx, audit.ActionAssignPermission, actor, roleID, permissionID,
		func(ctx context.Context, tx *Tx) (bool, error) {
			var err error
			added, err = tx.AddRolePermission(ctx, roleID, permissionID, a.timestamp())
			return added, err
		})
	return added, err
}

// RemovePermissionFromRole revokes a grant. Removing a missing grant changes
// nothing but is still audited.
func (a *AdminService) RemovePermissionFromRole(ctx context.Context, actor string, roleID, permissionID uuid.UUID) (bool, error) {
	var removed bool
	err := a.changeGrant(ctx, audit.ActionRevokePermission, actor, roleID, permissionID,
		func(ctx context.Context, tx *Tx) (bool, error) {
			var err error
			removed, err = tx.RemoveRolePermission(ctx, roleID, permissionID)
			return removed, err
		})
	return removed, err
}

func (a *AdminService) changeGrant(ctx context.Context, action audit.Action, actor string, roleID, permissionID uuid.UUID,
	apply func(ctx context.Context, tx *Tx) (bool, error)) error {
	op := string(action)
	if err := requireActor(op, actor); err != nil {
		return err
	}
	return a.run(ctx, action, actor, func(ctx context.Context, tx *Tx) (audit.Record, error) {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return audit.Record{}, err
		}
		if role.IsSystem && a.locked[role.Name] && actor != SystemActor {
			return audit.Record{}, protected(op, "grants of locked system role %q cannot be changed", role.Name)
		}
		perm, err := tx.GetPermission(ctx, permissionID)
		if err != nil {
			return audit.Record{}, err
		}
		changed, err := apply(ctx, tx)
		if err != nil {
			return audit.Record{}, err
		}
		return audit.Record{
			TargetType: audit.TargetRolePermission,
			TargetID:   roleID.String() + ":" + permissionID.String(),
			Detail: audit.Detail{
				After: RolePermission{RoleID: roleID, PermissionID: permissionID},
				Metadata: map[string]interface{}{
					"role_name":       role.Name,
					"permission_name": perm.Name,
					"changed":         changed,
				},
			},
		}, nil
	})
}

// Reads

// ListRoles returns every role ordered by name
func (a *AdminService) ListRoles(ctx context.Context) ([]Role, error) {
	return a.store.ListRoles(ctx)
}

// GetRole returns a role by id
func (a *AdminService) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	return a.store.GetRole(ctx, id)
}

// GetRoleByName returns a role by its machine name
func (a *AdminService) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return a.store.GetRoleByName(ctx, strings.TrimSpace(name))
}

// GetRolePermissions returns the permissions granted to a role, ordered by name
func (a *AdminService) GetRolePermissions(ctx context.Context, id uuid.UUID) ([]Permission, error) {
	if _, err := a.store.GetRole(ctx, id); err != nil {
		return nil, err
	}
	byRole, err := a.store.RolePermissions(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	return byRole[id], nil
}

// ListPermissions returns every permission ordered by name
func (a *AdminService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

// GetPermissionByName returns a permission by its resource:action name
func (a *AdminService) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	return a.store.GetPermissionByName(ctx, strings.TrimSpace(name))
}

// ListPermissionsByModule groups permissions under their modules in module
// order. Permissions without a module form a final group with a nil Module.
func (a *AdminService) ListPermissionsByModule(ctx context.Context) ([]ModuleGroup, error) {
	modules, err := a.store.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	perms, err := a.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}

	byModule := make(map[uuid.UUID][]Permission, len(modules))
	var ungrouped []Permission
	for _, p := range perms {
		if p.ModuleID == nil {
			ungrouped = append(ungrouped, p)
			continue
		}
		byModule[*p.ModuleID] = append(byModule[*p.ModuleID], p)
	}

	groups := make([]ModuleGroup, 0, len(modules)+1)
	for i := range modules {
		m := modules[i]
		list := byModule[m.ID]
		if list == nil {
			list = []Permission{}
		}
		groups = append(groups, ModuleGroup{Module: &m, Permissions: list})
	}
	if len(ungrouped) > 0 {
		groups = append(groups, ModuleGroup{Permissions: ungrouped})
	}
	return groups, nil
}

// ListModules returns modules in display order
func (a *AdminService) ListModules(ctx context.Context) ([]Module, error) {
	return a.store.ListModules(ctx)
}

// GetModuleByName returns a module by name
func (a *AdminService) GetModuleByName(ctx context.Context, name string) (*Module, error) {
	return a.store.GetModuleByName(ctx, strings.TrimSpace(name))
}

// ListUserAssignments returns every assignment row of a user, including
// revoked and expired history, oldest first
func (a *AdminService) ListUserAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, invalid("list_user_assignments", "user_id is required")
	}
	grants, err := a.store.UserRoleGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]Assignment, 0, len(grants))
	for _, g := range grants {
		out = append(out, Assignment{UserRole: g.Assignment, Role: g.Role, State: g.Assignment.State(now)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// ListAuditLog pages the audit log newest first
func (a *AdminService) ListAuditLog(ctx context.Context, filter audit.Filter, page audit.Page) (audit.Result, error) {
	result, err := a.audit.Query(ctx, filter, page)
	if err != nil {
		return audit.Result{}, unavailable("list_audit_log", err)
	}
	return result, nil
}
