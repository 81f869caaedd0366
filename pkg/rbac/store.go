package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/givebridge/accessd/pkg/storage"
)

const (
	roleColumns       = "id, name, display_name, description, is_system, created_at, updated_at"
	permissionColumns = "id, name, display_name, description, resource, action, module_id, is_system, created_at, updated_at"
	moduleColumns     = "id, name, display_name, icon, color, sort_order, is_active, is_system, created_at, updated_at"
	userRoleColumns   = "id, user_id, role_id, assigned_by, assigned_at, expires_at, is_active"
)

// Store handles RBAC data persistence
type Store struct {
	queries
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Tx is a Store bound to an open transaction
type Tx struct {
	queries
	tx *sql.Tx
}

// Querier exposes the transaction for collaborators that must write in it
func (t *Tx) Querier() storage.Querier {
	return t.tx
}

// InTx runs fn in a transaction, committing only when fn returns nil
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	if err := fn(&Tx{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// queries holds every statement the RBAC engine issues, bound to a Querier
type queries struct {
	q storage.Querier
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row rowScanner) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanPermission(row rowScanner) (*Permission, error) {
	var p Permission
	var moduleID uuid.NullUUID
	if err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action,
		&moduleID, &p.IsSystem, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if moduleID.Valid {
		id := moduleID.UUID
		p.ModuleID = &id
	}
	return &p, nil
}

func scanModule(row rowScanner) (*Module, error) {
	var m Module
	if err := row.Scan(&m.ID, &m.Name, &m.DisplayName, &m.Icon, &m.Color, &m.SortOrder,
		&m.IsActive, &m.IsSystem, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanUserRole(row rowScanner) (*UserRole, error) {
	var ur UserRole
	var expiresAt sql.NullTime
	if err := row.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.AssignedBy, &ur.AssignedAt, &expiresAt, &ur.IsActive); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		ur.ExpiresAt = &t
	}
	return &ur, nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Roles

// GetRole retrieves a role by ID
func (s queries) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx,
		"SELECT "+roleColumns+" FROM roles WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_role", "role %s not found", id)
	}
	if err != nil {
		return nil, unavailable("get_role", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by its machine name
func (s queries) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := scanRole(s.q.QueryRowContext(ctx,
		"SELECT "+roleColumns+" FROM roles WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_role", "role %q not found", name)
	}
	if err != nil {
		return nil, unavailable("get_role", err)
	}
	return role, nil
}

// ListRoles returns every role ordered by name
func (s queries) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY name")
	if err != nil {
		return nil, unavailable("list_roles", err)
	}
	defer rows.Close()

	roles := []Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, unavailable("list_roles", err)
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list_roles", err)
	}
	return roles, nil
}

func (s queries) nameTaken(ctx context.Context, table, name string, except uuid.UUID) (bool, error) {
	var id uuid.UUID
	err := s.q.QueryRowContext(ctx, "SELECT id FROM "+table+" WHERE name = $1", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return id != except, nil
}

// InsertRole creates a role row
func (s queries) InsertRole(ctx context.Context, role *Role) error {
	const op = "create_role"
	if taken, err := s.nameTaken(ctx, "roles", role.Name, role.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, role.Name)
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO roles ("+roleColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		role.ID, role.Name, role.DisplayName, role.Description, role.IsSystem, role.CreatedAt, role.UpdatedAt)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, role.Name)
	}
	return unavailable(op, err)
}

// UpdateRole writes the mutable role fields
func (s queries) UpdateRole(ctx context.Context, role *Role) error {
	const op = "update_role"
	if taken, err := s.nameTaken(ctx, "roles", role.Name, role.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, role.Name)
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE roles SET name = $1, display_name = $2, description = $3, is_system = $4, updated_at = $5 WHERE id = $6",
		role.Name, role.DisplayName, role.Description, role.IsSystem, role.UpdatedAt, role.ID)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, role.Name)
	}
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "role %s not found", role.ID)
}

// DeleteRole removes a role together with its permission grants and user assignments
func (s queries) DeleteRole(ctx context.Context, id uuid.UUID) error {
	const op = "delete_role"
	if _, err := s.q.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", id); err != nil {
		return unavailable(op, err)
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM user_roles WHERE role_id = $1", id); err != nil {
		return unavailable(op, err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", id)
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "role %s not found", id)
}

// RoleUsage counts the grants and active assignments that reference a role
func (s queries) RoleUsage(ctx context.Context, id uuid.UUID) (permissions, assignments int, err error) {
	if err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM role_permissions WHERE role_id = $1", id).Scan(&permissions); err != nil {
		return 0, 0, unavailable("role_usage", err)
	}
	if err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_roles WHERE role_id = $1 AND is_active = $2", id, true).Scan(&assignments); err != nil {
		return 0, 0, unavailable("role_usage", err)
	}
	return permissions, assignments, nil
}

// Permissions

// GetPermission retrieves a permission by ID
func (s queries) GetPermission(ctx context.Context, id uuid.UUID) (*Permission, error) {
	perm, err := scanPermission(s.q.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_permission", "permission %s not found", id)
	}
	if err != nil {
		return nil, unavailable("get_permission", err)
	}
	return perm, nil
}

// GetPermissionByName retrieves a permission by its resource:action name
func (s queries) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	perm, err := scanPermission(s.q.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_permission", "permission %q not found", name)
	}
	if err != nil {
		return nil, unavailable("get_permission", err)
	}
	return perm, nil
}

// ListPermissions returns every permission ordered by name
func (s queries) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+permissionColumns+" FROM permissions ORDER BY name")
	if err != nil {
		return nil, unavailable("list_permissions", err)
	}
	defer rows.Close()
	return collectPermissions("list_permissions", rows)
}

func collectPermissions(op string, rows *sql.Rows) ([]Permission, error) {
	perms := []Permission{}
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		perms = append(perms, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return perms, nil
}

// InsertPermission creates a permission row
func (s queries) InsertPermission(ctx context.Context, perm *Permission) error {
	const op = "create_permission"
	if taken, err := s.nameTaken(ctx, "permissions", perm.Name, perm.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, perm.Name)
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO permissions ("+permissionColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		perm.ID, perm.Name, perm.DisplayName, perm.Description, perm.Resource, perm.Action,
		nullableUUID(perm.ModuleID), perm.IsSystem, perm.CreatedAt, perm.UpdatedAt)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, perm.Name)
	}
	return unavailable(op, err)
}

// UpdatePermission writes the mutable permission fields
func (s queries) UpdatePermission(ctx context.Context, perm *Permission) error {
	const op = "update_permission"
	if taken, err := s.nameTaken(ctx, "permissions", perm.Name, perm.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, perm.Name)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE permissions
		SET name = $1, display_name = $2, description = $3, resource = $4, action = $5,
			module_id = $6, is_system = $7, updated_at = $8
		WHERE id = $9`,
		perm.Name, perm.DisplayName, perm.Description, perm.Resource, perm.Action,
		nullableUUID(perm.ModuleID), perm.IsSystem, perm.UpdatedAt, perm.ID)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, perm.Name)
	}
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "permission %s not found", perm.ID)
}

// DeletePermission removes a permission and every role grant of it
func (s queries) DeletePermission(ctx context.Context, id uuid.UUID) error {
	const op = "delete_permission"
	if _, err := s.q.ExecContext(ctx, "DELETE FROM role_permissions WHERE permission_id = $1", id); err != nil {
		return unavailable(op, err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM permissions WHERE id = $1", id)
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "permission %s not found", id)
}

// PermissionUsage counts the roles granting a permission
func (s queries) PermissionUsage(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1", id).Scan(&n); err != nil {
		return 0, unavailable("permission_usage", err)
	}
	return n, nil
}

// Modules

// GetModule retrieves a module by ID
func (s queries) GetModule(ctx context.Context, id uuid.UUID) (*Module, error) {
	m, err := scanModule(s.q.QueryRowContext(ctx,
		"SELECT "+moduleColumns+" FROM modules WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_module", "module %s not found", id)
	}
	if err != nil {
		return nil, unavailable("get_module", err)
	}
	return m, nil
}

// GetModuleByName retrieves a module by name
func (s queries) GetModuleByName(ctx context.Context, name string) (*Module, error) {
	m, err := scanModule(s.q.QueryRowContext(ctx,
		"SELECT "+moduleColumns+" FROM modules WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_module", "module %q not found", name)
	}
	if err != nil {
		return nil, unavailable("get_module", err)
	}
	return m, nil
}

// ListModules returns modules ordered by sort order, then name
func (s queries) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+moduleColumns+" FROM modules ORDER BY sort_order, name")
	if err != nil {
		return nil, unavailable("list_modules", err)
	}
	defer rows.Close()

	modules := []Module{}
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, unavailable("list_modules", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list_modules", err)
	}
	return modules, nil
}

// InsertModule creates a module row
func (s queries) InsertModule(ctx context.Context, m *Module) error {
	const op = "create_module"
	if taken, err := s.nameTaken(ctx, "modules", m.Name, m.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, m.Name)
	}
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO modules ("+moduleColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		m.ID, m.Name, m.DisplayName, m.Icon, m.Color, m.SortOrder, m.IsActive, m.IsSystem, m.CreatedAt, m.UpdatedAt)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, m.Name)
	}
	return unavailable(op, err)
}

// UpdateModule writes the mutable module fields
func (s queries) UpdateModule(ctx context.Context, m *Module) error {
	const op = "update_module"
	if taken, err := s.nameTaken(ctx, "modules", m.Name, m.ID); err != nil {
		return unavailable(op, err)
	} else if taken {
		return duplicateName(op, m.Name)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE modules
		SET name = $1, display_name = $2, icon = $3, color = $4, sort_order = $5,
			is_active = $6, is_system = $7, updated_at = $8
		WHERE id = $9`,
		m.Name, m.DisplayName, m.Icon, m.Color, m.SortOrder, m.IsActive, m.IsSystem, m.UpdatedAt, m.ID)
	if storage.IsUniqueViolation(err) {
		return duplicateName(op, m.Name)
	}
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "module %s not found", m.ID)
}

// DeleteModule removes a module and detaches its permissions
func (s queries) DeleteModule(ctx context.Context, id uuid.UUID) error {
	const op = "delete_module"
	if _, err := s.q.ExecContext(ctx, "UPDATE permissions SET module_id = NULL WHERE module_id = $1", id); err != nil {
		return unavailable(op, err)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM modules WHERE id = $1", id)
	if err != nil {
		return unavailable(op, err)
	}
	return requireRow(op, res, "module %s not found", id)
}

// Role permissions

// AddRolePermission grants a permission to a role. It reports false when the
// grant already existed, including one committed concurrently.
func (s queries) AddRolePermission(ctx context.Context, roleID, permissionID uuid.UUID, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (role_id, permission_id) DO NOTHING`,
		roleID, permissionID, at)
	if err != nil {
		return false, unavailable("assign_permission", err)
	}
	return inserted("assign_permission", res)
}

func inserted(op string, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n > 0, nil
}

// RemoveRolePermission revokes a grant. It reports false when there was none.
func (s queries) RemoveRolePermission(ctx context.Context, roleID, permissionID uuid.UUID) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2", roleID, permissionID)
	if err != nil {
		return false, unavailable("revoke_permission", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("revoke_permission", err)
	}
	return n > 0, nil
}

// RolePermissions loads the permissions granted to each of the given roles.
// Every requested role has an entry, ordered by permission name.
func (s queries) RolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	out := make(map[uuid.UUID][]Permission, len(roleIDs))
	if len(roleIDs) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(roleIDs))
	for i, id := range roleIDs {
		args[i] = id
		out[id] = []Permission{}
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT rp.role_id, p.id, p.name, p.display_name, p.description, p.resource, p.action,
			p.module_id, p.is_system, p.created_at, p.updated_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id IN (`+storage.Placeholders(1, len(roleIDs))+`)
		ORDER BY p.name, p.id`, args...)
	if err != nil {
		return nil, unavailable("role_permissions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roleID uuid.UUID
		var p Permission
		var moduleID uuid.NullUUID
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action,
			&moduleID, &p.IsSystem, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, unavailable("role_permissions", err)
		}
		if moduleID.Valid {
			id := moduleID.UUID
			p.ModuleID = &id
		}
		out[roleID] = append(out[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("role_permissions", err)
	}
	return out, nil
}

// User roles

// GetUserRole retrieves the assignment row for a user and role in any state
func (s queries) GetUserRole(ctx context.Context, userID string, roleID uuid.UUID) (*UserRole, error) {
	ur, err := scanUserRole(s.q.QueryRowContext(ctx,
		"SELECT "+userRoleColumns+" FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_user_role", "user %q has no assignment of role %s", userID, roleID)
	}
	if err != nil {
		return nil, unavailable("get_user_role", err)
	}
	return ur, nil
}

// InsertUserRole creates an assignment row. It reports false without error
// when a row for the same user and role already exists; the caller re-reads it.
func (s queries) InsertUserRole(ctx context.Context, ur *UserRole) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO user_roles (`+userRoleColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, role_id) DO NOTHING`,
		ur.ID, ur.UserID, ur.RoleID, ur.AssignedBy, ur.AssignedAt, nullableTime(ur.ExpiresAt), ur.IsActive)
	if err != nil {
		return false, unavailable("assign_role", err)
	}
	return inserted("assign_role", res)
}

// UpdateUserRole rewrites the lifecycle fields of an assignment row
func (s queries) UpdateUserRole(ctx context.Context, ur *UserRole) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE user_roles SET assigned_by = $1, assigned_at = $2, expires_at = $3, is_active = $4 WHERE id = $5",
		ur.AssignedBy, ur.AssignedAt, nullableTime(ur.ExpiresAt), ur.IsActive, ur.ID)
	if err != nil {
		return unavailable("update_user_role", err)
	}
	return requireRow("update_user_role", res, "assignment %s not found", ur.ID)
}

// UserRoleGrants returns the user's assignment rows with their roles resolved.
// Rows are returned in every state; callers decide effectiveness with a clock.
func (s queries) UserRoleGrants(ctx context.Context, userID string) ([]RoleGrant, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ur.id, ur.user_id, ur.role_id, ur.assigned_by, ur.assigned_at, ur.expires_at, ur.is_active,
			r.id, r.name, r.display_name, r.description, r.is_system, r.created_at, r.updated_at
		FROM user_roles ur
		LEFT JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name, ur.id`, userID)
	if err != nil {
		return nil, unavailable("user_role_grants", err)
	}
	defer rows.Close()

	grants := []RoleGrant{}
	for rows.Next() {
		var g RoleGrant
		var expiresAt sql.NullTime
		var roleID uuid.NullUUID
		var name, displayName, description sql.NullString
		var isSystem sql.NullBool
		var createdAt, updatedAt sql.NullTime
		if err := rows.Scan(
			&g.Assignment.ID, &g.Assignment.UserID, &g.Assignment.RoleID, &g.Assignment.AssignedBy,
			&g.Assignment.AssignedAt, &expiresAt, &g.Assignment.IsActive,
			&roleID, &name, &displayName, &description, &isSystem, &createdAt, &updatedAt,
		); err != nil {
			return nil, unavailable("user_role_grants", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			g.Assignment.ExpiresAt = &t
		}
		if roleID.Valid {
			g.Role = &Role{
				ID:          roleID.UUID,
				Name:        name.String,
				DisplayName: displayName.String,
				Description: description.String,
				IsSystem:    isSystem.Bool,
				CreatedAt:   createdAt.Time,
				UpdatedAt:   updatedAt.Time,
			}
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("user_role_grants", err)
	}
	return grants, nil
}

func requireRow(op string, res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return notFound(op, format, args...)
	}
	return nil
}
