package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/givebridge/accessd/pkg/menu"
	"github.com/givebridge/accessd/pkg/rbac"
)

// Admin is the part of the admin service the catalog writes through
type Admin interface {
	GetModuleByName(ctx context.Context, name string) (*rbac.Module, error)
	GetPermissionByName(ctx context.Context, name string) (*rbac.Permission, error)
	GetRoleByName(ctx context.Context, name string) (*rbac.Role, error)
	GetRolePermissions(ctx context.Context, id uuid.UUID) ([]rbac.Permission, error)
	CreateModule(ctx context.Context, actor string, in rbac.ModuleInput) (*rbac.Module, error)
	UpdateModule(ctx context.Context, actor string, id uuid.UUID, in rbac.ModuleInput) (*rbac.Module, error)
	CreatePermission(ctx context.Context, actor string, in rbac.PermissionInput) (*rbac.Permission, error)
	UpdatePermission(ctx context.Context, actor string, id uuid.UUID, in rbac.PermissionInput) (*rbac.Permission, error)
	CreateRole(ctx context.Context, actor string, in rbac.RoleInput) (*rbac.Role, error)
	UpdateRole(ctx context.Context, actor string, id uuid.UUID, in rbac.RoleInput) (*rbac.Role, error)
	AssignPermissionToRole(ctx context.Context, actor string, roleID, permissionID uuid.UUID) (bool, error)
}

var _ Admin = (*rbac.AdminService)(nil)

// MenuWriter stores menu items under their own ids
type MenuWriter interface {
	Put(ctx context.Context, item menu.Item) (bool, error)
}

// Report counts what Apply changed
type Report struct {
	ModulesCreated     int `json:"modules_created"`
	ModulesUpdated     int `json:"modules_updated"`
	PermissionsCreated int `json:"permissions_created"`
	PermissionsUpdated int `json:"permissions_updated"`
	RolesCreated       int `json:"roles_created"`
	RolesUpdated       int `json:"roles_updated"`
	GrantsAdded        int `json:"grants_added"`
	MenuItemsChanged   int `json:"menu_items_changed"`
}

// Changed reports whether Apply wrote anything
func (r Report) Changed() bool {
	return r != Report{}
}

// Applier writes a catalog into the store
type Applier struct {
	admin  Admin
	menus  MenuWriter
	logger logrus.FieldLogger
}

// NewApplier creates an applier. menus may be nil when the menu is served
// from a file.
func NewApplier(admin Admin, menus MenuWriter, logger logrus.FieldLogger) *Applier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Applier{admin: admin, menus: menus, logger: logger}
}

// Apply creates what is missing and updates presentation fields that drifted
func (a *Applier) Apply(ctx context.Context, c *Catalog) (Report, error) {
	var report Report

	moduleIDs, err := a.applyModules(ctx, c, &report)
	if err != nil {
		return report, err
	}
	permIDs, err := a.applyPermissions(ctx, c, moduleIDs, &report)
	if err != nil {
		return report, err
	}
	if err := a.applyRoles(ctx, c, permIDs, &report); err != nil {
		return report, err
	}
	if err := a.applyMenu(ctx, c, &report); err != nil {
		return report, err
	}

	a.logger.WithFields(logrus.Fields{
		"modules_created":     report.ModulesCreated,
		"permissions_created": report.PermissionsCreated,
		"roles_created":       report.RolesCreated,
		"grants_added":        report.GrantsAdded,
		"menu_items_changed":  report.MenuItemsChanged,
	}).Info("Catalog applied")
	return report, nil
}

func (a *Applier) applyModules(ctx context.Context, c *Catalog, report *Report) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(c.Modules))
	for _, m := range c.Modules {
		in := rbac.ModuleInput{
			Name:        m.Name,
			DisplayName: orDefault(m.DisplayName, m.Name),
			Icon:        m.Icon,
			Color:       m.Color,
			SortOrder:   m.SortOrder,
			IsActive:    true,
			IsSystem:    true,
		}
		cur, err := a.admin.GetModuleByName(ctx, m.Name)
		switch {
		case rbac.KindOf(err) == rbac.KindNotFound:
			created, err := a.admin.CreateModule(ctx, rbac.SystemActor, in)
			if err != nil {
				return nil, fmt.Errorf("failed to create module %q: %w", m.Name, err)
			}
			ids[m.Name] = created.ID
			report.ModulesCreated++
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to look up module %q: %w", m.Name, err)
		}
		ids[m.Name] = cur.ID
		if cur.DisplayName == in.DisplayName && cur.Icon == in.Icon && cur.Color == in.Color && cur.SortOrder == in.SortOrder {
			continue
		}
		in.IsActive = cur.IsActive
		if _, err := a.admin.UpdateModule(ctx, rbac.SystemActor, cur.ID, in); err != nil {
			return nil, fmt.Errorf("failed to update module %q: %w", m.Name, err)
		}
		report.ModulesUpdated++
	}
	return ids, nil
}

func (a *Applier) applyPermissions(ctx context.Context, c *Catalog, moduleIDs map[string]uuid.UUID, report *Report) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(c.Permissions))
	for _, p := range c.Permissions {
		in := rbac.PermissionInput{
			Resource:    p.Resource,
			Action:      p.Action,
			DisplayName: orDefault(p.DisplayName, p.Name()),
			Description: p.Description,
			IsSystem:    true,
		}
		if p.Module != "" {
			id := moduleIDs[p.Module]
			in.ModuleID = &id
		}
		cur, err := a.admin.GetPermissionByName(ctx, p.Name())
		switch {
		case rbac.KindOf(err) == rbac.KindNotFound:
			created, err := a.admin.CreatePermission(ctx, rbac.SystemActor, in)
			if err != nil {
				return nil, fmt.Errorf("failed to create permission %q: %w", p.Name(), err)
			}
			ids[created.Name] = created.ID
			report.PermissionsCreated++
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to look up permission %q: %w", p.Name(), err)
		}
		ids[cur.Name] = cur.ID
		if cur.DisplayName == in.DisplayName && cur.Description == in.Description && sameModule(cur.ModuleID, in.ModuleID) {
			continue
		}
		if _, err := a.admin.UpdatePermission(ctx, rbac.SystemActor, cur.ID, in); err != nil {
			return nil, fmt.Errorf("failed to update permission %q: %w", p.Name(), err)
		}
		report.PermissionsUpdated++
	}
	return ids, nil
}

func (a *Applier) applyRoles(ctx context.Context, c *Catalog, permIDs map[string]uuid.UUID, report *Report) error {
	for _, r := range c.Roles {
		in := rbac.RoleInput{
			Name:        r.Name,
			DisplayName: orDefault(r.DisplayName, r.Name),
			Description: r.Description,
			IsSystem:    true,
		}
		role, err := a.admin.GetRoleByName(ctx, r.Name)
		switch {
		case rbac.KindOf(err) == rbac.KindNotFound:
			role, err = a.admin.CreateRole(ctx, rbac.SystemActor, in)
			if err != nil {
				return fmt.Errorf("failed to create role %q: %w", r.Name, err)
			}
			report.RolesCreated++
		case err != nil:
			return fmt.Errorf("failed to look up role %q: %w", r.Name, err)
		case role.DisplayName != in.DisplayName || role.Description != in.Description:
			if _, err := a.admin.UpdateRole(ctx, rbac.SystemActor, role.ID, in); err != nil {
				return fmt.Errorf("failed to update role %q: %w", r.Name, err)
			}
			report.RolesUpdated++
		}
		if !role.IsSystem {
			a.logger.WithField("role", r.Name).Warn("Catalog role exists but is not a system role")
		}

		granted, err := a.admin.GetRolePermissions(ctx, role.ID)
		if err != nil {
			return fmt.Errorf("failed to load grants of role %q: %w", r.Name, err)
		}
		held := make(map[string]bool, len(granted))
		for _, p := range granted {
			held[p.Name] = true
		}
		for _, name := range r.Permissions {
			if held[name] {
				continue
			}
			if _, err := a.admin.AssignPermissionToRole(ctx, rbac.SystemActor, role.ID, permIDs[name]); err != nil {
				return fmt.Errorf("failed to grant %q to role %q: %w", name, r.Name, err)
			}
			held[name] = true
			report.GrantsAdded++
		}
	}
	return nil
}

func (a *Applier) applyMenu(ctx context.Context, c *Catalog, report *Report) error {
	if a.menus == nil || len(c.Menu) == 0 {
		return nil
	}
	items, err := menu.ItemsFromDefinitions(c.Menu)
	if err != nil {
		return fmt.Errorf("catalog menu: %w", err)
	}
	// parents first so every write sees a complete forest
	for _, it := range parentsFirst(items) {
		changed, err := a.menus.Put(ctx, it)
		if err != nil {
			return fmt.Errorf("failed to store menu item %q: %w", it.Label, err)
		}
		if changed {
			report.MenuItemsChanged++
		}
	}
	return nil
}

func parentsFirst(items []menu.Item) []menu.Item {
	placed := make(map[uuid.UUID]bool, len(items))
	out := make([]menu.Item, 0, len(items))
	for len(out) < len(items) {
		for _, it := range items {
			if placed[it.ID] {
				continue
			}
			if it.ParentID != nil && !placed[*it.ParentID] {
				continue
			}
			placed[it.ID] = true
			out = append(out, it)
		}
	}
	return out
}

func sameModule(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
