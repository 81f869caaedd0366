package rbac

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemActor is the actor recorded for changes the engine makes on its own behalf
const SystemActor = "system"

// Role represents a named, flat collection of permissions
type Role struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission represents a single resource:action capability
type Permission struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Description string     `json:"description,omitempty"`
	Resource    string     `json:"resource"`
	Action      string     `json:"action"`
	ModuleID    *uuid.UUID `json:"module_id,omitempty"`
	IsSystem    bool       `json:"is_system"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// PermissionName builds the wire-format name for a resource and action
func PermissionName(resource, action string) string {
	return resource + ":" + action
}

// ParsePermissionName splits a wire-format name into resource and action
func ParsePermissionName(name string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(name, ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

// Module groups permissions for presentation. It has no authorization effect.
type Module struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Icon        string    `json:"icon,omitempty"`
	Color       string    `json:"color,omitempty"`
	SortOrder   int       `json:"sort_order"`
	IsActive    bool      `json:"is_active"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserRole represents a role assignment to a user
type UserRole struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	RoleID     uuid.UUID  `json:"role_id"`
	AssignedBy string     `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// AssignmentState is the computed lifecycle state of a UserRole
type AssignmentState string

const (
	StateActive   AssignmentState = "active"
	StateInactive AssignmentState = "inactive"
	StateExpired  AssignmentState = "expired"
)

// State computes the assignment state at the given instant. Expiry is derived from
// ExpiresAt and is never stored.
func (ur UserRole) State(now time.Time) AssignmentState {
	if !ur.IsActive {
		return StateInactive
	}
	if ur.ExpiresAt != nil && !ur.ExpiresAt.After(now) {
		return StateExpired
	}
	return StateActive
}

// Effective reports whether the assignment contributes permissions at now
func (ur UserRole) Effective(now time.Time) bool {
	return ur.State(now) == StateActive
}

// RoleGrant is a user_roles row with its role resolved. Role is nil when the
// referenced role no longer exists.
type RoleGrant struct {
	Assignment UserRole
	Role       *Role
}

// RolePermission is a role to permission binding
type RolePermission struct {
	RoleID       uuid.UUID `json:"role_id"`
	PermissionID uuid.UUID `json:"permission_id"`
}

// ModuleGroup is a module with the permissions it groups. Module is nil for
// permissions that belong to no module.
type ModuleGroup struct {
	Module      *Module      `json:"module,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// RoleInput carries the mutable fields of a role
type RoleInput struct {
	Name        string `json:"name" validate:"required,max=100,rbackey"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
	IsSystem    bool   `json:"is_system"`
}

// PermissionInput carries the mutable fields of a permission. Name may be left
// empty, in which case it is derived from Resource and Action.
type PermissionInput struct {
	Name        string     `json:"name" validate:"omitempty,max=201"`
	DisplayName string     `json:"display_name" validate:"max=255"`
	Description string     `json:"description" validate:"max=2000"`
	Resource    string     `json:"resource" validate:"required,max=100,rbackey"`
	Action      string     `json:"action" validate:"required,max=100,rbackey"`
	ModuleID    *uuid.UUID `json:"module_id"`
	IsSystem    bool       `json:"is_system"`
}

// ModuleInput carries the mutable fields of a module
type ModuleInput struct {
	Name        string `json:"name" validate:"required,max=100,rbackey"`
	DisplayName string `json:"display_name" validate:"required,max=255"`
	Icon        string `json:"icon" validate:"max=100"`
	Color       string `json:"color" validate:"omitempty,max=32"`
	SortOrder   int    `json:"sort_order" validate:"gte=0"`
	IsActive    bool   `json:"is_active"`
	IsSystem    bool   `json:"is_system"`
}

// AssignRoleInput carries a role assignment request
type AssignRoleInput struct {
	UserID     string     `validate:"required,max=255"`
	RoleID     uuid.UUID  `validate:"required"`
	AssignedBy string     `validate:"required,max=255"`
	ExpiresAt  *time.Time `validate:"omitempty"`
}
