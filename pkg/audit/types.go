package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action is the kind of mutation an entry records
type Action string

const (
	ActionCreateRole       Action = "create_role"
	ActionUpdateRole       Action = "update_role"
	ActionDeleteRole       Action = "delete_role"
	ActionCreatePermission Action = "create_permission"
	ActionUpdatePermission Action = "update_permission"
	ActionDeletePermission Action = "delete_permission"
	ActionAssignRole       Action = "assign_role"
	ActionRevokeRole       Action = "revoke_role"
	ActionAssignPermission Action = "assign_permission"
	ActionRevokePermission Action = "revoke_permission"
	ActionCreateModule     Action = "create_module"
	ActionUpdateModule     Action = "update_module"
	ActionDeleteModule     Action = "delete_module"
)

// Category groups actions for filtering
type Category string

const (
	CategoryRole       Category = "role"
	CategoryPermission Category = "permission"
	CategoryAssignment Category = "assignment"
	CategoryModule     Category = "module"
)

// Severity ranks entries for review
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// TargetType names the kind of entity an entry is about
type TargetType string

const (
	TargetRole           TargetType = "role"
	TargetPermission     TargetType = "permission"
	TargetModule         TargetType = "module"
	TargetUserRole       TargetType = "user_role"
	TargetRolePermission TargetType = "role_permission"
)

var actionCategories = map[Action]Category{
	ActionCreateRole:       CategoryRole,
	ActionUpdateRole:       CategoryRole,
	ActionDeleteRole:       CategoryRole,
	ActionCreatePermission: CategoryPermission,
	ActionUpdatePermission: CategoryPermission,
	ActionDeletePermission: CategoryPermission,
	ActionAssignRole:       CategoryAssignment,
	ActionRevokeRole:       CategoryAssignment,
	ActionAssignPermission: CategoryAssignment,
	ActionRevokePermission: CategoryAssignment,
	ActionCreateModule:     CategoryModule,
	ActionUpdateModule:     CategoryModule,
	ActionDeleteModule:     CategoryModule,
}

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	_, ok := actionCategories[a]
	return ok
}

// Category returns the category an action is filed under
func (a Action) Category() Category {
	return actionCategories[a]
}

// DefaultSeverity is warning for deletes and revokes and info otherwise
func (a Action) DefaultSeverity() Severity {
	switch a {
	case ActionDeleteRole, ActionDeletePermission, ActionDeleteModule,
		ActionRevokeRole, ActionRevokePermission:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Detail is the structured payload of an entry
type Detail struct {
	Before   interface{}            `json:"before,omitempty"`
	After    interface{}            `json:"after,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is one immutable audit log row
type Entry struct {
	ID         uuid.UUID  `json:"id"`
	Actor      string     `json:"actor"`
	Action     Action     `json:"action"`
	Category   Category   `json:"category"`
	Severity   Severity   `json:"severity"`
	TargetType TargetType `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Detail     Detail     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Record is the input for one audit write
type Record struct {
	Actor      string
	Action     Action
	TargetType TargetType
	TargetID   string
	Detail     Detail
	// Severity overrides the action's default when set
	Severity Severity
}

// Filter narrows an audit query. Zero fields match everything.
type Filter struct {
	Category   Category   `json:"category,omitempty"`
	Severity   Severity   `json:"severity,omitempty"`
	Action     Action     `json:"action,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	TargetType TargetType `json:"target_type,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	// MaxExportRows caps a single export
	MaxExportRows = 10000
)

// Page selects a 1-based page of results
type Page struct {
	Number int `json:"page"`
	Size   int `json:"page_size"`
}

// Normalize clamps the page number to at least 1 and the size to [1, MaxPageSize]
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	switch {
	case p.Size <= 0:
		p.Size = DefaultPageSize
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows before the page
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Result is one page of entries, newest first
type Result struct {
	Entries  []Entry `json:"entries"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	HasNext  bool    `json:"has_next"`
}

// ExportFormat selects the encoding of an export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatNDJSON ExportFormat = "ndjson"
	ExportFormatCSV    ExportFormat = "csv"
)
