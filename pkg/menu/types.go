package menu

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Item is one flat menu entry. Permission is the guarding permission name;
// an empty guard makes the item visible to everyone.
type Item struct {
	ID         uuid.UUID  `json:"id"`
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Label      string     `json:"label"`
	Href       string     `json:"href"`
	Icon       string     `json:"icon,omitempty"`
	Permission string     `json:"permission,omitempty"`
	SortOrder  int        `json:"sort_order"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Node is a visible item with its visible children
type Node struct {
	ID         uuid.UUID `json:"id"`
	Label      string    `json:"label"`
	Href       string    `json:"href"`
	Icon       string    `json:"icon,omitempty"`
	Permission string    `json:"permission,omitempty"`
	SortOrder  int       `json:"sort_order"`
	Children   []*Node   `json:"children"`
}

// ItemInput carries the writable fields of a menu item
type ItemInput struct {
	ParentID   *uuid.UUID `json:"parent_id,omitempty"`
	Label      string     `json:"label" validate:"required,max=255"`
	Href       string     `json:"href" validate:"max=1024"`
	Icon       string     `json:"icon" validate:"max=100"`
	Permission string     `json:"permission" validate:"max=201"`
	SortOrder  int        `json:"sort_order"`
	IsActive   *bool      `json:"is_active,omitempty"`
}

// Source supplies the full flat list of menu items
type Source interface {
	Items(ctx context.Context) ([]Item, error)
}
