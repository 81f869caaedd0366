package rbac

import (
	"sort"

	"github.com/google/uuid"
)

// PermissionSet is an immutable, de-duplicated set of permissions. Iteration
// order is by name so callers never depend on map ordering.
type PermissionSet struct {
	byID    map[uuid.UUID]Permission
	byName  map[string]uuid.UUID
	byPair  map[string]struct{}
	ordered []Permission
}

// NewPermissionSet builds a set from the given permissions, keeping the first
// occurrence of each permission id.
func NewPermissionSet(perms ...Permission) *PermissionSet {
	s := &PermissionSet{
		byID:   make(map[uuid.UUID]Permission, len(perms)),
		byName: make(map[string]uuid.UUID, len(perms)),
		byPair: make(map[string]struct{}, len(perms)),
	}
	for _, p := range perms {
		if _, seen := s.byID[p.ID]; seen {
			continue
		}
		s.byID[p.ID] = p
		s.byName[p.Name] = p.ID
		s.byPair[PermissionName(p.Resource, p.Action)] = struct{}{}
		s.ordered = append(s.ordered, p)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].Name != s.ordered[j].Name {
			return s.ordered[i].Name < s.ordered[j].Name
		}
		return s.ordered[i].ID.String() < s.ordered[j].ID.String()
	})
	return s
}

// Len returns the number of distinct permissions. A nil set is empty.
func (s *PermissionSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// Has reports whether a permission with the given wire name is in the set
func (s *PermissionSet) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byName[name]
	return ok
}

// HasAny reports whether at least one of names is in the set. No names means false.
func (s *PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every name is in the set. No names means true.
func (s *PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Can matches on the resource and action pair, independent of the permission name
func (s *PermissionSet) Can(resource, action string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byPair[PermissionName(resource, action)]
	return ok
}

// Contains reports whether the permission id is in the set
func (s *PermissionSet) Contains(id uuid.UUID) bool {
	if s == nil {
		return false
	}
	_, ok := s.byID[id]
	return ok
}

// List returns a copy of the permissions ordered by name
func (s *PermissionSet) List() []Permission {
	if s == nil {
		return []Permission{}
	}
	out := make([]Permission, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Names returns the permission names in order
func (s *PermissionSet) Names() []string {
	if s == nil {
		return []string{}
	}
	names := make([]string, len(s.ordered))
	for i, p := range s.ordered {
		names[i] = p.Name
	}
	return names
}
