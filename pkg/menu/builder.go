package menu

import (
	"sort"

	"github.com/google/uuid"

	"github.com/givebridge/accessd/pkg/rbac"
)

// BuildMenu filters items down to what perms may see and assembles the
// visible items into a forest. Inactive items are dropped. Unguarded items
// are always kept and a nil set keeps only those. An item whose parent is not
// visible becomes a root. Siblings are ordered by sort order, label, then id,
// so identical inputs always produce identical trees.
func BuildMenu(items []Item, perms *rbac.PermissionSet) []*Node {
	visible := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.IsActive {
			continue
		}
		if it.Permission != "" && !perms.Has(it.Permission) {
			continue
		}
		visible = append(visible, it)
	}
	sortItems(visible)
	visible = dedupe(visible)

	parent := parentIndexes(visible)
	// cycles can only come from unvalidated input
	breakCycles(parent)

	nodes := make([]*Node, len(visible))
	for i, it := range visible {
		nodes[i] = &Node{
			ID:         it.ID,
			Label:      it.Label,
			Href:       it.Href,
			Icon:       it.Icon,
			Permission: it.Permission,
			SortOrder:  it.SortOrder,
			Children:   []*Node{},
		}
	}

	roots := []*Node{}
	for i, node := range nodes {
		if parent[i] < 0 {
			roots = append(roots, node)
			continue
		}
		p := nodes[parent[i]]
		p.Children = append(p.Children, node)
	}
	return roots
}

// Validate rejects item sets that cannot form a forest: duplicate ids,
// missing labels, malformed guards, parents that do not exist, and cycles.
func Validate(items []Item) error {
	const op = "validate_menu"
	seen := make(map[uuid.UUID]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			return rbac.NewError(rbac.KindValidation, op, "duplicate menu item id %s", it.ID)
		}
		seen[it.ID] = true
		if it.Label == "" {
			return rbac.NewError(rbac.KindValidation, op, "menu item %s has no label", it.ID)
		}
		if it.Permission != "" {
			if _, _, ok := rbac.ParsePermissionName(it.Permission); !ok {
				return rbac.NewError(rbac.KindValidation, op,
					"menu item %q guard %q is not resource:action", it.Label, it.Permission)
			}
		}
	}
	for _, it := range items {
		if it.ParentID == nil {
			continue
		}
		if *it.ParentID == it.ID {
			return rbac.NewError(rbac.KindValidation, op, "menu item %q is its own parent", it.Label)
		}
		if !seen[*it.ParentID] {
			return rbac.NewError(rbac.KindValidation, op,
				"menu item %q references missing parent %s", it.Label, *it.ParentID)
		}
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sortItems(sorted)
	if promoted := breakCycles(parentIndexes(sorted)); len(promoted) > 0 {
		return rbac.NewError(rbac.KindValidation, op,
			"menu item %q is part of a parent cycle", sorted[promoted[0]].Label)
	}
	return nil
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID.String() < b.ID.String()
	})
}

// dedupe keeps the first of each id in already sorted items
func dedupe(items []Item) []Item {
	seen := make(map[uuid.UUID]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}

// parentIndexes maps each item to the index of its parent within items, or -1
func parentIndexes(items []Item) []int {
	index := make(map[uuid.UUID]int, len(items))
	for i, it := range items {
		if _, dup := index[it.ID]; !dup {
			index[it.ID] = i
		}
	}
	parent := make([]int, len(items))
	for i, it := range items {
		parent[i] = -1
		if it.ParentID == nil {
			continue
		}
		if p, ok := index[*it.ParentID]; ok && p != i {
			parent[i] = p
		}
	}
	return parent
}

// breakCycles detaches the lowest-indexed member of every parent cycle and
// returns the detached indexes in the order found
func breakCycles(parent []int) []int {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]uint8, len(parent))
	var promoted []int
	for start := range parent {
		var path []int
		i := start
		for i >= 0 && state[i] == unvisited {
			state[i] = visiting
			path = append(path, i)
			i = parent[i]
		}
		if i >= 0 && state[i] == visiting {
			lowest := i
			for j := parent[i]; j != i; j = parent[j] {
				if j < lowest {
					lowest = j
				}
			}
			parent[lowest] = -1
			promoted = append(promoted, lowest)
		}
		for _, j := range path {
			state[j] = done
		}
	}
	return promoted
}
