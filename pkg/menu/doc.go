// Package menu derives permission-filtered navigation trees.
//
// Menu items are kept flat, each with an optional parent and an optional
// guarding permission name in resource:action form. BuildMenu keeps the
// items a permission set may see and assembles them into a forest:
//
//	perms, _ := resolver.GetEffectivePermissions(ctx, userID)
//	tree := menu.BuildMenu(items, perms)
//
// Items come from a Source: the SQL Store for menus edited at runtime, or a
// FileSource that reloads a YAML file when it changes. Both reject item sets
// with missing parents or cycles.
package menu
