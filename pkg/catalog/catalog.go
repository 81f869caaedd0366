package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/givebridge/accessd/pkg/menu"
	"github.com/givebridge/accessd/pkg/rbac"
)

// Catalog is the parsed catalog file
type Catalog struct {
	Modules     []Module          `yaml:"modules"`
	Permissions []Permission      `yaml:"permissions"`
	Roles       []Role            `yaml:"roles"`
	Menu        []menu.Definition `yaml:"menu"`
}

// Module is a catalog module
type Module struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Icon        string `yaml:"icon"`
	Color       string `yaml:"color"`
	SortOrder   int    `yaml:"sort_order"`
}

// Permission is a catalog permission. Module names a catalog module.
type Permission struct {
	Resource    string `yaml:"resource"`
	Action      string `yaml:"action"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	Module      string `yaml:"module"`
}

// Name returns the wire name of the permission
func (p Permission) Name() string {
	return rbac.PermissionName(p.Resource, p.Action)
}

// Role is a catalog role with the permission names it is granted
type Role struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and checks a catalog file
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog and checks that every reference inside it resolves
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.check(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) check() error {
	modules := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" {
			return fmt.Errorf("catalog module without a name")
		}
		if modules[m.Name] {
			return fmt.Errorf("catalog module %q defined twice", m.Name)
		}
		modules[m.Name] = true
	}

	perms := make(map[string]bool, len(c.Permissions))
	for _, p := range c.Permissions {
		if p.Resource == "" || p.Action == "" {
			return fmt.Errorf("catalog permission %q needs a resource and an action", p.Name())
		}
		if perms[p.Name()] {
			return fmt.Errorf("catalog permission %q defined twice", p.Name())
		}
		if p.Module != "" && !modules[p.Module] {
			return fmt.Errorf("catalog permission %q references unknown module %q", p.Name(), p.Module)
		}
		perms[p.Name()] = true
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("catalog role without a name")
		}
		if roles[r.Name] {
			return fmt.Errorf("catalog role %q defined twice", r.Name)
		}
		roles[r.Name] = true
		for _, name := range r.Permissions {
			if !perms[name] {
				return fmt.Errorf("catalog role %q grants unknown permission %q", r.Name, name)
			}
		}
	}

	if _, err := menu.ItemsFromDefinitions(c.Menu); err != nil {
		return fmt.Errorf("catalog menu: %w", err)
	}
	for _, d := range c.Menu {
		if d.Permission != "" && !perms[d.Permission] {
			return fmt.Errorf("catalog menu item %q is guarded by unknown permission %q", d.Key, d.Permission)
		}
	}
	return nil
}
