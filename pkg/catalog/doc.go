// Package catalog applies the system catalog: the modules, permissions,
// roles and menu items every deployment starts with.
//
// A catalog is a YAML file:
//
//	modules:
//	  - name: donations
//	    display_name: Donations
//	permissions:
//	  - resource: donations
//	    action: view
//	    module: donations
//	roles:
//	  - name: super_admin
//	    display_name: Super admin
//	    permissions: [admin:rbac, donations:view]
//	menu:
//	  - key: donations
//	    label: Donations
//	    permission: donations:view
//
// Apply is additive and idempotent. Missing entities are created as system
// entities through the admin service, so every change is audited under the
// system actor. Grants already present are left alone and grants added by
// administrators are never removed.
package catalog
