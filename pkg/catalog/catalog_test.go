package catalog

import (
	"context"
	"database/sql"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/menu"
	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

type fixture struct {
	db    *sql.DB
	admin *rbac.AdminService
	audit *audit.DBLogger
	menus *menu.Store
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQL(ctx, storage.Config{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, storage.DialectSQLite, quietLogger()))

	auditLog, err := audit.NewDBLogger(db, audit.WithLogger(quietLogger()))
	require.NoError(t, err)
	admin := rbac.NewAdminService(rbac.NewStore(db), auditLog,
		rbac.WithAdminLogger(quietLogger()),
		rbac.WithLockedSystemRoles("super_admin"),
	)
	return &fixture{db: db, admin: admin, audit: auditLog, menus: menu.NewStore(db, storage.DialectSQLite)}
}

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load("testdata/catalog.yaml")
	require.NoError(t, err)
	return c
}

func TestApply_SeedsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := NewApplier(f.admin, f.menus, quietLogger()).Apply(ctx, loadTestCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, Report{
		ModulesCreated:     3,
		PermissionsCreated: 5,
		RolesCreated:       3,
		GrantsAdded:        9,
		MenuItemsChanged:   6,
	}, report)

	roles, err := f.admin.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 3)
	for _, r := range roles {
		assert.True(t, r.IsSystem, r.Name)
	}

	groups, err := f.admin.ListPermissionsByModule(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "donations", groups[0].Module.Name)
	assert.Len(t, groups[0].Permissions, 2)

	entries, err := f.audit.Export(ctx, audit.Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3+5+3+9)
	for _, e := range entries {
		assert.Equal(t, rbac.SystemActor, e.Actor)
	}

	items, err := f.menus.Items(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 6)
}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applier := NewApplier(f.admin, f.menus, quietLogger())
	c := loadTestCatalog(t)

	_, err := applier.Apply(ctx, c)
	require.NoError(t, err)
	before, err := f.audit.Export(ctx, audit.Filter{}, 0)
	require.NoError(t, err)

	report, err := applier.Apply(ctx, c)
	require.NoError(t, err)
	assert.False(t, report.Changed())

	after, err := f.audit.Export(ctx, audit.Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestApply_KeepsAdministratorGrantsAndFixesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	applier := NewApplier(f.admin, nil, quietLogger())
	c := loadTestCatalog(t)
	_, err := applier.Apply(ctx, c)
	require.NoError(t, err)

	extra, err := f.admin.CreatePermission(ctx, "admin-1", rbac.PermissionInput{Resource: "reports", Action: "view"})
	require.NoError(t, err)
	roles, err := f.admin.ListRoles(ctx)
	require.NoError(t, err)
	var donor rbac.Role
	for _, r := range roles {
		if r.Name == "donor" {
			donor = r
		}
	}
	_, err = f.admin.AssignPermissionToRole(ctx, "admin-1", donor.ID, extra.ID)
	require.NoError(t, err)

	c.Roles[1].DisplayName = "Supporter"
	c.Modules[0].SortOrder = 5
	report, err := applier.Apply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Report{ModulesUpdated: 1, RolesUpdated: 1}, report)

	perms, err := f.admin.GetRolePermissions(ctx, donor.ID)
	require.NoError(t, err)
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.Name
	}
	assert.ElementsMatch(t, []string{"donations:view", "donations:create", "reports:view"}, names)

	role, err := f.admin.GetRole(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, "Supporter", role.DisplayName)
}

func TestParse_RejectsBrokenReferences(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown module", "permissions:\n  - {resource: a, action: b, module: ghost}\n", "unknown module"},
		{"unknown grant", "roles:\n  - {name: r, permissions: [\"a:b\"]}\n", "unknown permission"},
		{"duplicate role", "roles:\n  - {name: r}\n  - {name: r}\n", "defined twice"},
		{"half permission", "permissions:\n  - {resource: a}\n", "resource and an action"},
		{"menu guard", "menu:\n  - {key: a, label: A, permission: \"a:b\"}\n", "unknown permission"},
		{"menu parent", "menu:\n  - {key: a, label: A, parent: b}\n", "missing parent"},
		{"bad yaml", "roles: [", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApply_AdoptsExistingEntriesByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	donor, err := f.admin.CreateRole(ctx, "admin-1", rbac.RoleInput{Name: "donor", DisplayName: "Donor"})
	require.NoError(t, err)
	view, err := f.admin.CreatePermission(ctx, "admin-1", rbac.PermissionInput{Resource: "donations", Action: "view"})
	require.NoError(t, err)

	report, err := NewApplier(f.admin, nil, quietLogger()).Apply(ctx, loadTestCatalog(t))
	require.NoError(t, err)
	assert.Equal(t, 2, report.RolesCreated)
	assert.Equal(t, 4, report.PermissionsCreated)

	adopted, err := f.admin.GetRoleByName(ctx, "donor")
	require.NoError(t, err)
	assert.Equal(t, donor.ID, adopted.ID)
	assert.False(t, adopted.IsSystem)

	perms, err := f.admin.GetRolePermissions(ctx, donor.ID)
	require.NoError(t, err)
	ids := make([]string, len(perms))
	for i, p := range perms {
		ids[i] = p.ID.String()
	}
	assert.Contains(t, ids, view.ID.String())
}
