//go:build integration

package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/storage"
)

func setupPostgresEnv(t *testing.T) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("accessd_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := storage.OpenSQL(ctx, storage.Config{Dialect: storage.DialectPostgres, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, storage.DialectPostgres, quietLogger()))
	// a second run must be a no-op
	require.NoError(t, storage.Migrate(ctx, db, storage.DialectPostgres, quietLogger()))

	clock := newTestClock()
	auditLog, err := audit.NewDBLogger(db, audit.WithClock(clock.Now), audit.WithLogger(quietLogger()))
	require.NoError(t, err)
	store := NewStore(db)
	return &env{
		db:    db,
		store: store,
		audit: auditLog,
		admin: NewAdminService(store, auditLog, WithAdminClock(clock.Now), WithAdminLogger(quietLogger())),
		resolver: NewResolver(store, DefaultResolverConfig(),
			WithResolverClock(clock.Now), WithResolverLogger(quietLogger())),
		clock:   clock,
		signals: &signalLog{},
	}
}

func TestPostgres_EndToEnd(t *testing.T) {
	e := setupPostgresEnv(t)
	ctx := context.Background()

	volunteer := e.role(t, "volunteer", false)
	view := e.permission(t, "cases", "view")
	e.grant(t, volunteer, view)
	expires := e.clock.Now().Add(time.Hour)
	e.assign(t, "vol-1", volunteer, &expires)

	assert.True(t, e.resolver.HasPermission(ctx, "vol-1", "cases:view"))
	assert.False(t, e.resolver.HasPermission(ctx, "vol-1", "cases:edit"))

	_, err := e.admin.CreateRole(ctx, testAdmin, RoleInput{Name: "volunteer", DisplayName: "Dup"})
	assert.Equal(t, KindDuplicateName, KindOf(err))

	e.clock.Advance(2 * time.Hour)
	assert.False(t, e.resolver.HasPermission(ctx, "vol-1", "cases:view"))

	entries := e.auditEntries(t, audit.Filter{Category: audit.CategoryAssignment})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionAssignRole, entries[0].Action)
	assert.Equal(t, testAdmin, entries[0].Actor)
}

func TestPostgres_ConcurrentAssignAndGrant(t *testing.T) {
	e := setupPostgresEnv(t)
	ctx := context.Background()

	donor := e.role(t, "donor", false)
	give := e.permission(t, "donations", "create")

	const writers = 8
	outcomes := make([]AssignOutcome, writers)
	added := make([]bool, writers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, outcome, err := e.admin.AssignRoleToUser(gctx, AssignRoleInput{
				UserID: "d-1", RoleID: donor.ID, AssignedBy: testAdmin,
			})
			outcomes[i] = outcome
			return err
		})
		g.Go(func() error {
			ok, err := e.admin.AssignPermissionToRole(gctx, testAdmin, donor.ID, give.ID)
			added[i] = ok
			return err
		})
	}
	require.NoError(t, g.Wait())

	created, grantsAdded := 0, 0
	for i := 0; i < writers; i++ {
		if outcomes[i] == AssignCreated {
			created++
		} else {
			assert.Equal(t, AssignUnchanged, outcomes[i])
		}
		if added[i] {
			grantsAdded++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, grantsAdded)

	assignments, err := e.admin.ListUserAssignments(ctx, "d-1")
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
	assert.True(t, e.resolver.HasPermission(ctx, "d-1", "donations:create"))
	assert.Len(t, e.auditEntries(t, audit.Filter{Action: audit.ActionAssignRole}), writers)
}
