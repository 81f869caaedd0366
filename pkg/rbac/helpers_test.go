package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/audit"
	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/storage"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQL(ctx, storage.Config{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(ctx, db, storage.DialectSQLite, quietLogger()))
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// testClock is a settable clock shared by the admin service, audit log and resolver
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// every reading moves forward so audit ordering is strict
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// signalLog records every signal a bus delivers locally
type signalLog struct {
	mu      sync.Mutex
	signals []invalidation.Signal
}

func (l *signalLog) record(sig invalidation.Signal) {
	l.mu.Lock()
	l.signals = append(l.signals, sig)
	l.mu.Unlock()
}

func (l *signalLog) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.signals))
	for i, s := range l.signals {
		out[i] = s.Reason
	}
	return out
}

// env is a fully wired engine over an in-memory database
type env struct {
	db       *sql.DB
	store    *Store
	audit    *audit.DBLogger
	admin    *AdminService
	resolver *Resolver
	clock    *testClock
	bus      *invalidation.Bus
	signals  *signalLog
}

func newEnv(t *testing.T, opts ...AdminOption) *env {
	t.Helper()
	db := setupTestDB(t)
	clock := newTestClock()
	auditLog, err := audit.NewDBLogger(db, audit.WithClock(clock.Now), audit.WithLogger(quietLogger()))
	require.NoError(t, err)

	store := NewStore(db)
	bus := invalidation.NewBus(invalidation.WithLogger(quietLogger()))
	admin := NewAdminService(store, auditLog, append([]AdminOption{
		WithAdminClock(clock.Now),
		WithAdminLogger(quietLogger()),
		WithBroadcaster(bus),
	}, opts...)...)
	resolver := NewResolver(store, DefaultResolverConfig(),
		WithResolverClock(clock.Now),
		WithResolverLogger(quietLogger()),
	)
	signals := &signalLog{}
	bus.Subscribe(resolver.Invalidate)
	bus.Subscribe(signals.record)
	return &env{db: db, store: store, audit: auditLog, admin: admin, resolver: resolver, clock: clock, bus: bus, signals: signals}
}

const testAdmin = "admin-1"

func (e *env) role(t *testing.T, name string, system bool) *Role {
	t.Helper()
	r, err := e.admin.CreateRole(context.Background(), testAdmin, RoleInput{
		Name: name, DisplayName: name, IsSystem: system,
	})
	require.NoError(t, err)
	return r
}

func (e *env) permission(t *testing.T, resource, action string) *Permission {
	t.Helper()
	p, err := e.admin.CreatePermission(context.Background(), testAdmin, PermissionInput{
		Resource: resource, Action: action,
	})
	require.NoError(t, err)
	return p
}

func (e *env) grant(t *testing.T, role *Role, perms ...*Permission) {
	t.Helper()
	for _, p := range perms {
		_, err := e.admin.AssignPermissionToRole(context.Background(), testAdmin, role.ID, p.ID)
		require.NoError(t, err)
	}
}

func (e *env) assign(t *testing.T, userID string, role *Role, expiresAt *time.Time) *UserRole {
	t.Helper()
	ur, _, err := e.admin.AssignRoleToUser(context.Background(), AssignRoleInput{
		UserID: userID, RoleID: role.ID, AssignedBy: testAdmin, ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return ur
}

func (e *env) auditEntries(t *testing.T, filter audit.Filter) []audit.Entry {
	t.Helper()
	entries, err := e.audit.Export(context.Background(), filter, 0)
	require.NoError(t, err)
	return entries
}
