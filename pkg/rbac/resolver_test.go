package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/invalidation"
	"github.com/givebridge/accessd/pkg/observability"
)

// fakeSource serves grants from memory and counts store round trips
type fakeSource struct {
	mu     sync.Mutex
	grants map[string][]RoleGrant
	perms  map[uuid.UUID][]Permission
	err    error
	calls  int32
	// gate, when set, blocks UserRoleGrants until it is closed
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		grants: make(map[string][]RoleGrant),
		perms:  make(map[uuid.UUID][]Permission),
	}
}

func (f *fakeSource) UserRoleGrants(ctx context.Context, userID string) ([]RoleGrant, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]RoleGrant(nil), f.grants[userID]...), nil
}

func (f *fakeSource) RolePermissions(_ context.Context, ids []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[uuid.UUID][]Permission, len(ids))
	for _, id := range ids {
		out[id] = append([]Permission{}, f.perms[id]...)
	}
	return out, nil
}

func (f *fakeSource) addRole(userID, name string, expiresAt *time.Time, perms ...string) Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := Role{ID: uuid.New(), Name: name, DisplayName: name}
	for _, p := range perms {
		resource, action, _ := ParsePermissionName(p)
		f.perms[role.ID] = append(f.perms[role.ID], Permission{
			ID: permID(p), Name: p, Resource: resource, Action: action,
		})
	}
	f.grants[userID] = append(f.grants[userID], RoleGrant{
		Assignment: UserRole{ID: uuid.New(), UserID: userID, RoleID: role.ID, IsActive: true, ExpiresAt: expiresAt},
		Role:       &role,
	})
	return role
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

// permID gives each permission name a stable id so two roles share it
func permID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

func TestResolver_CacheHitAvoidsStore(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	r := NewResolver(src, DefaultResolverConfig())
	ctx := context.Background()

	assert.True(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	assert.True(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	assert.False(t, r.HasPermission(ctx, "u-1", "admin:rbac"))
	assert.Equal(t, 1, src.callCount())
	assert.Equal(t, 1, r.CachedUsers())
}

func TestResolver_AnonymousNeverHitsStore(t *testing.T) {
	src := newFakeSource()
	src.setErr(errors.New("unreachable"))
	r := NewResolver(src, DefaultResolverConfig())

	perms, err := r.GetEffectivePermissions(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 0, perms.Len())
	assert.Equal(t, 0, src.callCount())
}

func TestResolver_EmptyNameLists(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	r := NewResolver(src, DefaultResolverConfig())
	ctx := context.Background()

	assert.False(t, r.HasAnyPermission(ctx, "u-1"))
	assert.True(t, r.HasAllPermissions(ctx, "u-1"))
	assert.Equal(t, 0, src.callCount())

	assert.True(t, r.HasAnyPermission(ctx, "u-1", "admin:rbac", "cases:view_public"))
	assert.False(t, r.HasAllPermissions(ctx, "u-1", "admin:rbac", "cases:view_public"))
	assert.True(t, r.CanPerformAction(ctx, "u-1", "cases", "view_public"))
	assert.False(t, r.CanPerformAction(ctx, "u-1", "cases", "delete"))
}

func TestResolver_InactiveAndOrphanedGrantsIgnored(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	src.mu.Lock()
	src.grants["u-1"] = append(src.grants["u-1"],
		RoleGrant{Assignment: UserRole{ID: uuid.New(), IsActive: true}},
		RoleGrant{Assignment: UserRole{ID: uuid.New(), IsActive: false}, Role: &Role{ID: uuid.New(), Name: "finance"}},
	)
	src.mu.Unlock()
	r := NewResolver(src, DefaultResolverConfig())

	roles, err := r.GetEffectiveRoles(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "donor", roles[0].Name)
}

func TestResolver_EntryBoundedByEarliestExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var clock atomic.Value
	clock.Store(now)
	src := newFakeSource()
	expires := now.Add(time.Minute)
	src.addRole("u-1", "volunteer", &expires, "cases:view_public")
	src.addRole("u-1", "donor", nil, "donations:create")
	r := NewResolver(src, DefaultResolverConfig(), WithResolverClock(func() time.Time { return clock.Load().(time.Time) }))
	ctx := context.Background()

	assert.True(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	clock.Store(now.Add(30 * time.Second))
	assert.True(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	assert.Equal(t, 1, src.callCount())

	clock.Store(now.Add(2 * time.Minute))
	assert.False(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	assert.True(t, r.HasPermission(ctx, "u-1", "donations:create"))
	assert.Equal(t, 2, src.callCount())
}

func TestResolver_InvalidateDropsCache(t *testing.T) {
	src := newFakeSource()
	r := NewResolver(src, DefaultResolverConfig())
	ctx := context.Background()

	assert.False(t, r.HasPermission(ctx, "u-1", "admin:rbac"))
	src.addRole("u-1", "admin", nil, "admin:rbac")
	assert.False(t, r.HasPermission(ctx, "u-1", "admin:rbac"), "served from cache")

	r.Invalidate(invalidation.Signal{Token: 7, Reason: "assign_role"})
	assert.True(t, r.HasPermission(ctx, "u-1", "admin:rbac"))
	assert.Equal(t, invalidation.Token(7), r.LastToken())

	r.Invalidate(invalidation.Signal{Token: 3})
	assert.Equal(t, invalidation.Token(7), r.LastToken())
}

func TestResolver_StaleComputationNotCached(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewResolver(src, DefaultResolverConfig(), WithResolverMetrics(metrics))
	ctx := context.Background()

	done := make(chan bool)
	go func() {
		done <- r.HasPermission(ctx, "u-1", "cases:view_public")
	}()
	<-src.entered

	// the computation in flight started before this invalidation
	r.Invalidate(invalidation.Signal{Token: 1, Reason: "revoke_role"})
	close(src.gate)

	assert.True(t, <-done, "waiters still get the computed answer")
	assert.Equal(t, 0, r.CachedUsers())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StaleResultsDiscards))

	assert.True(t, r.HasPermission(ctx, "u-1", "cases:view_public"))
	assert.Equal(t, 1, r.CachedUsers())
}

func TestResolver_AbandonedWaitLeavesNoPartialEntry(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	r := NewResolver(src, DefaultResolverConfig(), WithResolverLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		_, err := r.GetEffectivePermissions(ctx, "u-1")
		errCh <- err
	}()
	<-src.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// the shared load keeps running and completes a full entry
	close(src.gate)
	assert.Eventually(t, func() bool { return r.CachedUsers() == 1 }, time.Second, 5*time.Millisecond)

	perms, err := r.GetEffectivePermissions(context.Background(), "u-1")
	require.NoError(t, err)
	assert.True(t, perms.Has("cases:view_public"))
	assert.Equal(t, 1, src.callCount())
}

func TestResolver_ConcurrentMissesShareOneLoad(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil, "cases:view_public")
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	r := NewResolver(src, DefaultResolverConfig())
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.HasPermission(ctx, "u-1", "cases:view_public")
		}(i)
	}
	<-src.entered
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, src.callCount(), 2)
}

func TestResolver_StoreOutageFailsClosed(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "admin", nil, "admin:rbac")
	src.setErr(errors.New("connection refused"))
	logger, hook := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := NewResolver(src, DefaultResolverConfig(), WithResolverLogger(logger), WithResolverMetrics(metrics))
	ctx := context.Background()

	assert.False(t, r.HasPermission(ctx, "u-1", "admin:rbac"))
	assert.False(t, r.HasAnyPermission(ctx, "u-1", "admin:rbac"))
	assert.False(t, r.CanPerformAction(ctx, "u-1", "admin", "rbac"))

	require.NotEmpty(t, hook.Entries)
	last := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "u-1", last.Data["user_id"])
	assert.Equal(t, "can_perform_action", last.Data["check"])
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CheckFailuresTotal.WithLabelValues("has_permission")))

	_, err := r.GetEffectivePermissions(ctx, "u-1")
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, 0, r.CachedUsers())

	src.setErr(nil)
	assert.True(t, r.HasPermission(ctx, "u-1", "admin:rbac"))
}

func TestResolver_ReturnedRolesAreCopies(t *testing.T) {
	src := newFakeSource()
	src.addRole("u-1", "donor", nil)
	r := NewResolver(src, DefaultResolverConfig())
	ctx := context.Background()

	roles, err := r.GetEffectiveRoles(ctx, "u-1")
	require.NoError(t, err)
	roles[0].Name = "mutated"

	again, err := r.GetEffectiveRoles(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "donor", again[0].Name)
}
