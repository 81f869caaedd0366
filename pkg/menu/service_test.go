package menu

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
)

type staticSource struct {
	items []Item
	err   error
}

func (s staticSource) Items(context.Context) ([]Item, error) {
	return s.items, s.err
}

type fakeResolver struct {
	sets map[string]*rbac.PermissionSet
	err  error
}

func (f fakeResolver) GetEffectivePermissions(_ context.Context, userID string) (*rbac.PermissionSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sets[userID], nil
}

func TestService_BuildForUser(t *testing.T) {
	svc := NewService(staticSource{items: sampleItems()}, fakeResolver{
		sets: map[string]*rbac.PermissionSet{"donor-1": perms("donations:view")},
	})

	tree, err := svc.BuildForUser(context.Background(), "donor-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home", "Donations"}, labels(tree))

	tree, err = svc.BuildForUser(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home", "Give"}, labels(tree))
}

func TestService_ResolverOutageServesAnonymousMenu(t *testing.T) {
	logger, hook := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	outage := rbac.Unavailable("resolve", errors.New("connection refused"))
	svc := NewService(staticSource{items: sampleItems()}, fakeResolver{err: outage},
		WithServiceLogger(logger), WithServiceMetrics(metrics))

	tree, err := svc.BuildForUser(context.Background(), "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Home", "Give"}, labels(tree))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "admin-1", hook.LastEntry().Data["user_id"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MenuBuildsTotal.WithLabelValues("degraded")))
}

func TestService_SourceFailureIsReturned(t *testing.T) {
	svc := NewService(staticSource{err: rbac.Unavailable("list_menu", errors.New("boom"))}, fakeResolver{})
	_, err := svc.BuildForUser(context.Background(), "donor-1")
	assert.True(t, errors.Is(err, rbac.ErrStoreUnavailable))
}

func TestService_CanceledCallerGetsError(t *testing.T) {
	svc := NewService(staticSource{items: sampleItems()}, fakeResolver{err: context.Canceled})
	_, err := svc.BuildForUser(context.Background(), "donor-1")
	assert.ErrorIs(t, err, context.Canceled)
}
