package menu

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/observability"
)

const menuYAML = `
items:
  - key: home
    label: Home
    href: /
  - key: donations
    label: Donations
    href: /donations
    permission: donations:view
    sort_order: 1
  - key: history
    parent: donations
    label: History
    href: /donations/history
    permission: donations:view
  - key: legacy
    label: Legacy
    active: false
`

func writeMenu(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	writeMenu(t, path, menuYAML)

	src, err := NewFileSource(path)
	require.NoError(t, err)
	items, err := src.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, ItemID("home"), items[0].ID)
	require.NotNil(t, items[2].ParentID)
	assert.Equal(t, ItemID("donations"), *items[2].ParentID)
	assert.False(t, items[3].IsActive)

	tree := BuildMenu(items, perms("donations:view"))
	assert.Equal(t, []string{"Home", "Donations"}, labels(tree))
}

func TestFileSource_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "menu.yaml")

	writeMenu(t, path, "items:\n  - key: a\n    parent: ghost\n    label: A\n")
	_, err := NewFileSource(path)
	assert.ErrorContains(t, err, "missing parent")

	writeMenu(t, path, "items: [")
	_, err = NewFileSource(path)
	assert.ErrorContains(t, err, "failed to parse")

	_, err = NewFileSource(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestFileSource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	writeMenu(t, path, menuYAML)

	logger, hook := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	src, err := NewFileSource(path, WithFileLogger(logger), WithFileMetrics(metrics))
	require.NoError(t, err)

	writeMenu(t, path, "items:\n  - key: a\n    parent: a\n    label: A\n")
	require.Error(t, src.Reload())

	items, err := src.Items(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 4)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MenuReloadsTotal.WithLabelValues("error")))
}

func TestFileSource_WatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menu.yaml")
	writeMenu(t, path, menuYAML)

	var reloads atomic.Int32
	logger, _ := test.NewNullLogger()
	src, err := NewFileSource(path,
		WithFileLogger(logger),
		WithDebounce(10*time.Millisecond),
		WithReloadHook(func([]Item) { reloads.Add(1) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()

	// the watcher may not be registered yet; keep rewriting until it notices
	require.Eventually(t, func() bool {
		writeMenu(t, path, "items:\n  - key: home\n    label: Start\n")
		return reloads.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	items, err := src.Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Start", items[0].Label)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
