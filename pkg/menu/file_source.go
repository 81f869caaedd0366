package menu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
)

var itemNamespace = uuid.MustParse("6f1c1d2e-8f0b-4a57-9a43-2f6a1c0e5b71")

// ItemID derives the stable id of a menu item defined by key
func ItemID(key string) uuid.UUID {
	return uuid.NewSHA1(itemNamespace, []byte(key))
}

// Definition is the YAML form of a menu item. Items refer to their parent by key.
type Definition struct {
	Key        string `yaml:"key"`
	Parent     string `yaml:"parent,omitempty"`
	Label      string `yaml:"label"`
	Href       string `yaml:"href,omitempty"`
	Icon       string `yaml:"icon,omitempty"`
	Permission string `yaml:"permission,omitempty"`
	SortOrder  int    `yaml:"sort_order,omitempty"`
	Active     *bool  `yaml:"active,omitempty"`
}

// File is the top level of a menu YAML file
type File struct {
	Items []Definition `yaml:"items"`
}

// ItemsFromDefinitions converts definitions into validated items
func ItemsFromDefinitions(defs []Definition) ([]Item, error) {
	const op = "load_menu"
	keys := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Key == "" {
			return nil, rbac.NewError(rbac.KindValidation, op, "menu item %q has no key", d.Label)
		}
		keys[d.Key] = true
	}

	items := make([]Item, 0, len(defs))
	for _, d := range defs {
		it := Item{
			ID:         ItemID(d.Key),
			Label:      d.Label,
			Href:       d.Href,
			Icon:       d.Icon,
			Permission: d.Permission,
			SortOrder:  d.SortOrder,
			IsActive:   d.Active == nil || *d.Active,
		}
		if d.Parent != "" {
			if !keys[d.Parent] {
				return nil, rbac.NewError(rbac.KindValidation, op,
					"menu item %q references missing parent %q", d.Key, d.Parent)
			}
			parent := ItemID(d.Parent)
			it.ParentID = &parent
		}
		items = append(items, it)
	}
	if err := Validate(items); err != nil {
		return nil, err
	}
	return items, nil
}

// FileSource serves menu items from a YAML file and reloads it on change.
// A file that fails to load leaves the previous items in place.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
	onReload func([]Item)

	mu    sync.RWMutex
	items []Item
}

// FileSourceOption configures a FileSource
type FileSourceOption func(*FileSource)

// WithFileLogger sets the logger for reload reports
func WithFileLogger(logger logrus.FieldLogger) FileSourceOption {
	return func(f *FileSource) { f.logger = logger }
}

// WithFileMetrics counts reloads
func WithFileMetrics(m *observability.Metrics) FileSourceOption {
	return func(f *FileSource) { f.metrics = m }
}

// WithDebounce sets how long Watch waits for a burst of events to settle
func WithDebounce(d time.Duration) FileSourceOption {
	return func(f *FileSource) { f.debounce = d }
}

// WithReloadHook is called with the new items after every successful reload
func WithReloadHook(fn func([]Item)) FileSourceOption {
	return func(f *FileSource) { f.onReload = fn }
}

// NewFileSource loads path and returns a source serving its items
func NewFileSource(path string, opts ...FileSourceOption) (*FileSource, error) {
	f := &FileSource{
		path:     filepath.Clean(path),
		debounce: 250 * time.Millisecond,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	items, err := f.read()
	if err != nil {
		return nil, err
	}
	f.items = items
	return f, nil
}

var _ Source = (*FileSource)(nil)

// Items returns a copy of the current items
func (f *FileSource) Items(ctx context.Context) ([]Item, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Item, len(f.items))
	copy(out, f.items)
	return out, nil
}

// Reload rereads the file. On failure the previous items are kept.
func (f *FileSource) Reload() error {
	items, err := f.read()
	if err != nil {
		f.count("error")
		f.logger.WithError(err).WithField("path", f.path).Error("Menu reload failed, keeping previous items")
		return err
	}
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()

	f.count("success")
	f.logger.WithFields(logrus.Fields{
		"path":  f.path,
		"items": len(items),
	}).Info("Menu reloaded")
	if f.onReload != nil {
		f.onReload(items)
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors replacing the file are noticed.
func (f *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}
	f.logger.WithField("path", f.path).Info("Watching menu file")

	timer := time.NewTimer(f.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(f.debounce)
		case <-timer.C:
			_ = f.Reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.WithError(err).Warn("Menu watcher error")
		}
	}
}

func (f *FileSource) read() ([]Item, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read menu file: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse menu file %s: %w", f.path, err)
	}
	return ItemsFromDefinitions(file.Items)
}

func (f *FileSource) count(status string) {
	if f.metrics != nil {
		f.metrics.MenuReloadsTotal.WithLabelValues(status).Inc()
	}
}
