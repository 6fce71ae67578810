package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider hands out the catalog snapshot that is current right now.
type Provider interface {
	Current() *Catalog
}

// Holder publishes catalog snapshots atomically. Readers never block and never
// observe a partially loaded catalog.
type Holder struct {
	ptr atomic.Pointer[Catalog]
}

func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	if c == nil {
		c = &Catalog{}
	}
	h.ptr.Store(c)
	return h
}

// Current never returns nil.
func (h *Holder) Current() *Catalog {
	return h.ptr.Load()
}

func (h *Holder) Store(c *Catalog) {
	if c != nil {
		h.ptr.Store(c)
	}
}

// Watcher reloads a catalog file into a Holder whenever the file changes.
type Watcher struct {
	path     string
	holder   *Holder
	logger   *zap.Logger
	debounce time.Duration
	onReload func(*Catalog)
}

type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every successful reload.
func WithReloadHook(fn func(*Catalog)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

func NewWatcher(path string, holder *Holder, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		holder:   holder,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the file once. On failure the previous snapshot stays active.
func (w *Watcher) Reload() error {
	c, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("catalog reload failed, keeping previous snapshot",
			zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.holder.Store(c)
	w.logger.Info("catalog loaded",
		zap.String("path", w.path),
		zap.Int("pricing_rules", len(c.Pricing)),
		zap.Int("surcharges", len(c.Surcharges)),
		zap.Int("org_rate_limits", len(c.RateLimits.Orgs)),
	)
	if w.onReload != nil {
		w.onReload(c)
	}
	return nil
}

// Run watches the catalog's directory until ctx is done. The directory is
// watched rather than the file because editors and config management tools
// replace files by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}
