package calibration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"xray-correction-core/pkg/xray"
)

// DefaultDebounce coalesces the burst of events a single file write produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher hot-reloads calibration files into a Store when they change on
// disk. Directories are watched rather than files so replacements by
// rename are seen.
type Watcher struct {
	store    *Store
	paths    map[string]xray.CalibrationType
	debounce time.Duration
	logger   logrus.FieldLogger
	onReload func(xray.CalibrationType, error)

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(xray.CalibrationType, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l logrus.FieldLogger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher watches the files in paths.
func NewWatcher(store *Store, paths Paths, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		store:    store,
		paths:    make(map[string]xray.CalibrationType),
		debounce: DefaultDebounce,
		logger:   store.logger,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.fsw = fsw

	dirs := make(map[string]struct{})
	for t, path := range paths.ByType() {
		abs, err := filepath.Abs(path)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		w.paths[abs] = t
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run dispatches file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Calibration watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	t, ok := w.paths[abs]
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[abs]; ok {
		timer.Stop()
	}
	w.logger.WithFields(logrus.Fields{"type": t.String(), "path": abs, "op": event.Op.String()}).
		Debug("Calibration change detected, scheduling reload")
	w.timers[abs] = time.AfterFunc(w.debounce, func() {
		err := w.store.HotReload(t, abs)
		if w.onReload != nil {
			w.onReload(t, err)
		}
	})
}

// Close stops watching and cancels pending reloads.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
