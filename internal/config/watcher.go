package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// ChangeCallback is called with the changed path once a burst of file
// events has settled.
type ChangeCallback func(path string)

// ErrorCallback is called when the underlying watcher reports an error.
type ErrorCallback func(error)

// Watcher watches a set of files for changes and invokes a callback after
// a debounce delay. Directories holding the files are watched so that
// editors replacing files atomically are still observed.
type Watcher struct {
	primary       string
	files         map[string]struct{}
	dirs          map[string]struct{}
	watcher       *fsnotify.Watcher
	callback      ChangeCallback
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	running       bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounceDelay = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// WithExtraFiles adds files to watch alongside the primary path.
func WithExtraFiles(paths ...string) WatcherOption {
	return func(w *Watcher) {
		for _, p := range paths {
			if abs, err := filepath.Abs(p); err == nil {
				w.files[abs] = struct{}{}
			}
		}
	}
}

// NewWatcher creates a new file watcher for path.
func NewWatcher(path string, callback ChangeCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		primary:       absPath,
		files:         map[string]struct{}{absPath: {}},
		dirs:          make(map[string]struct{}),
		watcher:       fsWatcher,
		callback:      callback,
		debounceDelay: DefaultWatchDebounce,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching. It returns once the watches are registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := w.addDirsLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.running = true
	files, dirs := len(w.files), len(w.dirs)
	w.mu.Unlock()

	w.logger.Info("started watching files",
		observability.Int("files", files),
		observability.Int("directories", dirs),
	)

	go w.watch(ctx)

	return nil
}

// SetFiles replaces the extra watched files. The primary path is always
// kept. Directories of new files are added to a running watcher.
func (w *Watcher) SetFiles(paths ...string) error {
	files := map[string]struct{}{w.primary: {}}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.files = files
	if !w.running {
		return nil
	}
	return w.addDirsLocked()
}

// addDirsLocked registers the parent directory of every watched file.
func (w *Watcher) addDirsLocked() error {
	for file := range w.files {
		dir := filepath.Dir(file)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = struct{}{}
	}
	return nil
}

// Stop stops watching and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh

	return w.watcher.Close()
}

// watch is the main watch loop.
func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	var changed string

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("file watcher stopped due to context cancellation")
			return

		case <-w.stopCh:
			w.logger.Debug("file watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("watched file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			changed = filepath.Clean(event.Name)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if w.callback != nil {
				w.callback(changed)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", observability.Error(err))
			if w.errorCallback != nil {
				w.errorCallback(err)
			}
		}
	}
}

// relevant reports whether the event concerns a watched file's content.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	w.mu.Lock()
	_, ok := w.files[filepath.Clean(event.Name)]
	w.mu.Unlock()
	if !ok {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
