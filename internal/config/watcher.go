package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for batching file system events.
const DebounceDelay = 100 * time.Millisecond

// ChangeEvent is delivered after the config file changed and was reloaded.
type ChangeEvent struct {
	Path string
	// Config is the reloaded configuration, nil when Err is set.
	Config *Config
	// Err is the load or validation error. Subscribers should keep their
	// current configuration when it is set.
	Err       error
	Timestamp time.Time
}

// Subscriber receives config change notifications.
// Implementations must be safe for concurrent use.
type Subscriber interface {
	OnConfigChanged(event ChangeEvent)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ChangeEvent)

// OnConfigChanged implements Subscriber.
func (f SubscriberFunc) OnConfigChanged(event ChangeEvent) { f(event) }

// Watcher reloads a config file when it changes and notifies subscribers.
// It watches the parent directory so that editors which replace the file
// through a rename are still noticed.
type Watcher struct {
	path string
	dir  string

	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu          sync.RWMutex
	nextID      int
	subscribers map[int]Subscriber

	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	closed        bool

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the config file at path. Call Start to
// begin watching and Close when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:          abs,
		dir:           dir,
		watcher:       fw,
		logger:        logger,
		subscribers:   make(map[int]Subscriber),
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the delay used to batch rapid changes.
// Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Start begins the event loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No notifications are delivered after it returns,
// except one that was already running.
func (w *Watcher) Close() error {
	w.debounceMu.Lock()
	if w.closed {
		w.debounceMu.Unlock()
		return nil
	}
	w.closed = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

// Subscribe registers sub and returns a function that removes it.
func (w *Watcher) Subscribe(sub Subscriber) (unsubscribe func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subscribers[id] = sub
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subscribers, id)
		w.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscribers.
func (w *Watcher) SubscriberCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.subscribers)
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	if w.logger != nil {
		w.logger.Debug("Config file changed", "path", w.path, "op", event.Op.String())
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.closed {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload loads the file and notifies every subscriber outside the lock.
func (w *Watcher) reload() {
	w.debounceMu.Lock()
	w.debounceTimer = nil
	closed := w.closed
	w.debounceMu.Unlock()
	if closed {
		return
	}

	cfg, err := Load(w.path)
	event := ChangeEvent{Path: w.path, Config: cfg, Err: err, Timestamp: time.Now()}
	if err != nil && w.logger != nil {
		w.logger.Warn("Ignoring invalid config change", "path", w.path, "error", err)
	}

	w.mu.RLock()
	subs := make([]Subscriber, 0, len(w.subscribers))
	for _, sub := range w.subscribers {
		subs = append(subs, sub)
	}
	w.mu.RUnlock()

	if w.logger != nil {
		w.logger.Debug("Notifying config subscribers", "subscriber_count", len(subs), "valid", err == nil)
	}
	for _, sub := range subs {
		sub.OnConfigChanged(event)
	}
}
