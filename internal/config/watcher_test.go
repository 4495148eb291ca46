package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	events   []ChangeEvent
	notified chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{notified: make(chan struct{}, 10)}
}

func (r *recordingSubscriber) OnConfigChanged(event ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notified <- struct{}{}:
	default:
	}
}

func (r *recordingSubscriber) wait(t *testing.T) ChangeEvent {
	t.Helper()
	select {
	case <-r.notified:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config change")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func startWatcher(t *testing.T, path string) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Setenv("WSRELAY_JWT_SECRET", testSecret)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, path)
	sub := newRecordingSubscriber()
	w.Subscribe(sub)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := sub.wait(t)
	if ev.Err != nil {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if ev.Config.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", ev.Config.Logging.Level)
	}
}

func TestWatcher_ReportsInvalidConfig(t *testing.T) {
	t.Setenv("WSRELAY_JWT_SECRET", testSecret)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w := startWatcher(t, path)
	sub := newRecordingSubscriber()
	w.Subscribe(sub)

	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := sub.wait(t)
	if ev.Err == nil || ev.Config != nil {
		t.Errorf("expected error event, got %+v", ev)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	w := startWatcher(t, path)
	sub := newRecordingSubscriber()
	w.Subscribe(sub)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.notified:
		t.Error("unrelated file triggered a notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_Unsubscribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := startWatcher(t, path)

	unsubscribe := w.Subscribe(SubscriberFunc(func(ChangeEvent) {}))
	w.Subscribe(newRecordingSubscriber())
	if w.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", w.SubscriberCount())
	}
	unsubscribe()
	unsubscribe()
	if w.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", w.SubscriberCount())
	}
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	w, err := NewWatcher(filepath.Join(t.TempDir(), "config.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
