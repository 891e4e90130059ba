package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func startWatcher(t *testing.T, dir string) (<-chan struct{}, *atomic.Int32) {
	t.Helper()

	cfg := DefaultConfig(dir)
	cfg.Debounce = 50 * time.Millisecond
	w, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var count atomic.Int32
	called := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Watch(ctx, func() error {
			count.Add(1)
			select {
			case called <- struct{}{}:
			default:
			}
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return called, &count
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	called, _ := startWatcher(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "orders.yaml"), []byte("expression: $a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not called after file creation")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	called, count := startWatcher(t, dir)

	for _, name := range []string{"notes.txt", ".hidden.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-called:
		t.Fatalf("unexpected reload, count = %d", count.Load())
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatchDebounces(t *testing.T) {
	dir := t.TempDir()
	called, count := startWatcher(t, dir)

	path := filepath.Join(dir, "orders.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"expression": 1}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("reload not called")
	}
	time.Sleep(200 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Errorf("reload called %d times, want 1", n)
	}
}

func TestNewRejectsMissingDir(t *testing.T) {
	if _, err := New(DefaultConfig(filepath.Join(t.TempDir(), "missing")), nil); err == nil {
		t.Fatal("expected error for missing directory")
	}

	file := filepath.Join(t.TempDir(), "file.yaml")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(DefaultConfig(file), nil); err == nil {
		t.Fatal("expected error for a file path")
	}
}

func TestWatchTwice(t *testing.T) {
	w, err := New(DefaultConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, func() error { return nil }) }()

	// Wait until the first call has marked the watcher running.
	deadline := time.Now().Add(time.Second)
	for {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if running || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := w.Watch(ctx, func() error { return nil }); err != ErrRunning {
		t.Errorf("second Watch() = %v, want ErrRunning", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() = %v", err)
	}
}

func TestRelevant(t *testing.T) {
	w := &Watcher{cfg: DefaultConfig("defs")}
	tests := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "defs/a.yaml", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "defs/a.YML", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "defs/a.json", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "defs/a.yaml", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "defs/a.txt", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "defs/.a.yaml", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		if got := w.relevant(tt.event); got != tt.want {
			t.Errorf("relevant(%v) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestDebouncerStop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var fired atomic.Bool
	d.Trigger(func() { fired.Store(true) })
	d.Stop()
	d.Trigger(func() { fired.Store(true) })

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("callback ran after Stop")
	}
}
