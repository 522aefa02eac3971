package config

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherAppliesWhitelistedFieldOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	cfg := Default()
	cfg.DataFile = filepath.Join(t.TempDir(), "clients.json")
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path, cfg, nil)

	originalDataFile := w.Current().DataFile

	updated := *cfg
	updated.MaxConcurrentPings = 2
	// data_file is not whitelisted; changing it on disk must not reach
	// the live config.
	updated.DataFile = filepath.Join(t.TempDir(), "other.json")
	time.Sleep(10 * time.Millisecond) // ensure mtime advances
	if err := Save(path, &updated); err != nil {
		t.Fatal(err)
	}

	w.checkAndReload()

	cur := w.Current()
	if cur.MaxConcurrentPings != 2 {
		t.Fatalf("expected whitelisted field to update, got %d", cur.MaxConcurrentPings)
	}
	if cur.DataFile != originalDataFile {
		t.Fatalf("expected non-whitelisted data_file to remain %q, got %q", originalDataFile, cur.DataFile)
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, cfg, nil)

	bad := *cfg
	bad.Port = 0 // not whitelisted anyway, but also invalidates the file
	bad.PingInterval = time.Second
	time.Sleep(10 * time.Millisecond)
	if err := Save(path, &bad); err != nil {
		t.Fatal(err)
	}

	w.checkAndReload()

	if w.Current().PingInterval != cfg.PingInterval {
		t.Fatalf("invalid reload should have been rejected, got PingInterval=%v", w.Current().PingInterval)
	}
}

func TestWatcherInvokesCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, cfg, nil)

	var called int32
	w.OnReload(func(old, current *Config) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	updated := *cfg
	updated.MaxConcurrentPings = 7
	time.Sleep(10 * time.Millisecond)
	if err := Save(path, &updated); err != nil {
		t.Fatal(err)
	}
	w.checkAndReload()

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected reload callback to run exactly once, ran %d times", called)
	}
}

func TestWatcherNoopWhenFileUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.json")
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher(path, cfg, nil)

	var called int32
	w.OnReload(func(old, current *Config) error {
		atomic.AddInt32(&called, 1)
		return nil
	})
	w.checkAndReload()
	w.checkAndReload()

	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("expected no callback without an mtime change, got %d", called)
	}
}
