package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// pollInterval is the mtime poll period; it remains the source of truth
// for detecting changes even when the fsnotify fast path is available,
// since some filesystems (network mounts, some container overlays)
// don't deliver reliable inotify events.
const pollInterval = time.Second

// writerSettleDelay gives a config-file writer time to finish a
// multi-write update before the watcher reads it.
const writerSettleDelay = 100 * time.Millisecond

// ReloadCallback is invoked after a hot-reload has applied whitelisted
// fields. A non-nil error is logged but does not roll back the reload;
// only a panic inside the apply step does that.
type ReloadCallback func(old, current *Config) error

// Watcher polls a config file's mtime (with an fsnotify fast path) and
// applies changes to whitelisted fields in place, invoking registered
// callbacks after each successful reload.
type Watcher struct {
	path string
	log  hclog.Logger

	mu      sync.RWMutex
	current *Config

	callbacksMu sync.Mutex
	callbacks   []ReloadCallback

	lastMod time.Time
	fsw     *fsnotify.Watcher
}

// NewWatcher returns a Watcher seeded with initial and watching path.
// The fsnotify watch is best-effort: if it cannot be established the
// watcher still functions correctly off the 1s poll alone.
func NewWatcher(path string, initial *Config, log hclog.Logger) *Watcher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	w := &Watcher{
		path:    path,
		current: initial,
		log:     log.Named("config_watcher"),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	if fsw, err := fsnotify.NewWatcher(); err == nil {
		if err := fsw.Add(path); err == nil {
			w.fsw = fsw
		} else {
			fsw.Close()
		}
	}
	return w
}

// OnReload registers cb to run after every successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns a copy of the live config; changing the copy does
// not affect the watcher.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cur := *w.current
	return &cur
}

// Run blocks, polling for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer func() {
		if w.fsw != nil {
			w.fsw.Close()
		}
	}()

	var events <-chan fsnotify.Event
	if w.fsw != nil {
		events = w.fsw.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAndReload()
		case <-events:
			select {
			case <-time.After(writerSettleDelay):
			case <-ctx.Done():
				return
			}
			w.checkAndReload()
		}
	}
}

func (w *Watcher) checkAndReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	newCfg, err := Load(w.path)
	if err != nil {
		w.log.Error("failed to load config on reload, keeping previous config", "error", err)
		return
	}
	if _, verr := newCfg.Validate(w.path); verr != nil {
		w.log.Error("rejected invalid config on reload, keeping previous config", "error", verr)
		return
	}

	w.apply(newCfg)
}

// apply copies whitelisted fields from newCfg onto the live config and
// runs reload callbacks. A panic during the copy rolls every field back
// to its pre-reload value; this mirrors the reference watcher's
// exception-triggers-rollback behavior even though ordinary field
// assignment in Go has no realistic way to panic.
func (w *Watcher) apply(newCfg *Config) {
	w.mu.Lock()
	old := *w.current
	rolledBack := false

	func() {
		defer func() {
			if r := recover(); r != nil {
				*w.current = old
				rolledBack = true
				w.log.Error("panic applying hot reload, rolled back", "panic", r)
			}
		}()
		cur := w.current
		cur.PingInterval = newCfg.PingInterval
		cur.PingTimeout = newCfg.PingTimeout
		cur.PingStagger = newCfg.PingStagger
		cur.MaxConcurrentPings = newCfg.MaxConcurrentPings
		cur.ClientOfflineThreshold = newCfg.ClientOfflineThreshold
		cur.SaveInterval = newCfg.SaveInterval
		cur.LogLevel = newCfg.LogLevel
		cur.APIKey = newCfg.APIKey
		cur.EnableAPIAuth = newCfg.EnableAPIAuth
	}()
	updated := *w.current
	w.mu.Unlock()

	if rolledBack {
		return
	}

	w.callbacksMu.Lock()
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.callbacksMu.Unlock()

	failures := 0
	for _, cb := range callbacks {
		if err := cb(&old, &updated); err != nil {
			failures++
			w.log.Error("reload callback failed", "error", err)
		}
	}
	if failures > 0 {
		w.log.Warn("config hot-reload applied with partial callback failures", "failures", failures, "total", len(callbacks))
	} else {
		w.log.Info("config hot-reloaded", "path", w.path)
	}
}
