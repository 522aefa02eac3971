// Package registry is the server's thread-safe source of truth for
// overlay membership. It tracks a dirty flag alongside the map so the
// persistence layer can ask "is there anything new to save" and clear
// the flag in the same atomic step, closing the lost-update race that a
// separate is-dirty/snapshot/clear sequence would reopen.
package registry

import (
	"sync"
	"time"

	"github.com/zerotier-ops/fleetwatch/server/record"
)

// Stats mirrors get_stats() from the reference client manager.
type Stats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Online      int `json:"online"`
	Offline     int `json:"offline"`
	NeverPinged int `json:"never_pinged"`
}

// Registry holds the current state of every known overlay member.
type Registry struct {
	mu      sync.RWMutex
	records map[string]record.Record
	dirty   bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[string]record.Record)}
}

// AddOrUpdate inserts ip with now as last_seen if unseen, or refreshes
// last_seen if already known. It marks the registry dirty only when the
// stored record actually changes.
func (r *Registry) AddOrUpdate(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	rec, exists := r.records[ip]
	if !exists {
		r.records[ip] = record.Record{LastSeen: now}
		r.dirty = true
		return
	}
	if rec.LastSeen != now {
		rec.LastSeen = now
		r.records[ip] = rec
		r.dirty = true
	}
}

// UpdatePingResult records the outcome of a probe against ip. It is a
// no-op if ip is no longer registered (e.g. removed mid-flight).
func (r *Registry) UpdatePingResult(ip string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[ip]
	if !exists {
		return
	}
	rec.LastPingOK = ok
	rec.LastPingAt = time.Now().Unix()
	r.records[ip] = rec
	r.dirty = true
}

// Remove erases ip from the registry.
func (r *Registry) Remove(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[ip]; !exists {
		return
	}
	delete(r.records, ip)
	r.dirty = true
}

// CleanupOffline removes every record whose last_seen is older than
// threshold and returns the number removed.
func (r *Registry) CleanupOffline(threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, rec := range r.records {
		if rec.Stale(now, threshold) {
			delete(r.records, ip)
			removed++
		}
	}
	if removed > 0 {
		r.dirty = true
	}
	return removed
}

// GetAll returns a deep copy of every record.
func (r *Registry) GetAll() map[string]record.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]record.Record, len(r.records))
	for ip, rec := range r.records {
		out[ip] = rec
	}
	return out
}

// GetActive returns a deep copy of every record active within
// threshold.
func (r *Registry) GetActive(threshold time.Duration) map[string]record.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	out := make(map[string]record.Record)
	for ip, rec := range r.records {
		if rec.Active(now, threshold) {
			out[ip] = rec
		}
	}
	return out
}

// GetStats classifies every record per the data model: online, offline
// and never_pinged are mutually exclusive; active is independent.
func (r *Registry) GetStats(threshold time.Duration) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()

	var s Stats
	s.Total = len(r.records)
	for _, rec := range r.records {
		if rec.Active(now, threshold) {
			s.Active++
		}
		switch rec.Classify() {
		case record.Online:
			s.Online++
		case record.Offline:
			s.Offline++
		case record.NeverPinged:
			s.NeverPinged++
		}
	}
	return s
}

// Get returns a single record and whether it exists.
func (r *Registry) Get(ip string) (record.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[ip]
	return rec, ok
}

// Size returns the number of registered clients.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IsDirty reports whether unsaved changes exist. Exposed for tests and
// metrics only; persistence must use GetDataSnapshotAndMarkClean to
// avoid the race a separate check-then-snapshot sequence would open.
func (r *Registry) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// MarkDirty re-flags the registry as needing a save. Called by the
// persistence layer after a failed write so the next tick retries.
func (r *Registry) MarkDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
}

// GetDataSnapshotAndMarkClean atomically returns a snapshot and clears
// the dirty flag, or returns (nil, false) if nothing has changed since
// the last snapshot. This single atomic step is required: splitting it
// into is-dirty / snapshot / clear calls reopens a lost-update window
// where a write landing between snapshot and clear would be dropped.
func (r *Registry) GetDataSnapshotAndMarkClean() (map[string]record.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil, false
	}
	snapshot := make(map[string]record.Record, len(r.records))
	for ip, rec := range r.records {
		snapshot[ip] = rec
	}
	r.dirty = false
	return snapshot, true
}

// LoadFromDict replaces the registry contents wholesale and clears the
// dirty flag. The legacy {ip: number} on-disk shape is translated into
// records by persist.Load before the data reaches this call.
func (r *Registry) LoadFromDict(data map[string]record.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]record.Record, len(data))
	for ip, rec := range data {
		r.records[ip] = rec
	}
	r.dirty = false
}
