package registry

import (
	"testing"
	"time"

	"github.com/zerotier-ops/fleetwatch/server/record"
)

func TestAddOrUpdateMarksDirty(t *testing.T) {
	r := New()
	if r.IsDirty() {
		t.Fatalf("fresh registry should not be dirty")
	}
	r.AddOrUpdate("10.0.0.1")
	if !r.IsDirty() {
		t.Fatalf("expected dirty after AddOrUpdate")
	}
}

func TestGetDataSnapshotAndMarkCleanAtomicPair(t *testing.T) {
	r := New()
	r.AddOrUpdate("10.0.0.1")

	snap, ok := r.GetDataSnapshotAndMarkClean()
	if !ok || snap == nil {
		t.Fatalf("expected non-nil snapshot on first call")
	}

	snap2, ok2 := r.GetDataSnapshotAndMarkClean()
	if ok2 || snap2 != nil {
		t.Fatalf("expected nil snapshot on second back-to-back call, got %v, %v", snap2, ok2)
	}
}

func TestMarkDirtyAfterFailedSave(t *testing.T) {
	r := New()
	r.AddOrUpdate("10.0.0.1")
	r.GetDataSnapshotAndMarkClean()
	if r.IsDirty() {
		t.Fatalf("expected clean after snapshot")
	}
	r.MarkDirty()
	if !r.IsDirty() {
		t.Fatalf("expected dirty after MarkDirty")
	}
}

func TestLoadFromDictLegacyShape(t *testing.T) {
	r := New()
	// Caller translates legacy {ip: number} into last_seen-only records
	// before calling LoadFromDict; verify the resulting state here.
	r.LoadFromDict(map[string]record.Record{
		"10.0.0.1": {LastSeen: 1700000000},
	})
	all := r.GetAll()
	rec, ok := all["10.0.0.1"]
	if !ok {
		t.Fatalf("expected ip to be loaded")
	}
	if rec.LastSeen != 1700000000 || rec.LastPingAt != 0 {
		t.Fatalf("unexpected record after legacy load: %+v", rec)
	}
	if r.IsDirty() {
		t.Fatalf("LoadFromDict must clear the dirty flag")
	}
}

func TestCleanupOffline(t *testing.T) {
	r := New()
	r.records["10.0.0.1"] = record.Record{LastSeen: time.Now().Add(-time.Hour).Unix()}
	r.records["10.0.0.2"] = record.Record{LastSeen: time.Now().Unix()}

	removed := r.CleanupOffline(time.Minute)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := r.Get("10.0.0.1"); ok {
		t.Fatalf("stale record should have been removed")
	}
	if _, ok := r.Get("10.0.0.2"); !ok {
		t.Fatalf("fresh record should remain")
	}
}

func TestGetStatsClassificationMutuallyExclusive(t *testing.T) {
	r := New()
	r.records = map[string]record.Record{
		"10.0.0.1": {LastSeen: time.Now().Unix()}, // never_pinged
		"10.0.0.2": {LastSeen: time.Now().Unix(), LastPingAt: time.Now().Unix(), LastPingOK: true},
		"10.0.0.3": {LastSeen: time.Now().Unix(), LastPingAt: time.Now().Unix(), LastPingOK: false},
	}
	stats := r.GetStats(time.Hour)
	if stats.Total != 3 {
		t.Fatalf("Total = %d, want 3", stats.Total)
	}
	if stats.Online+stats.Offline+stats.NeverPinged != stats.Total {
		t.Fatalf("classification counts do not sum to total: %+v", stats)
	}
	if stats.Online != 1 || stats.Offline != 1 || stats.NeverPinged != 1 {
		t.Fatalf("unexpected classification split: %+v", stats)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.AddOrUpdate("10.0.0.1")
	r.GetDataSnapshotAndMarkClean()

	r.Remove("10.0.0.1")
	if !r.IsDirty() {
		t.Fatalf("expected dirty after Remove")
	}
	if _, ok := r.Get("10.0.0.1"); ok {
		t.Fatalf("expected record to be gone")
	}
}
