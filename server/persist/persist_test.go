package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zerotier-ops/fleetwatch/server/record"
)

type fakeRegistry struct {
	snapshot map[string]record.Record
	dirty    bool
	marked   bool
}

func (f *fakeRegistry) GetDataSnapshotAndMarkClean() (map[string]record.Record, bool) {
	if !f.dirty {
		return nil, false
	}
	f.dirty = false
	return f.snapshot, true
}

func (f *fakeRegistry) MarkDirty() {
	f.marked = true
	f.dirty = true
}

func TestSaveWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.json")
	store := New(path, nil)

	reg := &fakeRegistry{
		dirty: true,
		snapshot: map[string]record.Record{
			"10.0.0.1": {LastSeen: 100, LastPingOK: true, LastPingAt: 100},
		},
	}

	if err := store.Save(reg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded["10.0.0.1"].LastSeen != 100 {
		t.Fatalf("unexpected loaded record: %+v", loaded["10.0.0.1"])
	}
}

func TestSaveNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.json")
	store := New(path, nil)

	reg := &fakeRegistry{dirty: false}
	if err := store.Save(reg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be written for a clean registry")
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty map, got %v", loaded)
	}
}

func TestLoadLegacyShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(path, []byte(`{"10.0.0.1": 1700000000}`), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	rec, ok := loaded["10.0.0.1"]
	if !ok {
		t.Fatalf("expected legacy ip to load")
	}
	if rec.LastSeen != 1700000000 || rec.LastPingAt != 0 {
		t.Fatalf("unexpected legacy record: %+v", rec)
	}
}

func TestLoadMixedShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mixed.json")
	body := `{
		"10.0.0.1": 1700000000,
		"10.0.0.2": {"last_seen": 1700000100, "last_ping_ok": true, "last_ping_at": 1700000100}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded["10.0.0.1"].LastSeen != 1700000000 {
		t.Fatalf("legacy entry wrong: %+v", loaded["10.0.0.1"])
	}
	if !loaded["10.0.0.2"].LastPingOK {
		t.Fatalf("full entry wrong: %+v", loaded["10.0.0.2"])
	}
}

func TestMarkDirtyAfterFailedSave(t *testing.T) {
	// A path inside a nonexistent directory forces safeio's write to
	// fail, exercising the re-mark-dirty path.
	store := New(filepath.Join(t.TempDir(), "nosuchdir", "clients.json"), nil)
	reg := &fakeRegistry{dirty: true, snapshot: map[string]record.Record{"10.0.0.1": {}}}

	if err := store.Save(reg); err == nil {
		t.Fatalf("expected error writing to nonexistent directory")
	}
	if !reg.marked {
		t.Fatalf("expected registry to be re-marked dirty after failed save")
	}
}
