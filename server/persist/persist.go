// Package persist is the server's crash-safe snapshot writer. A save
// acquires a process-wide mutex, asks the registry for its dirty
// snapshot, and writes it atomically via rboyer/safeio, which handles
// the temp-file-plus-fsync-plus-rename dance so a save can never leave
// the on-disk file partially written.
package persist

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/rboyer/safeio"
	"github.com/zerotier-ops/fleetwatch/server/record"
)

// filePerm matches the reference implementation's data file mode: owner
// read/write only, since the snapshot never contains secrets but does
// contain membership topology.
const filePerm = 0o600

// Snapshotter is the subset of *registry.Registry that persist depends
// on, kept narrow so tests can fake it without constructing a real
// registry.
type Snapshotter interface {
	GetDataSnapshotAndMarkClean() (map[string]record.Record, bool)
	MarkDirty()
}

// Store writes registry snapshots to a single JSON file on disk.
type Store struct {
	path string
	log  hclog.Logger

	saveMu sync.Mutex
}

// New returns a Store that persists to path.
func New(path string, log hclog.Logger) *Store {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Store{path: path, log: log.Named("persist")}
}

// Save writes the registry's pending snapshot to disk if, and only if,
// it is dirty. It is a no-op on a clean registry. If the write fails,
// the registry is re-marked dirty so the next periodic tick retries; an
// encoding failure is logged and returned without re-marking.
func (s *Store) Save(reg Snapshotter) error {
	return s.save(reg)
}

// ForceSave is identical to Save; it exists as a distinct call so the
// server's shutdown sequence can call it explicitly for a guaranteed
// last write, independent of whatever periodic-save path also exists.
func (s *Store) ForceSave(reg Snapshotter) error {
	return s.save(reg)
}

func (s *Store) save(reg Snapshotter) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snapshot, dirty := reg.GetDataSnapshotAndMarkClean()
	if !dirty {
		return nil
	}

	buf, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		// Serialization failures are not retried: the in-memory data is
		// what's broken, not the disk.
		s.log.Error("failed to encode registry snapshot, not retrying", "error", err)
		return err
	}

	if _, err := safeio.WriteToFile(bytes.NewReader(buf), s.path, filePerm); err != nil {
		s.log.Error("failed to write registry snapshot", "path", s.path, "error", err)
		reg.MarkDirty()
		return err
	}

	s.log.Debug("wrote registry snapshot", "path", s.path, "clients", len(snapshot))
	return nil
}

// legacyRaw tolerates a schema-less value: either a full record object
// or a bare number, the legacy shape where the value was last_seen
// alone.
type legacyRaw struct {
	full    record.Record
	isFull  bool
	lastSeen int64
}

func (l *legacyRaw) UnmarshalJSON(b []byte) error {
	var rec record.Record
	if err := json.Unmarshal(b, &rec); err == nil {
		l.full = rec
		l.isFull = true
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	l.lastSeen = int64(n)
	return nil
}

// Load reads the snapshot file, tolerating the legacy {ip: number}
// shape by treating the bare number as last_seen. A missing file is not
// an error; it simply yields an empty registry.
func Load(path string) (map[string]record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]record.Record{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]record.Record{}, nil
	}

	var raw map[string]legacyRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]record.Record, len(raw))
	for ip, v := range raw {
		if v.isFull {
			out[ip] = v.full
		} else {
			out[ip] = record.Record{LastSeen: v.lastSeen}
		}
	}
	return out, nil
}
