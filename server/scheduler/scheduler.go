// Package scheduler implements the server's priority-queued ping
// scheduler: a min-heap of due times keyed by ip, deduplicated through a
// per-ip version counter so that cancelling outstanding work for an ip
// never costs more than a single map write.
package scheduler

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/zerotier-ops/fleetwatch/server/record"
)

// compaction thresholds, ported from the reference scheduler's rebuild
// trigger.
const (
	absoluteQueueCap      = 500
	compactionCheckEvery  = 50
	staleRetentionFactor  = 1.5
	minRemovedFraction    = 0.10
	queueBloatWarnFactor  = 5
	firstPingJitterMinSec = 1.0
	firstPingJitterMaxSec = 10.0
)

type task struct {
	ip      string
	due     time.Time
	version uint64
	index   int
}

type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Stats mirrors get_stats() from the reference scheduler.
type Stats struct {
	TotalClients   int           `json:"total_clients"`
	QueuedTasks    int           `json:"queued_tasks"`
	ActiveVersions int           `json:"active_versions"`
	NextPingIn     time.Duration `json:"next_ping_in"`
}

// Scheduler decides which overlay members are due for a reachability
// probe. All operations hold a single mutex and never perform I/O.
type Scheduler struct {
	mu sync.Mutex

	heap     taskHeap
	versions map[string]uint64
	records  map[string]record.Record

	pingInterval time.Duration
	rng          *rand.Rand

	updatesSinceCompaction int
	lastCompactionWarning  bool
}

// New returns a Scheduler that re-enqueues steady-state probes every
// pingInterval.
func New(pingInterval time.Duration) *Scheduler {
	return &Scheduler{
		versions:     make(map[string]uint64),
		records:      make(map[string]record.Record),
		pingInterval: pingInterval,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetPingInterval updates the steady-state re-enqueue interval. It takes
// effect for tasks enqueued after the call; it does not touch the heap.
func (s *Scheduler) SetPingInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = d
}

// AddClient registers ip with the scheduler. New ips get a jittered
// first-ping time to avoid thundering-herd probing on bulk registration;
// existing ips are merged with initial and re-enqueued at the steady
// interval.
func (s *Scheduler) AddClient(ip string, initial *record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	_, exists := s.records[ip]

	rec := s.records[ip]
	if initial != nil {
		rec = *initial
	}
	s.records[ip] = rec

	var due time.Time
	if !exists {
		s.versions[ip] = 1
		jitter := firstPingJitterMinSec + s.rng.Float64()*(firstPingJitterMaxSec-firstPingJitterMinSec)
		due = now.Add(time.Duration(jitter * float64(time.Second)))
	} else {
		s.versions[ip]++
		due = now.Add(s.pingInterval)
	}

	heap.Push(&s.heap, &task{ip: ip, due: due, version: s.versions[ip]})
}

// UpdatePingResult records a probe outcome and re-enqueues ip for the
// next steady-state probe. It then runs the compaction trigger check.
func (s *Scheduler) UpdatePingResult(ip string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[ip]; !exists {
		return
	}

	now := time.Now()
	rec := s.records[ip]
	rec.LastPingOK = ok
	rec.LastPingAt = now.Unix()
	s.records[ip] = rec

	s.versions[ip]++
	heap.Push(&s.heap, &task{ip: ip, due: now.Add(s.pingInterval), version: s.versions[ip]})

	s.updatesSinceCompaction++
	s.maybeCompactLocked(now)
}

// RemoveClient erases ip's record and version. Already-queued tasks for
// ip are left in the heap and silently dropped at dequeue time since
// their version can never match again.
func (s *Scheduler) RemoveClient(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ip)
	delete(s.versions, ip)
}

// GetReadyIPs pops every task due at or before now, keeping only the
// current version for each ip and deduplicating so a single call never
// returns the same ip twice.
func (s *Scheduler) GetReadyIPs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool)
	var ready []string

	for s.heap.Len() > 0 && !s.heap[0].due.After(now) {
		t := heap.Pop(&s.heap).(*task)
		if seen[t.ip] {
			continue
		}
		if _, exists := s.records[t.ip]; !exists {
			continue
		}
		if s.versions[t.ip] != t.version {
			continue
		}
		seen[t.ip] = true
		ready = append(ready, t.ip)
	}
	return ready
}

// NextReadyIn reports how long until the earliest queued task is due,
// clamped to [0, pingInterval]. An empty queue reports pingInterval
// exactly.
func (s *Scheduler) NextReadyIn() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextReadyInLocked()
}

func (s *Scheduler) nextReadyInLocked() time.Duration {
	if s.heap.Len() == 0 {
		return s.pingInterval
	}
	d := time.Until(s.heap[0].due)
	if d < 0 {
		return 0
	}
	if d > s.pingInterval {
		return s.pingInterval
	}
	return d
}

// GetAllClients returns a snapshot copy of the scheduler's record map.
func (s *Scheduler) GetAllClients() map[string]record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]record.Record, len(s.records))
	for ip, rec := range s.records {
		out[ip] = rec
	}
	return out
}

// GetStats reports queue occupancy for the health endpoint.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalClients:   len(s.records),
		QueuedTasks:    s.heap.Len(),
		ActiveVersions: len(s.versions),
		NextPingIn:     s.nextReadyInLocked(),
	}
}

// maybeCompactLocked rebuilds the heap when it has accumulated enough
// stale/duplicate entries to be worth the O(n log n) rebuild cost. Must
// be called with s.mu held.
func (s *Scheduler) maybeCompactLocked(now time.Time) {
	clientCount := len(s.records)
	threshold := 5
	if scaled := int(1.2 * float64(clientCount)); scaled > threshold {
		threshold = scaled
	}

	queueSize := s.heap.Len()
	due := queueSize > threshold ||
		queueSize > absoluteQueueCap ||
		s.updatesSinceCompaction >= compactionCheckEvery

	if !due {
		return
	}
	s.updatesSinceCompaction = 0

	cutoff := now.Add(-time.Duration(staleRetentionFactor * float64(s.pingInterval)))
	kept := make(taskHeap, 0, queueSize)
	for _, t := range s.heap {
		if _, exists := s.records[t.ip]; !exists {
			continue
		}
		if s.versions[t.ip] != t.version {
			continue
		}
		if t.due.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}

	removedFraction := 0.0
	if queueSize > 0 {
		removedFraction = float64(queueSize-len(kept)) / float64(queueSize)
	}
	if removedFraction < minRemovedFraction {
		return
	}

	for i, t := range kept {
		t.index = i
	}
	s.heap = kept
	heap.Init(&s.heap)

	if clientCount > 0 && s.heap.Len() > queueBloatWarnFactor*clientCount {
		// A post-rebuild queue still many times the client count points
		// at a leak in enqueue logic rather than ordinary churn.
		s.lastCompactionWarning = true
	} else {
		s.lastCompactionWarning = false
	}
}

// CompactionWarning reports whether the most recent compaction left the
// queue larger than queueBloatWarnFactor times the client count. Exposed
// so the owning server can log it; the scheduler itself never logs.
func (s *Scheduler) CompactionWarning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompactionWarning
}
