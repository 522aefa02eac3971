// Package worker implements the server's bounded-concurrency probe
// executor. Pool is a fixed-size worker set; Manager owns the currently
// active Pool and lets the server swap in a differently sized one at
// runtime (e.g. after a hot-reload narrows max_concurrent_pings)
// without blocking submitters on the old pool's drain.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Callback receives the outcome of one probe submission.
type Callback func(ip string, ok bool, duration time.Duration)

// ProbeFunc performs the actual reachability check for ip.
type ProbeFunc func(ctx context.Context, ip string) bool

const (
	maxBatchSize   = 10
	maxBatchDelay  = 2 * time.Second
	drainTimeout   = 15 * time.Second
	drainPollStart = 100 * time.Millisecond
	drainPollCap   = 2 * time.Second
)

// Pool runs probe tasks with at most maxWorkers running concurrently.
type Pool struct {
	sem      chan struct{}
	capacity int
	active   int64
}

// NewPool returns a Pool bounded to maxWorkers concurrent probes.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{sem: make(chan struct{}, maxWorkers), capacity: maxWorkers}
}

// Capacity returns the configured maximum concurrency.
func (p *Pool) Capacity() int { return p.capacity }

// Active returns the number of probes currently in flight.
func (p *Pool) Active() int { return int(atomic.LoadInt64(&p.active)) }

// Submit runs probe(ip) on a pool worker and reports the outcome to cb.
// It blocks the caller only long enough to acquire a slot; the probe
// itself runs on its own goroutine.
func (p *Pool) Submit(ctx context.Context, ip string, probe ProbeFunc, cb Callback) {
	p.sem <- struct{}{}
	atomic.AddInt64(&p.active, 1)
	go func() {
		defer func() {
			<-p.sem
			atomic.AddInt64(&p.active, -1)
		}()
		start := time.Now()
		ok := probe(ctx, ip)
		cb(ip, ok, time.Since(start))
	}()
}

// Idle reports whether no probes are currently running on this pool.
func (p *Pool) Idle() bool {
	return atomic.LoadInt64(&p.active) == 0
}

// Manager owns the live Pool reference and mediates runtime rebuilds.
// The reference itself is read and written only under mu; SubmitBatch
// acquires the reference under the lock, then submits outside it, so a
// rebuild that happens between those two steps never blocks the
// submitter on the old pool's workers.
type Manager struct {
	mu         sync.Mutex
	pool       *Pool
	staggerSec float64
	log        hclog.Logger
}

// NewManager returns a Manager running maxWorkers workers with the
// given inter-batch stagger in seconds.
func NewManager(maxWorkers int, staggerSec float64, log hclog.Logger) *Manager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Manager{
		pool:       NewPool(maxWorkers),
		staggerSec: staggerSec,
		log:        log.Named("worker"),
	}
}

func (m *Manager) currentPool() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool
}

// ManagerStats reports the live pool's configured capacity and
// in-flight count, for the /health and /metrics executor gauges.
type ManagerStats struct {
	MaxWorkers    int
	ActiveWorkers int
}

// Stats returns the current pool's capacity and active-probe count.
func (m *Manager) Stats() ManagerStats {
	pool := m.currentPool()
	return ManagerStats{MaxWorkers: pool.Capacity(), ActiveWorkers: pool.Active()}
}

// SetStagger updates the inter-batch delay factor used by future
// SubmitBatch calls.
func (m *Manager) SetStagger(staggerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staggerSec = staggerSec
}

// SubmitBatch submits ips in groups of up to 10, waiting
// min(2s, staggerSec*batchSize) between groups to avoid bursts. It
// aborts mid-batch, without submitting the remainder, if ctx is
// cancelled.
func (m *Manager) SubmitBatch(ctx context.Context, ips []string, probe ProbeFunc, cb Callback) {
	for len(ips) > 0 {
		if ctx.Err() != nil {
			return
		}

		n := maxBatchSize
		if n > len(ips) {
			n = len(ips)
		}
		batch := ips[:n]
		ips = ips[n:]

		pool := m.currentPool()
		for _, ip := range batch {
			if ctx.Err() != nil {
				return
			}
			pool.Submit(ctx, ip, probe, cb)
		}

		if len(ips) == 0 {
			return
		}

		m.mu.Lock()
		stagger := m.staggerSec
		m.mu.Unlock()

		delay := time.Duration(stagger * float64(n) * float64(time.Second))
		if delay > maxBatchDelay {
			delay = maxBatchDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Rebuild atomically swaps in a new Pool sized maxWorkers and schedules
// the old pool for background drain. Callers never block on in-flight
// probes from the previous pool.
func (m *Manager) Rebuild(maxWorkers int) {
	m.mu.Lock()
	old := m.pool
	m.pool = NewPool(maxWorkers)
	m.mu.Unlock()

	go m.drain(old)
}

// drain polls the retired pool with exponential back-off (capped at 2s)
// for up to 15s, logging if workers are still running once that budget
// is exhausted.
func (m *Manager) drain(old *Pool) {
	deadline := time.Now().Add(drainTimeout)
	backoff := drainPollStart
	for time.Now().Before(deadline) {
		if old.Idle() {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > drainPollCap {
			backoff = drainPollCap
		}
	}
	if !old.Idle() {
		m.log.Warn("retired worker pool still running after drain timeout", "timeout", drainTimeout)
	}
}
