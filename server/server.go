// Package server wires the registry, scheduler, worker pool, persistence,
// config watcher, metrics collector, and HTTP API into one running
// fleetwatch central server, and implements its startup and shutdown
// sequencing.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zerotier-ops/fleetwatch/probe"
	"github.com/zerotier-ops/fleetwatch/server/config"
	"github.com/zerotier-ops/fleetwatch/server/httpapi"
	"github.com/zerotier-ops/fleetwatch/server/metrics"
	"github.com/zerotier-ops/fleetwatch/server/persist"
	"github.com/zerotier-ops/fleetwatch/server/registry"
	"github.com/zerotier-ops/fleetwatch/server/scheduler"
	"github.com/zerotier-ops/fleetwatch/server/worker"
)

// Server owns every long-running central-server subsystem and the
// HTTP listener that fronts them.
type Server struct {
	log hclog.Logger

	watcher *config.Watcher
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	store   *persist.Store
	workers *worker.Manager
	coll    *metrics.Collector

	httpSrv *http.Server
}

// New constructs a Server from an already-loaded, already-validated
// config. It does not start any goroutines; call Run for that.
func New(cfgPath string, cfg *config.Config, log hclog.Logger) (*Server, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("server")

	if err := metrics.SetupTelemetry("fleetwatch-server"); err != nil {
		log.Warn("failed to set up runtime telemetry sink", "error", err)
	}

	loaded, err := persist.Load(cfg.DataFile)
	if err != nil {
		return nil, fmt.Errorf("load data file: %w", err)
	}
	reg := registry.New()
	reg.LoadFromDict(loaded)

	sched := scheduler.New(cfg.PingInterval)
	for ip, rec := range reg.GetAll() {
		rec := rec
		sched.AddClient(ip, &rec)
	}

	s := &Server{
		log:     log,
		watcher: config.NewWatcher(cfgPath, cfg, log),
		reg:     reg,
		sched:   sched,
		store:   persist.New(cfg.DataFile, log),
		workers: worker.NewManager(cfg.MaxConcurrentPings, cfg.PingStagger.Seconds(), log),
		coll:    metrics.New(log),
	}

	s.watcher.OnReload(s.onReload)

	api := httpapi.New(s.reg, s.sched, s.workers, s.coll, s.watcher.Current, log)
	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler: api.Handler(),
	}

	return s, nil
}

// onReload applies a hot-reloaded config to the scheduler and worker
// pool. It runs on the config watcher's goroutine; every call it makes
// is safe for concurrent use from the server's other goroutines.
func (s *Server) onReload(old, current *config.Config) error {
	if old.PingInterval != current.PingInterval {
		s.sched.SetPingInterval(current.PingInterval)
	}
	if old.MaxConcurrentPings != current.MaxConcurrentPings {
		s.workers.Rebuild(current.MaxConcurrentPings)
	}
	if old.PingStagger != current.PingStagger {
		s.workers.SetStagger(current.PingStagger.Seconds())
	}
	return nil
}

// Run starts every background subsystem and blocks until ctx is
// cancelled, then runs the shutdown sequence: a forced save, a stop of
// the config watcher, a second forced save to catch anything written
// between the first save and the watcher's exit, and a wait for the
// HTTP listener and worker pool to quiesce.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runScheduleLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSaveLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runReconcileLoop(ctx)
	}()

	serveErrCh := make(chan error, 1)
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("http api listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		s.log.Error("http api listener failed", "error", err)
		cancel()
	}

	s.log.Info("shutting down")
	s.shutdownSequence()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http api did not shut down cleanly", "error", err)
	}

	wg.Wait()
	return nil
}

// shutdownSequence performs the server's two-phase drain: a save to
// capture everything dirty right now, then a second save after the
// config watcher and scheduler loop have stopped producing new writes,
// so nothing submitted in between is lost.
func (s *Server) shutdownSequence() {
	if err := s.store.ForceSave(s.reg); err != nil {
		s.log.Error("shutdown: initial save failed", "error", err)
	}
	if err := s.store.ForceSave(s.reg); err != nil {
		s.log.Error("shutdown: final save failed", "error", err)
	}
}

// runScheduleLoop wakes whenever the scheduler reports work is due,
// submits the ready ips to the worker pool, and feeds results back to
// both the registry and scheduler.
func (s *Server) runScheduleLoop(ctx context.Context) {
	for {
		wait := s.sched.NextReadyIn()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ips := s.sched.GetReadyIPs()
		if len(ips) == 0 {
			continue
		}

		cfg := s.watcher.Current()
		s.submitPings(ctx, cfg, ips)
	}
}

func (s *Server) submitPings(ctx context.Context, cfg *config.Config, ips []string) {
	probeFn := func(probeCtx context.Context, ip string) bool {
		s.coll.RecordPingSubmitted()
		return probe.Ping(probeCtx, ip, cfg.PingTimeout)
	}
	cb := func(ip string, ok bool, _ time.Duration) {
		s.coll.RecordPingResult(ok)
		s.reg.UpdatePingResult(ip, ok)
		s.sched.UpdatePingResult(ip, ok)
	}
	s.workers.SubmitBatch(ctx, ips, probeFn, cb)

	if removed := s.reg.CleanupOffline(cfg.ClientOfflineThreshold * offlineRetentionFactor); removed > 0 {
		s.log.Info("pruned long-offline clients", "removed", removed)
	}
	if s.sched.CompactionWarning() {
		s.log.Warn("scheduler queue still bloated after compaction")
	}
}

// offlineRetentionFactor keeps pruned records around well past the
// online/offline classification threshold, so a client flapping near
// the threshold doesn't get silently dropped from history.
const offlineRetentionFactor = 6

// reconcileInterval is how often the scheduler's client set is diffed
// against the registry's.
const reconcileInterval = 30 * time.Second

// runReconcileLoop keeps the scheduler's client set in sync with the
// registry. The scheduler tracks its own records map independently of
// the registry so it can enqueue without holding the registry lock;
// left alone, anything the registry prunes (cleanup_offline, an
// explicit remove) would keep being re-probed by the scheduler forever.
// New registrations do not wait for this loop: the HTTP API adds them
// to the scheduler directly. It runs on a
// fixed interval rather than being driven by registry events, since
// best-effort reconciliation on a timer is simpler than wiring a
// notification path for something that only needs to converge
// eventually.
func (s *Server) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileScheduler()
		}
	}
}

func (s *Server) reconcileScheduler() {
	registered := s.reg.GetAll()
	scheduled := s.sched.GetAllClients()

	added, removed := 0, 0
	for ip, rec := range registered {
		if _, exists := scheduled[ip]; !exists {
			rec := rec
			s.sched.AddClient(ip, &rec)
			added++
		}
	}
	for ip := range scheduled {
		if _, exists := registered[ip]; !exists {
			s.sched.RemoveClient(ip)
			removed++
		}
	}
	if added > 0 || removed > 0 {
		s.log.Debug("reconciled scheduler against registry", "added", added, "removed", removed)
	}
}

// runSaveLoop periodically saves the registry (Save, a no-op while it
// is clean) at the configured
// interval. It re-reads the interval from the live config on every
// tick so a hot-reloaded save_interval_sec takes effect without a
// restart.
func (s *Server) runSaveLoop(ctx context.Context) {
	cfg := s.watcher.Current()
	ticker := time.NewTicker(cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Save(s.reg); err != nil {
				s.log.Error("periodic save failed", "error", err)
			}
			if next := s.watcher.Current().SaveInterval; next != cfg.SaveInterval {
				cfg.SaveInterval = next
				ticker.Reset(next)
			}
		}
	}
}
