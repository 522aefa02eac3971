package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zerotier-ops/fleetwatch/server/config"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Port = 0
	cfg.DataFile = filepath.Join(dir, "clients.json")
	cfgPath := filepath.Join(dir, "server.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	return cfg, cfgPath
}

func TestNewLoadsExistingDataFile(t *testing.T) {
	cfg, cfgPath := testConfig(t)
	if err := os.WriteFile(cfg.DataFile, []byte(`{"10.0.0.1": 1700000000}`), 0o600); err != nil {
		t.Fatal(err)
	}

	srv, err := New(cfgPath, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if srv.reg.Size() != 1 {
		t.Fatalf("expected loaded registry to contain 1 client, got %d", srv.reg.Size())
	}
	if got := srv.sched.GetStats().TotalClients; got != 1 {
		t.Fatalf("expected scheduler to be seeded with loaded clients, got %d", got)
	}
}

func TestShutdownSequenceSavesRegistry(t *testing.T) {
	cfg, cfgPath := testConfig(t)
	srv, err := New(cfgPath, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	srv.reg.AddOrUpdate("10.0.0.5")

	srv.shutdownSequence()

	data, err := os.ReadFile(cfg.DataFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected data file to be written on shutdown")
	}
}

func TestOnReloadRebuildsWorkerPoolAndScheduler(t *testing.T) {
	cfg, cfgPath := testConfig(t)
	srv, err := New(cfgPath, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	updated := *cfg
	updated.MaxConcurrentPings = cfg.MaxConcurrentPings + 5
	updated.PingInterval = cfg.PingInterval * 2

	if err := srv.onReload(cfg, &updated); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if got := srv.workers.Stats().MaxWorkers; got != updated.MaxConcurrentPings {
		t.Fatalf("worker pool not rebuilt: got %d, want %d", got, updated.MaxConcurrentPings)
	}
	// The data file does not exist, so the scheduler queue is empty and
	// NextReadyIn reports the live ping interval.
	if got := srv.sched.NextReadyIn(); got != updated.PingInterval {
		t.Fatalf("scheduler ping interval not updated: got %v, want %v", got, updated.PingInterval)
	}
}

func TestReconcileSchedulerAddsAndRemoves(t *testing.T) {
	cfg, cfgPath := testConfig(t)
	srv, err := New(cfgPath, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Registered but never added to the scheduler: reconciliation should
	// add it.
	srv.reg.AddOrUpdate("10.0.0.9")

	// In the scheduler but no longer in the registry (as if
	// CleanupOffline already pruned it): reconciliation should remove
	// it.
	srv.sched.AddClient("10.0.0.254", nil)

	srv.reconcileScheduler()

	clients := srv.sched.GetAllClients()
	if _, ok := clients["10.0.0.9"]; !ok {
		t.Fatal("expected reconciliation to add a registered-but-unscheduled ip")
	}
	if _, ok := clients["10.0.0.254"]; ok {
		t.Fatal("expected reconciliation to remove a scheduled-but-unregistered ip")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg, cfgPath := testConfig(t)
	srv, err := New(cfgPath, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
