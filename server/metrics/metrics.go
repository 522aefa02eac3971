// Package metrics tracks server counters and gauges and exposes them
// through prometheus/client_golang's text exposition format. Every
// counter increment also goes through armon/go-metrics' global sink, so
// the same numbers reach any StatsD/runtime-telemetry consumer an
// operator wires up independently of the Prometheus scrape path.
package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	gopsmem "github.com/shirou/gopsutil/v3/mem"
)

// systemCacheTTL bounds how often gopsutil is actually queried; probes
// of /proc or WMI are not free and several /health or /metrics calls
// can land within a couple seconds of each other.
const systemCacheTTL = 2 * time.Second

// SetupTelemetry installs the armon/go-metrics global sink used for the
// IncrCounter/AddSample calls this package makes alongside its
// Prometheus gauges. Safe to call once at startup.
func SetupTelemetry(serviceName string) error {
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = true
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	_, err := gometrics.NewGlobal(cfg, sink)
	return err
}

// ClientStats is the subset of registry classification counts the
// exporter needs.
type ClientStats struct {
	Total       int
	Active      int
	Online      int
	Offline     int
	NeverPinged int
}

// ExecutorStats mirrors the worker pool gauges.
type ExecutorStats struct {
	MaxWorkers    int
	ActiveWorkers int
	IsShutdown    bool
}

// Collector owns every fleetwatch_* Prometheus metric and renders them
// on demand via Handler.
type Collector struct {
	startedAt time.Time
	log       hclog.Logger
	reg       *prometheus.Registry

	pingSubmitted      prometheus.Counter
	pingCompleted      prometheus.Counter
	pingFailed         prometheus.Counter
	requestTotal       prometheus.Counter
	requestDurationSum prometheus.Counter

	clientsTotal       prometheus.Gauge
	clientsActive      prometheus.Gauge
	clientsOnline      prometheus.Gauge
	clientsOffline     prometheus.Gauge
	clientsNeverPinged prometheus.Gauge

	executorMaxWorkers    prometheus.Gauge
	executorActiveThreads prometheus.Gauge
	executorIsShutdown    prometheus.Gauge

	appUptime prometheus.Gauge

	sysCPUPercent     prometheus.Gauge
	sysMemPercent     prometheus.Gauge
	sysMemUsedBytes   prometheus.Gauge
	sysMemTotalBytes  prometheus.Gauge
	sysDiskPercent    prometheus.Gauge
	sysDiskUsedBytes  prometheus.Gauge
	sysDiskTotalBytes prometheus.Gauge

	runtimeGoroutines prometheus.Gauge

	sysMu          sync.Mutex
	sysCacheAt     time.Time
	cachedSnapshot systemSnapshot
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New constructs a Collector with its own private registry so multiple
// fleetwatch processes in one test binary never collide on the default
// global registry.
func New(log hclog.Logger) *Collector {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	c := &Collector{
		startedAt: time.Now(),
		log:       log.Named("metrics"),
		reg:       prometheus.NewRegistry(),

		pingSubmitted:      counter("fleetwatch_ping_submitted_total", "Probe tasks submitted to the worker pool."),
		pingCompleted:      counter("fleetwatch_ping_completed_total", "Probe tasks that finished, success or failure."),
		pingFailed:         counter("fleetwatch_ping_failed_total", "Probe tasks that finished unsuccessfully."),
		requestTotal:       counter("fleetwatch_app_request_total", "HTTP API requests served."),
		requestDurationSum: counter("fleetwatch_app_request_duration_seconds_sum", "Cumulative HTTP API request duration."),

		clientsTotal:       gauge("fleetwatch_clients_total", "Registered overlay members."),
		clientsActive:      gauge("fleetwatch_clients_active", "Members seen within the offline threshold."),
		clientsOnline:      gauge("fleetwatch_clients_online", "Members whose last probe succeeded."),
		clientsOffline:     gauge("fleetwatch_clients_offline", "Members whose last probe failed."),
		clientsNeverPinged: gauge("fleetwatch_clients_never_pinged", "Members not yet probed."),

		executorMaxWorkers:    gauge("fleetwatch_executor_max_workers", "Configured worker pool size."),
		executorActiveThreads: gauge("fleetwatch_executor_active_threads", "Probes currently in flight."),
		executorIsShutdown:    gauge("fleetwatch_executor_is_shutdown", "1 if the worker pool is shutting down."),

		appUptime: gauge("fleetwatch_app_uptime_seconds", "Seconds since process start."),

		sysCPUPercent:     gauge("fleetwatch_system_cpu_percent", "Host CPU utilization."),
		sysMemPercent:     gauge("fleetwatch_system_memory_percent", "Host memory utilization."),
		sysMemUsedBytes:   gauge("fleetwatch_system_memory_used_bytes", "Host memory used."),
		sysMemTotalBytes:  gauge("fleetwatch_system_memory_total_bytes", "Host memory total."),
		sysDiskPercent:    gauge("fleetwatch_system_disk_percent", "Root filesystem utilization."),
		sysDiskUsedBytes:  gauge("fleetwatch_system_disk_used_bytes", "Root filesystem used bytes."),
		sysDiskTotalBytes: gauge("fleetwatch_system_disk_total_bytes", "Root filesystem total bytes."),

		runtimeGoroutines: gauge("fleetwatch_runtime_goroutines", "Live goroutines in the server process."),
	}

	c.reg.MustRegister(
		c.pingSubmitted, c.pingCompleted, c.pingFailed, c.requestTotal, c.requestDurationSum,
		c.clientsTotal, c.clientsActive, c.clientsOnline, c.clientsOffline, c.clientsNeverPinged,
		c.executorMaxWorkers, c.executorActiveThreads, c.executorIsShutdown,
		c.appUptime,
		c.sysCPUPercent, c.sysMemPercent, c.sysMemUsedBytes, c.sysMemTotalBytes,
		c.sysDiskPercent, c.sysDiskUsedBytes, c.sysDiskTotalBytes,
		c.runtimeGoroutines,
	)
	return c
}

// RecordPingSubmitted increments the submitted-probe counter.
func (c *Collector) RecordPingSubmitted() {
	c.pingSubmitted.Inc()
	gometrics.IncrCounter([]string{"ping", "submitted"}, 1)
}

// RecordPingResult increments the completed counter, and the failed
// counter too when ok is false.
func (c *Collector) RecordPingResult(ok bool) {
	c.pingCompleted.Inc()
	gometrics.IncrCounter([]string{"ping", "completed"}, 1)
	if !ok {
		c.pingFailed.Inc()
		gometrics.IncrCounter([]string{"ping", "failed"}, 1)
	}
}

// RecordRequest accounts one HTTP request of the given duration.
func (c *Collector) RecordRequest(d time.Duration) {
	c.requestTotal.Inc()
	c.requestDurationSum.Add(d.Seconds())
	gometrics.IncrCounter([]string{"app", "request"}, 1)
	gometrics.AddSample([]string{"app", "request", "duration"}, float32(d.Seconds()))
}

// Refresh sets every gauge to its current value. Callers invoke this
// immediately before serving a scrape so /metrics never reflects a
// stale worker-pool or client-count snapshot.
func (c *Collector) Refresh(clients ClientStats, exec ExecutorStats) {
	c.clientsTotal.Set(float64(clients.Total))
	c.clientsActive.Set(float64(clients.Active))
	c.clientsOnline.Set(float64(clients.Online))
	c.clientsOffline.Set(float64(clients.Offline))
	c.clientsNeverPinged.Set(float64(clients.NeverPinged))

	c.executorMaxWorkers.Set(float64(exec.MaxWorkers))
	c.executorActiveThreads.Set(float64(exec.ActiveWorkers))
	c.executorIsShutdown.Set(boolToFloat(exec.IsShutdown))

	c.appUptime.Set(time.Since(c.startedAt).Seconds())
	c.runtimeGoroutines.Set(float64(runtime.NumGoroutine()))

	sys := c.systemStats()
	c.sysCPUPercent.Set(sys.cpuPercent)
	c.sysMemPercent.Set(sys.memPercent)
	c.sysMemUsedBytes.Set(float64(sys.memUsedBytes))
	c.sysMemTotalBytes.Set(float64(sys.memTotalBytes))
	c.sysDiskPercent.Set(sys.diskPercent)
	c.sysDiskUsedBytes.Set(float64(sys.diskUsedBytes))
	c.sysDiskTotalBytes.Set(float64(sys.diskTotalBytes))
}

// Handler returns the http.Handler serving this collector's metrics as
// Prometheus text exposition. Callers must call Refresh first.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

type systemSnapshot struct {
	cpuPercent     float64
	memPercent     float64
	memUsedBytes   uint64
	memTotalBytes  uint64
	diskPercent    float64
	diskUsedBytes  uint64
	diskTotalBytes uint64
}

// systemStats refreshes (subject to the TTL cache) and returns CPU,
// memory, and disk utilization.
func (c *Collector) systemStats() systemSnapshot {
	c.sysMu.Lock()
	defer c.sysMu.Unlock()

	if time.Since(c.sysCacheAt) < systemCacheTTL {
		return c.lastSnapshot()
	}

	var snap systemSnapshot
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.cpuPercent = pcts[0]
	} else if err != nil {
		c.log.Debug("cpu.Percent failed", "error", err)
	}
	if vm, err := gopsmem.VirtualMemory(); err == nil {
		snap.memPercent = vm.UsedPercent
		snap.memUsedBytes = vm.Used
		snap.memTotalBytes = vm.Total
	} else {
		c.log.Debug("mem.VirtualMemory failed", "error", err)
	}
	if du, err := disk.Usage("/"); err == nil {
		snap.diskPercent = du.UsedPercent
		snap.diskUsedBytes = du.Used
		snap.diskTotalBytes = du.Total
	} else {
		c.log.Debug("disk.Usage failed", "error", err)
	}

	c.sysCacheAt = time.Now()
	c.cachedSnapshot = snap
	return snap
}

func (c *Collector) lastSnapshot() systemSnapshot {
	return c.cachedSnapshot
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Uptime returns time elapsed since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startedAt)
}
