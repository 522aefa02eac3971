// Package httpapi implements the central server's HTTP surface:
// registration, listing, stats, health, config, and metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/zerotier-ops/fleetwatch/ipvalidate"
	"github.com/zerotier-ops/fleetwatch/server/config"
	"github.com/zerotier-ops/fleetwatch/server/metrics"
	"github.com/zerotier-ops/fleetwatch/server/record"
	"github.com/zerotier-ops/fleetwatch/server/registry"
	"github.com/zerotier-ops/fleetwatch/server/scheduler"
	"github.com/zerotier-ops/fleetwatch/server/worker"
)

const (
	maxIPsPerRequest = 20
	maxIPLength      = ipvalidate.MaxLength
)

// Registry is the subset of *registry.Registry the API handlers need.
type Registry interface {
	AddOrUpdate(ip string)
	GetAll() map[string]record.Record
	GetActive(threshold time.Duration) map[string]record.Record
	GetStats(threshold time.Duration) registry.Stats
	Size() int
}

// Scheduler is the subset of *scheduler.Scheduler the API needs for
// reconciliation on registration.
type Scheduler interface {
	AddClient(ip string, initial *record.Record)
	GetStats() scheduler.Stats
}

// WorkerStats is the subset of *worker.Manager exposed through /health
// and /metrics.
type WorkerStats interface {
	Stats() worker.ManagerStats
}

// Server wires the registry, scheduler, worker stats, config, and
// metrics collector into an http.Handler.
type Server struct {
	reg       Registry
	sched     Scheduler
	workers   WorkerStats
	metrics   *metrics.Collector
	cfg       func() *config.Config
	log       hclog.Logger
	startedAt time.Time
}

// New returns a configured Server. cfg must return the live config on
// every call so /health and /config reflect hot-reloaded values.
func New(reg Registry, sched Scheduler, workers WorkerStats, coll *metrics.Collector, cfg func() *config.Config, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{
		reg:       reg,
		sched:     sched,
		workers:   workers,
		metrics:   coll,
		cfg:       cfg,
		log:       log.Named("httpapi"),
		startedAt: time.Now(),
	}
}

// Handler builds the full mux, wrapped with request-id, metrics, auth,
// and (outermost) gzip middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /clients/remember", s.handleRemember)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("GET /clients/active", s.handleClientsActive)
	mux.HandleFunc("GET /clients/stats", s.handleClientsStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	var handler http.Handler = mux
	handler = s.withAuth(handler)
	handler = s.withMetrics(handler)
	handler = s.withRequestID(handler)

	gz, err := gziphandler.GzipHandlerWithOpts(gziphandler.CompressionLevel(gziphandler.DefaultCompression))
	if err != nil {
		s.log.Warn("failed to build gzip middleware, serving uncompressed", "error", err)
		return handler
	}
	return gz(handler)
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.GenerateUUID()
		if err != nil {
			id = "unknown"
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.metrics != nil {
			s.metrics.RecordRequest(time.Since(start))
		}
	})
}

// withAuth enforces Authorization: Bearer <api_key> on every path
// except /health and /metrics, when enable_api_auth is set.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg()
		if !cfg.EnableAPIAuth || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != cfg.APIKey {
			writeJSONError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

type rememberRequest struct {
	IPs []string `json:"ips"`
}

type rememberResponse struct {
	OK             bool `json:"ok"`
	Count          int  `json:"count"`
	TotalClients   int  `json:"total_clients"`
	FilteredCount  int  `json:"filtered_count"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.IPs) == 0 || len(req.IPs) > maxIPsPerRequest {
		writeJSONError(w, http.StatusBadRequest, "ips must contain between 1 and 20 entries")
		return
	}

	accepted := 0
	filtered := 0
	for _, ip := range req.IPs {
		if len(ip) > maxIPLength {
			filtered++
			continue
		}
		ok, reason := ipvalidate.Validate(ip)
		if !ok {
			s.log.Debug("rejected ip in registration", "ip", ip, "reason", reason)
			filtered++
			continue
		}
		s.reg.AddOrUpdate(ip)
		s.sched.AddClient(ip, nil)
		accepted++
	}

	if accepted == 0 {
		writeJSONError(w, http.StatusBadRequest, "no valid ips in request")
		return
	}

	writeJSON(w, http.StatusOK, rememberResponse{
		OK:            true,
		Count:         accepted,
		TotalClients:  s.reg.Size(),
		FilteredCount: filtered,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.GetAll())
}

func (s *Server) handleClientsActive(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	writeJSON(w, http.StatusOK, s.reg.GetActive(cfg.ClientOfflineThreshold))
}

func (s *Server) handleClientsStats(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	writeJSON(w, http.StatusOK, s.reg.GetStats(cfg.ClientOfflineThreshold))
}

// handleHealth never fails hard: any internal error is reported inside
// a 200 response with ok:false, matching the reference server's
// "health must never be the thing that's down" posture.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"ok":        false,
				"error":     "internal error computing health",
				"timestamp": time.Now().Unix(),
			})
		}
	}()

	cfg := s.cfg()
	clientStats := s.reg.GetStats(cfg.ClientOfflineThreshold)
	schedStats := s.sched.GetStats()
	var execStats worker.ManagerStats
	if s.workers != nil {
		execStats = s.workers.Stats()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"timestamp": time.Now().Unix(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"clients": map[string]int{
			"total":   clientStats.Total,
			"online":  clientStats.Online,
			"active":  clientStats.Active,
			"offline": clientStats.Offline,
		},
		"executor": map[string]interface{}{
			"executor_max_workers":    execStats.MaxWorkers,
			"executor_active_threads": execStats.ActiveWorkers,
			"executor_is_shutdown":    false,
		},
		"scheduler": map[string]interface{}{
			"total_clients":   schedStats.TotalClients,
			"queued_tasks":    schedStats.QueuedTasks,
			"active_versions": schedStats.ActiveVersions,
			"next_ping_in":    schedStats.NextPingIn.Seconds(),
		},
		"config": map[string]interface{}{
			"host":              cfg.Host,
			"port":              cfg.Port,
			"ping_interval_sec": cfg.PingInterval.Seconds(),
			"api_auth_enabled":  cfg.EnableAPIAuth,
		},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":                         cfg.Host,
		"port":                         cfg.Port,
		"ping_interval_sec":            cfg.PingInterval.Seconds(),
		"ping_timeout_sec":             cfg.PingTimeout.Seconds(),
		"ping_stagger_sec":             cfg.PingStagger.Seconds(),
		"max_concurrent_pings":         cfg.MaxConcurrentPings,
		"client_offline_threshold_sec": cfg.ClientOfflineThreshold.Seconds(),
		"save_interval_sec":            cfg.SaveInterval.Seconds(),
		"data_file":                    cfg.DataFile,
		"log_level":                    cfg.LogLevel,
		"enable_api_auth":              cfg.EnableAPIAuth,
		"api_key_set":                  cfg.APIKey != "",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	cfg := s.cfg()
	clientStats := s.reg.GetStats(cfg.ClientOfflineThreshold)
	var execStats worker.ManagerStats
	if s.workers != nil {
		execStats = s.workers.Stats()
	}
	s.metrics.Refresh(metrics.ClientStats{
		Total:       clientStats.Total,
		Active:      clientStats.Active,
		Online:      clientStats.Online,
		Offline:     clientStats.Offline,
		NeverPinged: clientStats.NeverPinged,
	}, metrics.ExecutorStats{
		MaxWorkers:    execStats.MaxWorkers,
		ActiveWorkers: execStats.ActiveWorkers,
	})
	s.metrics.Handler().ServeHTTP(w, r)
}
