package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRefreshAndHandlerExposesCounters(t *testing.T) {
	c := New(nil)
	c.RecordPingSubmitted()
	c.RecordPingResult(true)
	c.RecordPingResult(false)
	c.RecordRequest(50 * time.Millisecond)

	c.Refresh(ClientStats{Total: 3, Active: 2, Online: 1, Offline: 1, NeverPinged: 1},
		ExecutorStats{MaxWorkers: 4, ActiveWorkers: 1})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"fleetwatch_ping_submitted_total 1",
		"fleetwatch_ping_completed_total 2",
		"fleetwatch_ping_failed_total 1",
		"fleetwatch_clients_total 3",
		"fleetwatch_executor_max_workers 4",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestUptimeIncreases(t *testing.T) {
	c := New(nil)
	time.Sleep(5 * time.Millisecond)
	if c.Uptime() <= 0 {
		t.Fatalf("expected positive uptime")
	}
}
