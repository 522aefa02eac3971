package member

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zerotier-ops/fleetwatch/member/config"
)

func testAgent(t *testing.T, serverBase string) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.ServerBase = serverBase
	cfg.OverlayServicePaths = []string{"/usr/sbin"}
	return New(cfg, nil)
}

func TestDiscoverOverlayIPsSkipsLoopback(t *testing.T) {
	ips, err := discoverOverlayIPs()
	if err != nil {
		t.Fatalf("discoverOverlayIPs: %v", err)
	}
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed != nil && parsed.IsLoopback() {
			t.Fatalf("discoverOverlayIPs returned loopback address %q", ip)
		}
	}
}

func TestReportIPsPostsToRememberEndpoint(t *testing.T) {
	var gotPath string
	var gotBody map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := testAgent(t, srv.URL)

	ips, err := discoverOverlayIPs()
	if err != nil {
		t.Fatalf("discoverOverlayIPs: %v", err)
	}
	if len(ips) == 0 {
		t.Skip("no eligible overlay ip on this host to exercise ReportIPs against")
	}

	if err := a.ReportIPs(context.Background()); err != nil {
		t.Fatalf("ReportIPs: %v", err)
	}
	if gotPath != "/clients/remember" {
		t.Fatalf("path = %q, want /clients/remember", gotPath)
	}
	if len(gotBody["ips"]) == 0 {
		t.Fatal("expected at least one ip in the request body")
	}
}

func TestGetJSONPrettyPrintsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	a := testAgent(t, srv.URL)

	var gotOutput string
	ui := &collectingUi{outputFn: func(s string) { gotOutput += s }}
	if err := a.getJSON(context.Background(), ui, "/health"); err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if !strings.Contains(gotOutput, `"status"`) {
		t.Fatalf("output = %q, want it to contain the response body", gotOutput)
	}
}

func TestReportIPsTrimsTrailingSlashInServerBase(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := testAgent(t, srv.URL+"/")
	ips, err := discoverOverlayIPs()
	if err != nil || len(ips) == 0 {
		t.Skip("no eligible overlay ip on this host")
	}
	if err := a.ReportIPs(context.Background()); err != nil {
		t.Fatalf("ReportIPs: %v", err)
	}
	if gotPath != "/clients/remember" {
		t.Fatalf("path = %q, want /clients/remember (no double slash)", gotPath)
	}
}

// collectingUi is a minimal cli.Ui stub for tests that only need Output.
type collectingUi struct {
	outputFn func(string)
}

func (u *collectingUi) Ask(string) (string, error)       { return "", nil }
func (u *collectingUi) AskSecret(string) (string, error) { return "", nil }
func (u *collectingUi) Output(s string)                  { u.outputFn(s) }
func (u *collectingUi) Info(string)                      {}
func (u *collectingUi) Error(string)                     {}
func (u *collectingUi) Warn(string)                      {}
