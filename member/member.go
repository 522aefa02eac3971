// Package member wires the agent's config, overlay controller,
// auto-heal loop, and HTTP session into a runnable agent, and provides
// the interactive menu used by the CLI's "client" command.
package member

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/zerotier-ops/fleetwatch/internal/prettyprint"
	"github.com/zerotier-ops/fleetwatch/ipvalidate"
	"github.com/zerotier-ops/fleetwatch/member/config"
	"github.com/zerotier-ops/fleetwatch/member/heal"
	"github.com/zerotier-ops/fleetwatch/member/httpsession"
	"github.com/zerotier-ops/fleetwatch/member/overlay"
)

// Agent owns the running agent's subsystems: the overlay controller,
// the pooled HTTP session to the server, and the auto-heal loop.
type Agent struct {
	cfg     *config.Config
	ctl     *overlay.Controller
	session *httpsession.Session
	heal    *heal.Loop
	log     hclog.Logger
}

// New constructs an Agent from an already-loaded, already-validated
// config.
func New(cfg *config.Config, log hclog.Logger) *Agent {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("member")

	applyDiscoveredPaths(cfg, log)

	ctl := overlay.New(cfg, log)
	session := httpsession.New(log)

	a := &Agent{
		cfg:     cfg,
		ctl:     ctl,
		session: session,
		log:     log,
	}
	a.heal = heal.New(cfg, ctl, a.ReportIPs, log)
	return a
}

// Run starts the auto-heal background loop, if enabled, and blocks
// until ctx is cancelled, then releases the HTTP session. Per the
// concurrency model, the auto-heal loop is the agent's sole background
// thread; the interactive menu runs on the foreground goroutine via
// RunMenu, independently of this call.
func (a *Agent) Run(ctx context.Context) {
	defer a.session.Close()

	if !a.cfg.AutoHealEnabled {
		a.log.Info("auto-heal disabled by config, idling until shutdown")
		<-ctx.Done()
		return
	}
	a.heal.Run(ctx)
}

// applyDiscoveredPaths probes this host's conventional overlay install
// locations and fills in cfg's path lists in memory when the operator
// hasn't set them explicitly. It never writes the result back to disk,
// so an explicit (even empty-looking) config choice is never overridden
// on the next load.
func applyDiscoveredPaths(cfg *config.Config, log hclog.Logger) {
	if len(cfg.OverlayServicePaths) > 0 || len(cfg.OverlayGUIPaths) > 0 {
		return
	}
	found, err := overlay.DiscoverPaths()
	if err != nil {
		log.Debug("overlay path discovery failed", "error", err)
		return
	}
	if len(found.ServicePaths) > 0 {
		cfg.OverlayServicePaths = found.ServicePaths
	}
	if len(found.ServiceNames) > 0 && len(cfg.OverlayServiceNames) == 0 {
		cfg.OverlayServiceNames = found.ServiceNames
	}
	if len(found.GUIPaths) > 0 {
		cfg.OverlayGUIPaths = found.GUIPaths
	}
	log.Info("discovered overlay install paths",
		"service_paths", found.ServicePaths, "gui_paths", found.GUIPaths)
}

// ReportIPs discovers this host's overlay-eligible addresses and
// registers them with the configured server. It is the agent's half of
// agent.report(ips) in the system's data flow, called both from the
// interactive menu and automatically after a successful recovery
// restart.
func (a *Agent) ReportIPs(ctx context.Context) error {
	ips, err := discoverOverlayIPs()
	if err != nil {
		return fmt.Errorf("discover local ips: %w", err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no eligible overlay ips found on this host")
	}

	body, err := json.Marshal(map[string][]string{"ips": ips})
	if err != nil {
		return err
	}

	url := strings.TrimRight(a.cfg.ServerBase, "/") + "/clients/remember"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.session.Do(req)
	if err != nil {
		return fmt.Errorf("report ips: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report ips: server returned %s", resp.Status)
	}
	a.log.Info("reported ips to server", "count", len(ips))
	return nil
}

// discoverOverlayIPs enumerates this host's non-loopback interface
// addresses and keeps only those that pass the same registration
// validation the server enforces, so a host with no overlay interface
// configured never reports an address the server would reject anyway.
func discoverOverlayIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.String()
		if ok, _ := ipvalidate.Validate(ip); ok {
			out = append(out, ip)
		}
	}
	return out, nil
}

// menuOption describes one interactive menu entry.
type menuOption struct {
	key   string
	label string
	run   func(ctx context.Context, ui cli.Ui) error
}

// RunMenu drives the agent's interactive terminal menu on the calling
// goroutine until the user quits or ctx is cancelled. It is excluded
// from the system's hard core; it exists only to exercise the same
// Agent operations a human operator would invoke manually.
func (a *Agent) RunMenu(ctx context.Context, ui cli.Ui) {
	options := []menuOption{
		{"1", "Show overlay status", a.menuStatus},
		{"2", "Report IPs to server", func(ctx context.Context, ui cli.Ui) error { return a.ReportIPs(ctx) }},
		{"3", "Restart overlay service", a.menuRestart},
		{"4", "Check server health", a.menuServerHealth},
		{"5", "Show server client stats", a.menuServerStats},
		{"6", "Show server config", a.menuServerConfig},
		{"q", "Quit", nil},
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ui.Output("")
		ui.Output("fleetwatch agent menu:")
		for _, opt := range options {
			ui.Output(fmt.Sprintf("  %s) %s", opt.key, opt.label))
		}
		choice, err := ui.Ask("choice> ")
		if err != nil {
			return
		}
		choice = strings.TrimSpace(choice)
		if choice == "q" {
			return
		}

		matched := false
		for _, opt := range options {
			if opt.key != choice || opt.run == nil {
				continue
			}
			matched = true
			if err := opt.run(ctx, ui); err != nil {
				ui.Error(err.Error())
			}
			break
		}
		if !matched {
			ui.Warn("unrecognized choice")
		}
	}
}

func (a *Agent) menuStatus(ctx context.Context, ui cli.Ui) error {
	svcStatus, err := a.ctl.Status(ctx, overlay.RoleService)
	if err != nil {
		return err
	}
	guiStatus, err := a.ctl.Status(ctx, overlay.RoleGUI)
	if err != nil {
		return err
	}
	ui.Output(fmt.Sprintf("service: %s", prettyprint.Status(string(svcStatus), prettyprint.StateForOverlayStatus(string(svcStatus)))))
	ui.Output(fmt.Sprintf("gui:     %s", prettyprint.Status(string(guiStatus), prettyprint.StateForOverlayStatus(string(guiStatus)))))
	return nil
}

// menuServerHealth, menuServerStats, and menuServerConfig are read-only
// windows onto the server's own diagnostic endpoints, reusing the same
// pooled session ReportIPs uses rather than opening a one-off client.
func (a *Agent) menuServerHealth(ctx context.Context, ui cli.Ui) error {
	return a.getJSON(ctx, ui, "/health")
}

func (a *Agent) menuServerStats(ctx context.Context, ui cli.Ui) error {
	return a.getJSON(ctx, ui, "/clients/stats")
}

func (a *Agent) menuServerConfig(ctx context.Context, ui cli.Ui) error {
	return a.getJSON(ctx, ui, "/config")
}

func (a *Agent) getJSON(ctx context.Context, ui cli.Ui, path string) error {
	url := strings.TrimRight(a.cfg.ServerBase, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.session.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("server returned unparsable response: %w", err)
	}
	ui.Output(pretty.String())
	return nil
}

func (a *Agent) menuRestart(ctx context.Context, ui cli.Ui) error {
	if !overlay.CheckPrivilege(ctx) {
		return fmt.Errorf("restarting the overlay service needs elevation; run with sudo")
	}
	if err := a.ctl.Stop(ctx, overlay.RoleService); err != nil {
		return err
	}
	time.Sleep(2 * time.Second)
	return a.ctl.Start(ctx, overlay.RoleService)
}
