// Package overlay controls the local overlay daemon's service process
// and optional desktop GUI: classifying running processes by name and
// install path, querying status through the platform service manager,
// and starting or stopping each independently.
package overlay

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/zerotier-ops/fleetwatch/member/config"
)

// errNoGUIBinary is returned by Start(ctx, RoleGUI) when none of the
// configured GUI candidate names resolve to an executable on PATH.
var errNoGUIBinary = errors.New("overlay: no gui binary found on PATH")

// Role distinguishes the overlay service process from its desktop GUI.
// The two are controlled, and classified, independently: stopping one
// must never touch the other.
type Role int

const (
	RoleService Role = iota
	RoleGUI
)

func (r Role) String() string {
	if r == RoleGUI {
		return "gui"
	}
	return "service"
}

// Status is the controller's view of a role's running state.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusUnknown  Status = "unknown"
	StatusNotFound Status = "not_found"
)

const (
	serviceStopGrace = 5 * time.Second
	guiStopGrace     = 3 * time.Second
)

// statusKeywords maps recognized service-manager status phrases, across
// the languages the reference tooling was observed to run under, to a
// normalized Status. Matching is substring-based and case-insensitive.
var statusKeywords = map[Status][]string{
	StatusRunning: {
		"running", "active (running)", "started",
		"正在运行", "运行中", "活动",
		"en cours", "actif", "démarré",
		"en ejecución", "activo", "iniciado",
		"実行中", "稼働中",
	},
	StatusStopped: {
		"stopped", "inactive (dead)", "not running", "dead",
		"已停止", "未运行", "停止",
		"arrêté", "inactif",
		"detenido", "inactivo",
		"停止中", "未実行",
	},
	StatusStarting: {
		"starting", "activating",
		"正在启动", "启动中",
		"démarrage",
		"iniciando",
		"起動中",
	},
}

// ClassifyStatusText maps a raw service-manager status string to a
// normalized Status, tolerating the localized phrasing different
// service managers and operating systems produce. Stopped phrases are
// checked first, since several of them ("not running", "inactif",
// "inactivo") contain a running phrase.
func ClassifyStatusText(raw string) Status {
	lower := strings.ToLower(raw)
	for _, status := range []Status{StatusStopped, StatusRunning, StatusStarting} {
		for _, kw := range statusKeywords[status] {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return status
			}
		}
	}
	return StatusUnknown
}

// Controller starts, stops, and queries the overlay service and GUI
// processes, using the name/path indicators from the agent config to
// tell the two apart.
type Controller struct {
	cfg *config.Config
	log hclog.Logger
}

// New returns a Controller driven by cfg's overlay name/path lists.
func New(cfg *config.Config, log hclog.Logger) *Controller {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Controller{cfg: cfg, log: log.Named("overlay")}
}

// Classify decides whether a process with the given executable name and
// path is the overlay service, its GUI, or neither. A path matching one
// role's indicators while the name matches the other's is treated as
// ambiguous and skipped, since guessing wrong here stops the wrong
// process.
func (c *Controller) Classify(name, path string) (Role, bool) {
	isServiceName := matchesAny(name, c.cfg.OverlayServiceNames)
	isGUIName := matchesAny(name, c.cfg.OverlayGUINames)
	isServicePath := containsAny(path, c.cfg.OverlayServicePaths)
	isGUIPath := containsAny(path, c.cfg.OverlayGUIPaths)

	switch {
	case isServiceName && isGUIPath:
		return 0, false
	case isGUIName && isServicePath:
		return 0, false
	case isServiceName && (isServicePath || !isGUIPath):
		return RoleService, true
	case isGUIName && (isGUIPath || !isServicePath):
		return RoleGUI, true
	default:
		return 0, false
	}
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(name, c) {
			return true
		}
	}
	return false
}

func containsAny(path string, indicators []string) bool {
	for _, ind := range indicators {
		if strings.Contains(path, ind) {
			return true
		}
	}
	return false
}

// processesForRole returns every running process classified as role.
func (c *Controller) processesForRole(ctx context.Context, role Role) ([]*process.Process, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*process.Process
	for _, p := range all {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		if r, ok := c.Classify(name, exe); ok && r == role {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// Status reports role's running state based on whether a matching
// process is currently alive.
func (c *Controller) Status(ctx context.Context, role Role) (Status, error) {
	procs, err := c.processesForRole(ctx, role)
	if err != nil {
		return StatusUnknown, err
	}
	if len(procs) == 0 {
		return StatusStopped, nil
	}
	return StatusRunning, nil
}

// Stop terminates every running process for role: a polite signal
// first, then a hard kill if it hasn't exited within the role's grace
// period. It never touches processes classified under the other role.
func (c *Controller) Stop(ctx context.Context, role Role) error {
	procs, err := c.processesForRole(ctx, role)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return nil
	}

	grace := serviceStopGrace
	if role == RoleGUI {
		grace = guiStopGrace
	}

	for _, p := range procs {
		if err := p.TerminateWithContext(ctx); err != nil {
			c.log.Debug("polite terminate failed, will hard-kill", "pid", p.Pid, "role", role, "error", err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		remaining, err := c.processesForRole(ctx, role)
		if err == nil && len(remaining) == 0 {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	remaining, err := c.processesForRole(ctx, role)
	if err != nil {
		return err
	}
	for _, p := range remaining {
		if err := p.KillWithContext(ctx); err != nil {
			c.log.Warn("hard kill failed", "pid", p.Pid, "role", role, "error", err)
		}
	}
	return nil
}

// Start launches role via the platform service manager (for
// RoleService: sc on Windows, launchctl on macOS, systemctl on every
// other platform) or by executing the first configured GUI name that
// resolves on PATH (for RoleGUI). When no GUI name resolves, it returns
// errNoGUIBinary rather than guessing at a binary to run.
func (c *Controller) Start(ctx context.Context, role Role) error {
	if role == RoleGUI {
		return c.startGUI(ctx)
	}
	return c.startService(ctx)
}

func (c *Controller) startService(ctx context.Context) error {
	name := firstOrDefault(c.cfg.OverlayServiceNames, "zerotier-one")
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.CommandContext(ctx, "sc", "start", name)
	case "darwin":
		cmd = exec.CommandContext(ctx, "launchctl", "start", name)
	default:
		cmd = exec.CommandContext(ctx, "systemctl", "start", name)
	}
	return cmd.Run()
}

func (c *Controller) startGUI(ctx context.Context) error {
	for _, candidate := range c.cfg.OverlayGUINames {
		if path, err := exec.LookPath(candidate); err == nil {
			return exec.CommandContext(ctx, path).Start()
		}
	}
	return errNoGUIBinary
}

func firstOrDefault(candidates []string, def string) string {
	if len(candidates) > 0 {
		return candidates[0]
	}
	return def
}

// DiscoveredPaths holds the install locations found on this host for a
// config that doesn't specify them explicitly.
type DiscoveredPaths struct {
	ServicePaths []string
	ServiceNames []string
	GUIPaths     []string
}

// windowsCommonLocations and linuxServiceBinaries mirror the reference
// client's conventional-install-location probe.
var (
	windowsCommonLocations = []string{
		`C:\ProgramData\ZeroTier\One`,
		`C:\Program Files\ZeroTier\One`,
		`C:\Program Files (x86)\ZeroTier\One`,
	}
	linuxServiceBinaries = []string{
		"/usr/sbin/zerotier-one",
		"/usr/local/sbin/zerotier-one",
		"/opt/zerotier-one/zerotier-one",
		"/usr/bin/zerotier-one",
	}
)

// DiscoverPaths probes this host's conventional ZeroTier install
// locations. It is read-only: the caller decides whether to apply the
// result to a config, and never calls this when the config already
// names explicit paths.
func DiscoverPaths() (DiscoveredPaths, error) {
	if runtime.GOOS == "windows" {
		return discoverWindowsPaths(), nil
	}
	return discoverUnixPaths(), nil
}

func discoverWindowsPaths() DiscoveredPaths {
	var out DiscoveredPaths
	for _, dir := range windowsCommonLocations {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		for _, exe := range []string{"zerotier-one_x64.exe", "zerotier-one.exe"} {
			p := dir + `\` + exe
			if _, err := os.Stat(p); err == nil {
				out.ServicePaths = appendUnique(out.ServicePaths, p)
			}
		}
		for _, exe := range []string{"zerotier_desktop_ui.exe", "ZeroTier One.exe"} {
			p := dir + `\` + exe
			if _, err := os.Stat(p); err == nil {
				out.GUIPaths = appendUnique(out.GUIPaths, p)
			}
		}
	}
	return out
}

func discoverUnixPaths() DiscoveredPaths {
	var out DiscoveredPaths
	if found, err := exec.LookPath("zerotier-one"); err == nil {
		out.ServicePaths = appendUnique(out.ServicePaths, found)
	}
	for _, p := range linuxServiceBinaries {
		if _, err := os.Stat(p); err == nil {
			out.ServicePaths = appendUnique(out.ServicePaths, p)
		}
	}
	out.ServiceNames = []string{"zerotier-one"}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// CheckPrivilege tests whether the process can run privileged commands
// non-interactively, so callers can surface a clear "needs elevation"
// error instead of hanging on an interactive sudo prompt.
func CheckPrivilege(ctx context.Context) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return exec.CommandContext(ctx, "sudo", "-n", "true").Run() == nil
}
