// Package probe performs ICMP-style reachability checks by shelling out
// to the platform ping utility, judging success by exit code only. It
// never parses stdout, since ping's human-readable output is localized
// and therefore unsafe to pattern-match.
package probe

import (
	"context"
	"net/netip"
	"os/exec"
	"runtime"
	"strconv"
	"time"
)

// Ping runs a single ping against host with the given timeout and
// reports whether it succeeded. It blocks for at most timeout plus a
// small fixed buffer for process startup.
func Ping(ctx context.Context, host string, timeout time.Duration) bool {
	cmd, cancel := buildCommand(ctx, host, timeout)
	defer cancel()
	return cmd.Run() == nil
}

func buildCommand(ctx context.Context, host string, timeout time.Duration) (*exec.Cmd, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)

	isV6 := isIPv6(host)
	args := []string{"-c", "1"}
	switch runtime.GOOS {
	case "windows":
		args = []string{"-n", "1", "-w", strconv.Itoa(int(timeout.Milliseconds()))}
	case "darwin":
		args = append(args, "-W", strconv.Itoa(int(timeout.Milliseconds())))
	default: // linux and other unix
		args = append(args, "-W", strconv.Itoa(int(timeout.Seconds())))
	}
	if isV6 {
		args = append([]string{"-6"}, args...)
	}
	args = append(args, host)

	return exec.CommandContext(ctx, "ping", args...), cancel
}

// isIPv6 reports whether host parses as an IPv6 literal. Hostnames that
// are not literal addresses are treated as IPv4 for command construction
// purposes, matching the reference tool's conservative default.
func isIPv6(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return addr.Is6() && !addr.Is4In6()
}
