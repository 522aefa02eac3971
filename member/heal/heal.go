// Package heal implements the agent's auto-heal loop: it watches
// reachability of a configured overlay peer and, after enough
// consecutive failures, restarts the local overlay service and GUI
// with an exponentially growing cooldown between restart attempts.
package heal

import (
	"context"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zerotier-ops/fleetwatch/member/config"
	"github.com/zerotier-ops/fleetwatch/member/overlay"
	"github.com/zerotier-ops/fleetwatch/probe"
)

const (
	// MaxRestartFailures caps restart_failure_count; once reached the
	// loop stops attempting restarts and enters the longer network
	// recovery wait instead.
	MaxRestartFailures = 5

	heartbeatInterval      = 300 * time.Second
	networkRecoveryWait    = 300 * time.Second
	minConsecutiveFailures = 3
	errorRetryWait         = 10 * time.Second
	postRestartSettle      = 10 * time.Second

	guiStopSettle     = 1 * time.Second
	serviceStopSettle = 2 * time.Second
	serviceStartSettle = 3 * time.Second

	minLoopPeriod = 5 * time.Second
	maxCooldown   = 240 * time.Second
)

// ReportFunc notifies the server of this agent's IP after a successful
// recovery restart. Implementations should not block indefinitely;
// the loop waits for it synchronously per cycle.
type ReportFunc func(ctx context.Context) error

// overlayController is the subset of *overlay.Controller the restart
// strategy needs, narrowed so tests can exercise the cooldown and
// threshold logic without spinning up real processes.
type overlayController interface {
	Stop(ctx context.Context, role overlay.Role) error
	Start(ctx context.Context, role overlay.Role) error
}

// Loop runs the auto-heal cycle until its context is cancelled.
type Loop struct {
	cfg     *config.Config
	ctl     overlayController
	report  ReportFunc
	log     hclog.Logger
	probeFn func(ctx context.Context, host string, timeout time.Duration) bool

	consecutiveFailures int
	restartFailureCount int
	cooldownUntil        time.Time
	lastHeartbeatLog      time.Time
}

// New returns a Loop driving ctl against cfg's target peer, calling
// report after every successful recovery restart.
func New(cfg *config.Config, ctl overlayController, report ReportFunc, log hclog.Logger) *Loop {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Loop{
		cfg:     cfg,
		ctl:     ctl,
		report:  report,
		log:     log.Named("heal"),
		probeFn: probe.Ping,
	}
}

// Cooldown computes the restart backoff for restartFailureCount failed
// attempts so far, per the reference formula: base = max(10,
// restart_cooldown_sec); mult = min(16, 2^min(4,k)); cooldown =
// min(240, base*mult).
func Cooldown(restartCooldown time.Duration, restartFailureCount int) time.Duration {
	base := restartCooldown
	if base < 10*time.Second {
		base = 10 * time.Second
	}
	exp := restartFailureCount
	if exp > 4 {
		exp = 4
	}
	mult := math.Pow(2, float64(exp))
	if mult > 16 {
		mult = 16
	}
	cooldown := time.Duration(float64(base) * mult)
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	return cooldown
}

// Run blocks, executing one heal cycle per period (at least 5s, the
// configured ping interval otherwise) until ctx is cancelled. Any panic
// or error surfacing from a single cycle is logged and the loop
// continues after an interruptible wait, per the reference loop's
// never-exits-on-error contract.
func (l *Loop) Run(ctx context.Context) {
	period := l.cfg.PingInterval
	if period < minLoopPeriod {
		period = minLoopPeriod
	}

	for {
		l.runCycleSafely(ctx)

		if !interruptibleSleep(ctx, period) {
			return
		}
	}
}

func (l *Loop) runCycleSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in heal cycle, continuing after backoff", "panic", r)
			interruptibleSleep(ctx, errorRetryWait)
		}
	}()
	l.runCycle(ctx)
}

func (l *Loop) runCycle(ctx context.Context) {
	now := time.Now()
	if now.Sub(l.lastHeartbeatLog) >= heartbeatInterval || l.lastHeartbeatLog.IsZero() {
		l.log.Info("auto-heal heartbeat",
			"consecutive_failures", l.consecutiveFailures,
			"restart_failure_count", l.restartFailureCount)
		l.lastHeartbeatLog = now
	}

	if l.cfg.TargetIP == "" {
		return
	}

	if l.restartFailureCount >= MaxRestartFailures {
		if !interruptibleSleep(ctx, networkRecoveryWait) {
			return
		}
		if l.probeFn(ctx, l.cfg.TargetIP, l.cfg.PingTimeout) {
			l.consecutiveFailures = 0
			l.restartFailureCount = 0
			l.log.Info("network recovered, resuming normal auto-heal")
		}
		return
	}

	ok := l.probeFn(ctx, l.cfg.TargetIP, l.cfg.PingTimeout)
	if ok {
		if l.consecutiveFailures > 0 {
			l.consecutiveFailures = 0
		}
		if l.restartFailureCount > 0 {
			l.restartFailureCount = 0
			l.log.Info("overlay connectivity recovered")
		}
		return
	}

	l.consecutiveFailures++

	if l.consecutiveFailures >= minConsecutiveFailures && now.After(l.cooldownUntil) {
		l.attemptRestart(ctx, now)
	}
}

func (l *Loop) attemptRestart(ctx context.Context, now time.Time) {
	// Cooldown is computed from the failure count as it stood going
	// into this attempt, so the first failure of a run always cools
	// down for exactly base*1 rather than base*2.
	priorFailures := l.restartFailureCount
	success := l.restartStrategy(ctx)

	if success {
		l.restartFailureCount = 0
		if l.report != nil && interruptibleSleep(ctx, postRestartSettle) {
			if err := l.report(ctx); err != nil {
				l.log.Warn("failed to report ip after recovery restart", "error", err)
			} else {
				l.consecutiveFailures = 0
			}
		}
	} else {
		l.restartFailureCount++
	}

	l.cooldownUntil = now.Add(Cooldown(l.cfg.RestartCooldown, priorFailures))
}

// restartStrategy executes the stop-GUI, stop-service, start-service,
// start-GUI sequence, returning true only if both starts succeeded.
func (l *Loop) restartStrategy(ctx context.Context) bool {
	if err := l.ctl.Stop(ctx, overlay.RoleGUI); err != nil {
		l.log.Debug("stop gui failed (best-effort)", "error", err)
	}
	interruptibleSleep(ctx, guiStopSettle)

	if err := l.ctl.Stop(ctx, overlay.RoleService); err != nil {
		l.log.Warn("stop service failed", "error", err)
	}
	interruptibleSleep(ctx, serviceStopSettle)

	serviceErr := l.ctl.Start(ctx, overlay.RoleService)
	if serviceErr != nil {
		l.log.Error("start service failed during restart", "error", serviceErr)
	}
	interruptibleSleep(ctx, serviceStartSettle)

	guiErr := l.ctl.Start(ctx, overlay.RoleGUI)
	if guiErr != nil {
		l.log.Warn("start gui failed during restart", "error", guiErr)
	}

	return serviceErr == nil && guiErr == nil
}

// interruptibleSleep waits for d or ctx cancellation, reporting whether
// it completed the full wait (false means the caller should stop).
func interruptibleSleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
