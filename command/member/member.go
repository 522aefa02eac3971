// Package member implements the "client" CLI command: it loads and
// validates the agent's config, starts the background auto-heal loop,
// and drives the interactive menu on the foreground goroutine until
// the user quits or a shutdown signal arrives.
package member

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zerotier-ops/fleetwatch/member"
	"github.com/zerotier-ops/fleetwatch/member/config"
)

// logRotation matches the reference implementation's RotatingFileHandler
// sizing: 10 MB per file, 5 backups kept.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 5
)

// New returns the "client" subcommand.
func New(ui cli.Ui, shutdownCh <-chan struct{}) *cmd {
	c := &cmd{UI: ui, shutdownCh: shutdownCh}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	shutdownCh <-chan struct{}
	configPath string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.configPath, "config", config.DefaultPath(),
		"Path to the agent's JSON config file.")
	c.help = "Usage: fleetwatch client [options]\n\n" +
		"Options:\n\n  -config=<path>  Path to the agent's JSON config file."
}

// Run loads the agent config, starts the background auto-heal loop (if
// enabled), and blocks on the interactive menu until the user quits or
// a shutdown signal arrives. Shutdown is: cancel the loop's context,
// wait up to 10s for it to join, then release the HTTP session -
// RunMenu and Run share the one Agent, so a single cancel stops both.
func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading config: %s", err))
		return 1
	}
	if err := cfg.Validate(); err != nil {
		c.UI.Error(fmt.Sprintf("Invalid config: %s", err))
		return 1
	}

	var logOut io.Writer = os.Stderr
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
		}
		defer lj.Close()
		logOut = lj
	}
	log := hclog.New(&hclog.LoggerOptions{
		Name:   "fleetwatch",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: logOut,
	})

	agent := member.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	healDone := make(chan struct{})
	go func() {
		defer close(healDone)
		agent.Run(ctx)
	}()

	go func() {
		select {
		case <-c.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	agent.RunMenu(ctx, c.UI)
	cancel()

	select {
	case <-healDone:
	case <-time.After(10 * time.Second):
		c.UI.Warn("auto-heal loop did not stop within 10s")
	}
	return 0
}

func (c *cmd) Synopsis() string { return synopsis }
func (c *cmd) Help() string     { return c.help }

const synopsis = "Runs the fleetwatch member agent and interactive menu"
