// Package server implements the "server" CLI command: it loads and
// validates the central server's config, then runs the server until a
// shutdown signal arrives.
package server

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zerotier-ops/fleetwatch/logsanitize"
	"github.com/zerotier-ops/fleetwatch/server"
	"github.com/zerotier-ops/fleetwatch/server/config"
)

// logRotation matches the reference implementation's RotatingFileHandler
// sizing: 10 MB per file, 5 backups kept.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 5
)

// New returns the "server" subcommand.
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
		"Path to the server's JSON config file.")
	c.help = "Usage: fleetwatch server [options]\n\n" +
		"Options:\n\n  -config=<path>  Path to the server's JSON config file."
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error loading config: %s", err))
		return 1
	}
	if warnings, err := cfg.Validate(c.configPath); err != nil {
		c.UI.Error(fmt.Sprintf("Invalid config: %s", err))
		return 1
	} else {
		for _, w := range warnings {
			c.UI.Warn(w)
		}
	}

	logOut, err := logOutput(cfg.LogFile)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error opening log file: %s", err))
		return 1
	}
	log := hclog.New(&hclog.LoggerOptions{
		Name:   "fleetwatch",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: logsanitize.NewWriter(logOut),
	})

	srv, err := server.New(c.configPath, cfg, log)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error starting server: %s", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Run(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("Server exited with error: %s", err))
		return 1
	}
	return 0
}

func (c *cmd) Synopsis() string { return synopsis }
func (c *cmd) Help() string     { return c.help }

const synopsis = "Runs the fleetwatch central server"

// logOutput returns stderr when path is empty, otherwise a lumberjack
// sink that rotates path at 10 MB, keeping 5 old files.
func logOutput(path string) (io.Writer, error) {
	if path == "" {
		return os.Stderr, nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
	}, nil
}
