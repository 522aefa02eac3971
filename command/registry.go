// Package command builds the top-level CLI command table: one entry
// to run the central server, one to run the member agent.
package command

import (
	"os"
	"os/signal"
	"syscall"

	mcli "github.com/mitchellh/cli"

	cmdmember "github.com/zerotier-ops/fleetwatch/command/member"
	cmdserver "github.com/zerotier-ops/fleetwatch/command/server"
)

// RegisteredCommands returns the realized command table the top-level
// CLI dispatches against.
func RegisteredCommands(ui mcli.Ui) map[string]mcli.CommandFactory {
	shutdownCh := MakeShutdownCh()
	return map[string]mcli.CommandFactory{
		"server":              func() (mcli.Command, error) { return cmdserver.New(ui, shutdownCh), nil },
		"server config-reset": func() (mcli.Command, error) { return cmdserver.NewConfigReset(ui, shutdownCh), nil },
		"client":              func() (mcli.Command, error) { return cmdmember.New(ui, shutdownCh), nil },
		"client config-reset": func() (mcli.Command, error) { return cmdmember.NewConfigReset(ui, shutdownCh), nil },
	}
}

// MakeShutdownCh returns a channel that receives a value for every
// SIGINT or SIGTERM the process receives.
func MakeShutdownCh() <-chan struct{} {
	resultCh := make(chan struct{})
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			<-signalCh
			resultCh <- struct{}{}
		}
	}()
	return resultCh
}
