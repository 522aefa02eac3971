// Command fleetwatch is the entry point for both the central server
// and the member agent, dispatched by subcommand.
package main

import (
	"fmt"
	"os"

	mcli "github.com/mitchellh/cli"

	"github.com/zerotier-ops/fleetwatch/command"
	"github.com/zerotier-ops/fleetwatch/lib"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ui := &mcli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := mcli.NewCLI("fleetwatch", lib.Version)
	c.Args = args
	c.Commands = command.RegisteredCommands(ui)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return exitCode
}
