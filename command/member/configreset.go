package member

import (
	"flag"
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/zerotier-ops/fleetwatch/internal/configreset"
	"github.com/zerotier-ops/fleetwatch/member/config"
)

// NewConfigReset returns the "client config-reset" subcommand.
func NewConfigReset(ui cli.Ui, _ <-chan struct{}) *resetCmd {
	c := &resetCmd{UI: ui}
	c.init()
	return c
}

type resetCmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	help  string

	configPath string
	force      bool
}

func (c *resetCmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.configPath, "config", config.DefaultPath(),
		"Path to the agent's JSON config file.")
	c.flags.BoolVar(&c.force, "force", false, "Skip the confirmation prompt.")
	c.help = "Usage: fleetwatch client config-reset [options]\n\n" +
		"Backs up the agent config and lets the next start regenerate defaults."
}

func (c *resetCmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if !c.force {
		answer, err := c.UI.Ask(fmt.Sprintf("Reset %s? Type 'yes' to confirm:", c.configPath))
		if err != nil || answer != "yes" {
			c.UI.Output("Aborted.")
			return 1
		}
	}
	if err := configreset.Reset(c.configPath); err != nil {
		c.UI.Error(fmt.Sprintf("Error resetting config: %s", err))
		return 1
	}
	c.UI.Output(fmt.Sprintf("Backed up and reset %s", c.configPath))
	return 0
}

func (c *resetCmd) Synopsis() string { return "Resets the agent config to defaults" }
func (c *resetCmd) Help() string     { return c.help }
