// Package prettyprint formats agent and server status for the
// interactive terminal menu: colorized state words and aligned tables,
// kept separate from the agent's operational logic so its output can
// change freely without touching anything that drives behavior.
package prettyprint

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed)
	dimColor  = color.New(color.FgHiBlack)
)

// State classifies a status word for coloring purposes.
type State int

const (
	StateGood State = iota
	StateWarn
	StateBad
	StateUnknown
)

// Status renders word colorized by state. fatih/color sets
// color.NoColor when stdout is not a terminal, and word then comes back
// as plain text.
func Status(word string, state State) string {
	switch state {
	case StateGood:
		return okColor.Sprint(word)
	case StateWarn:
		return warnColor.Sprint(word)
	case StateBad:
		return badColor.Sprint(word)
	default:
		return dimColor.Sprint(word)
	}
}

// StateForOverlayStatus maps the overlay package's status strings to a
// coloring state without importing the overlay package here, so this
// package stays usable from both the agent and server CLIs.
func StateForOverlayStatus(status string) State {
	switch strings.ToLower(status) {
	case "running":
		return StateGood
	case "starting":
		return StateWarn
	case "stopped", "not_found":
		return StateBad
	default:
		return StateUnknown
	}
}

// Row is one line of a rendered table.
type Row []string

// Table writes a table with a header row to w, without an outer border.
func Table(w io.Writer, header []string, rows []Row) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(header)
	tw.SetAutoWrapText(false)
	tw.SetBorder(false)
	for _, r := range rows {
		tw.Append([]string(r))
	}
	tw.Render()
}

// FormatHostForDisplay truncates a long host identifier for
// fixed-width table columns, preserving the original's head and tail
// the way a human compares two runs of the same client list.
func FormatHostForDisplay(host string, maxLen int) string {
	if len(host) <= maxLen || maxLen <= 3 {
		return host
	}
	head := (maxLen - 3) / 2
	tail := maxLen - 3 - head
	return fmt.Sprintf("%s...%s", host[:head], host[len(host)-tail:])
}
