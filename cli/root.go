// Package cli implements the aisrelay command line.
package cli

import (
	"fmt"
	"os"

	"github.com/coder/aisrelay/buildinfo"
	"github.com/coder/serpent"
)

// RootCmd holds state shared by every subcommand.
type RootCmd struct{}

// Command returns the root command with its subcommands attached.
func (r *RootCmd) Command() *serpent.Command {
	return &serpent.Command{
		Use: "aisrelay",
		Long: fmt.Sprintf("aisrelay %s relays AIS vessel reports from a TCP feed to downstream consumers.\n",
			buildinfo.Version()),
		Handler: func(inv *serpent.Invocation) error {
			return inv.Command.HelpHandler(inv)
		},
		Children: []*serpent.Command{
			r.server(),
			r.version(),
		},
	}
}

// RunWithSubcommands runs the root command against the process arguments
// and exits non-zero on error.
func (r *RootCmd) RunWithSubcommands() {
	err := r.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
