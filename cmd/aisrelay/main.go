package main

import (
	_ "time/tzdata"

	"github.com/coder/aisrelay/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.RunWithSubcommands()
}
