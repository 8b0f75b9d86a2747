// Command quicd is a small client/server harness for the quic engine,
// built around cobra so each mode is its own subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "quicd",
		Short:         "Minimal QUIC client/server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServerCommand(), newClientCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "quicd:", err)
		os.Exit(1)
	}
}
