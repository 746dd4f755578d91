package main

import (
	"fmt"

	"loom/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Loom staged code-generation pipeline",
		Long:          "loom runs submitted stories through a dependency-gated pipeline of\nprovider calls: draft, logic, then the optional quality gates.",
		Version:       fmt.Sprintf("loom %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newDirectiveCmd(),
		newStopCmd(),
	)

	return cmd
}
