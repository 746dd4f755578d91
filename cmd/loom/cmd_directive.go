package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loom/pkg/protocol"
)

// newDirectiveCmd creates the "loom directive" subcommand.
func newDirectiveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "directive <pause|resume|drain>",
		Short: "Send an operator directive to the daemon",
		Long: `Adjusts dispatch without restarting the daemon.

  pause   - hold new job dispatch, in-flight jobs keep running
  resume  - resume dispatch (clears pause and drain)
  drain   - stop dispatching and let in-flight jobs finish`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := protocol.Directive(args[0])
			if !d.Valid() {
				return fmt.Errorf("unknown directive %q (want pause, resume or drain)", args[0])
			}
			baseURL, err := daemonBaseURL(addr)
			if err != nil {
				return err
			}
			body := map[string]protocol.Directive{"directive": d}
			if err := apiPost(cmd.Context(), baseURL, "/v1/directives", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "directive %s applied\n", d)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: from config)")
	return cmd
}
