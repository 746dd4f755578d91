package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const stopWaitTimeout = 45 * time.Second

// newStopCmd creates the "loom stop" subcommand.
func newStopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Graceful shutdown of the daemon",
		Long:  "Sends SIGTERM to the daemon and waits for it to drain in-flight jobs\nand exit. On a terminal, asks for confirmation first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func runStop(cmd *cobra.Command, force bool) error {
	w := cmd.OutOrStdout()

	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	status, pid, err := DaemonStatus(paths.PIDPath)
	if err != nil {
		return err
	}

	switch status {
	case StatusStopped:
		fmt.Fprintln(w, "daemon is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		return RemovePIDFile(paths.PIDPath)
	case StatusRunning:
	}

	if !force && isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintf(w, "stop daemon (PID %d)? in-flight jobs will drain first [y/N]: ", pid)
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Fprintln(w, "aborted")
			return nil
		}
	}

	fmt.Fprintf(w, "sending SIGTERM to daemon (PID %d)\n", pid)
	if err := StopDaemon(paths.PIDPath); err != nil {
		return err
	}

	deadline := time.Now().Add(stopWaitTimeout)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			fmt.Fprintln(w, "daemon stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (PID %d) still running after %s", pid, stopWaitTimeout)
}
