// Package main implements the loom-dash interactive dashboard.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// snapshotMode fetches one readiness report and marshals it for scripts.
func snapshotMode(baseURL string) ([]byte, error) {
	report, err := fetchStatus(context.Background(), baseURL)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func main() {
	addr := flag.String("addr", defaultDaemonAddr(), "daemon address")
	snapshot := flag.Bool("snapshot", false, "print one JSON status snapshot and exit")
	flag.Parse()

	baseURL := normalizeBaseURL(*addr)

	if *snapshot {
		data, err := snapshotMode(baseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loom-dash: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "loom-dash: stdout is not a terminal (use --snapshot for scripted output)")
		os.Exit(1)
	}

	p := tea.NewProgram(newModel(baseURL), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
