package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"loom/pkg/eventlog"
)

// eventsConfig holds flags for the events command.
type eventsConfig struct {
	story    string
	job      string
	typ      string
	severity string
	since    time.Duration
	limit    int
	follow   bool
}

// newEventsCmd creates the "loom events" subcommand. It reads the durable
// log directly, so it works whether or not the daemon is up.
func newEventsCmd() *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the durable event log",
		Long:  "Displays pipeline lifecycle events from the state database.\nFilters compose; --follow polls for new events until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer reader.Close()

			if cfg.follow {
				return followEvents(cmd.Context(), cmd.OutOrStdout(), reader, cfg)
			}
			return printEvents(cmd.Context(), cmd.OutOrStdout(), reader, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.story, "story", "", "filter by story id")
	cmd.Flags().StringVar(&cfg.job, "job", "", "filter by job id")
	cmd.Flags().StringVar(&cfg.typ, "type", "", "filter by event type (e.g. job_failed)")
	cmd.Flags().StringVar(&cfg.severity, "severity", "", "filter by severity (info, warning, error)")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events newer than this (e.g. 30m, 2h)")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "maximum events to print (0 = no limit)")
	cmd.Flags().BoolVar(&cfg.follow, "follow", false, "poll for new events until interrupted")

	return cmd
}

func queryOpts(cfg eventsConfig) eventlog.QueryOpts {
	opts := eventlog.QueryOpts{
		StoryID:   cfg.story,
		JobID:     cfg.job,
		EventType: cfg.typ,
		Severity:  cfg.severity,
		Limit:     cfg.limit,
	}
	if cfg.since > 0 {
		after := time.Now().Add(-cfg.since)
		opts.After = &after
	}
	return opts
}

func printEvents(ctx context.Context, w io.Writer, reader *eventlog.Reader, cfg eventsConfig) error {
	events, err := reader.Query(ctx, queryOpts(cfg))
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	// Query returns newest first; print oldest first for reading order.
	for i := len(events) - 1; i >= 0; i-- {
		printEvent(w, events[i])
	}
	return nil
}

func followEvents(ctx context.Context, w io.Writer, reader *eventlog.Reader, cfg eventsConfig) error {
	if err := printEvents(ctx, w, reader, cfg); err != nil {
		return err
	}
	lastSeen := time.Now()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		opts := queryOpts(cfg)
		// After is inclusive; nudge past the newest event already printed.
		after := lastSeen.Add(time.Nanosecond)
		opts.After = &after
		opts.Limit = 0

		events, err := reader.Query(ctx, opts)
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		for i := len(events) - 1; i >= 0; i-- {
			printEvent(w, events[i])
			if events[i].CreatedAt.After(lastSeen) {
				lastSeen = events[i].CreatedAt
			}
		}
	}
}

func printEvent(w io.Writer, e eventlog.Event) {
	line := fmt.Sprintf("%s  %-8s %s", e.CreatedAt.Local().Format("15:04:05"), e.Severity, e.Type)
	if e.StoryID != "" {
		line += "  story=" + e.StoryID
	}
	if e.JobID != "" {
		line += "  job=" + e.JobID
	}
	if e.Metadata != "" {
		line += "  " + e.Metadata
	}
	fmt.Fprintln(w, line)
}
