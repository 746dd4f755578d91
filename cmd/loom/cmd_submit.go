package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"loom/pkg/pipeline"
	"loom/pkg/protocol"
)

// newSubmitCmd creates the "loom submit" subcommand.
func newSubmitCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "submit <stories.yaml>",
		Short: "Submit a story batch to the daemon",
		Long:  "Reads a YAML story batch and posts it to the running daemon.\nThe batch is best-effort: invalid stories are reported, the rest proceed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stories, err := readStories(args[0])
			if err != nil {
				return err
			}
			baseURL, err := daemonBaseURL(addr)
			if err != nil {
				return err
			}

			var result pipeline.Result
			body := map[string][]protocol.Story{"stories": stories}
			if err := apiPost(cmd.Context(), baseURL, "/v1/stories", body, &result); err != nil {
				return err
			}
			printSubmitResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: from config)")
	return cmd
}

// readStories accepts either a bare YAML list or a {stories: [...]} document.
func readStories(path string) ([]protocol.Story, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stories file: %w", err)
	}

	var doc struct {
		Stories []protocol.Story `yaml:"stories"`
	}
	if err := yaml.Unmarshal(raw, &doc); err == nil && len(doc.Stories) > 0 {
		return doc.Stories, nil
	}

	var list []protocol.Story
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse stories file: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no stories in %s", path)
	}
	return list, nil
}

func printSubmitResult(w io.Writer, result pipeline.Result) {
	fmt.Fprintf(w, "submission %s: %d stories planned, %d jobs enqueued\n",
		result.SubmissionID, result.Processed, result.TotalJobs)
	for storyID, jobs := range result.JobIDs {
		fmt.Fprintf(w, "  %s: %d jobs\n", storyID, len(jobs))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
