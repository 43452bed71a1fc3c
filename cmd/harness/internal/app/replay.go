package app

import (
	"fmt"
	"log/slog"

	"github.com/brightloop-dev/agentharness/pkg/harness"
	"github.com/spf13/cobra"
)

// NewReplayCommand loads a transcript file and prints a one-line summary per
// message, surfacing whether the load truncated a malformed tail.
func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <transcript.jsonl>",
		Short: "Load a transcript file and print its message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := harness.Load(args[0], slog.Default())
			if err != nil {
				return fmt.Errorf("load transcript: %w", err)
			}
			for i, m := range res.Messages {
				fmt.Printf("%3d  %-9s  %d block(s)\n", i, m.Role, len(m.Content))
			}
			if res.Truncation.Truncated {
				fmt.Printf("\n(transcript tail dropped: %s)\n", res.Truncation.Reason)
			}
			return nil
		},
	}
	return cmd
}
