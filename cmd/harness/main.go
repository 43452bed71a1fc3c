// Command harness runs the agentic execution core as a CLI: one prompt in,
// the resulting session transcript on disk, agent events on stdout.
package main

import (
	"fmt"
	"os"

	"github.com/brightloop-dev/agentharness/cmd/harness/internal/app"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "harness",
		Short:         "Run the agentic execution core against an LLM endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(app.NewRunCommand())
	root.AddCommand(app.NewReplayCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harness:", err)
		os.Exit(1)
	}
}
