package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/brightloop-dev/agentharness/pkg/harness"
	"github.com/spf13/cobra"
)

// NewRunCommand wires the "harness run" subcommand: one prompt, one
// session, streamed agent events on stdout, interrupted cleanly on
// SIGINT/SIGTERM so an in-flight turn is discarded rather than left
// half-written.
func NewRunCommand() *cobra.Command {
	var workdir string
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt through the agent loop to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if workdir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				workdir = wd
			}

			rt, err := Build(workdir)
			if err != nil {
				return err
			}
			defer rt.Tracer.Shutdown(context.Background())

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			session := &harness.Session{ID: rt.SessionID, WorkingDir: workdir}
			newMessages := []harness.Message{{
				Role:    harness.RoleUser,
				Content: []harness.Block{{Type: harness.BlockText, Text: prompt}},
			}}

			done := rt.Loop.Run(ctx, session, newMessages, printEvent)
			fmt.Printf("\n--- done: %s (turns=%d, session=%s) ---\n", done.StopReason, done.TurnCount, session.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for the session (default: cwd)")
	return cmd
}

func printEvent(ev harness.AgentEvent) {
	switch ev.Kind {
	case harness.AgentText:
		fmt.Print(ev.Text)
	case harness.AgentThinking:
		// thinking content is not rendered by default; ev.Text carries the
		// full block once it is available.
	case harness.AgentToolUse:
		fmt.Printf("\n[tool_use %s %s]\n", ev.Block.Name, ev.Block.ID)
	case harness.AgentToolResult:
		status := "ok"
		if ev.Block.IsError {
			status = "error"
		}
		fmt.Printf("[tool_result %s %s]\n", ev.Block.ToolUseID, status)
	case harness.AgentCompact:
		fmt.Printf("\n[compact %d -> %d messages]\n", ev.CompactInfo.PreviousMessageCount, ev.CompactInfo.NewMessageCount)
	case harness.AgentError:
		fmt.Fprintf(os.Stderr, "\n[error] %v\n", ev.Err)
	}
}
