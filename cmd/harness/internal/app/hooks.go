package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"regexp"
	"time"

	"github.com/brightloop-dev/agentharness/internal/config"
	"github.com/brightloop-dev/agentharness/pkg/harness"
)

// registerConfiguredHooks turns config.json's hooks.preToolUse/postToolUse
// shell commands into harness.HookHandler closures: each entry's command is
// run with the tool call JSON-encoded on stdin, and a nonzero exit blocks
// the call (PreToolUse) the same way the teacher's shell-based hook
// executor treats a nonzero exit as a deny.
func registerConfiguredHooks(reg *harness.HookRegistry, cfg config.HooksConfig, logger *slog.Logger) {
	for _, entry := range cfg.PreToolUse {
		reg.Register(harness.HookPreToolUse, shellHookHandler(entry, logger, false))
	}
	for _, entry := range cfg.PostToolUse {
		reg.Register(harness.HookPostToolUse, shellHookHandler(entry, logger, true))
	}
}

func shellHookHandler(entry config.HookEntry, logger *slog.Logger, post bool) harness.HookHandler {
	var pattern *regexp.Regexp
	if entry.Pattern != "" {
		if p, err := regexp.Compile(entry.Pattern); err == nil {
			pattern = p
		} else {
			logger.Warn("harness: invalid hook pattern, hook will never fire", "pattern", entry.Pattern, "error", err)
		}
	}
	timeout := time.Duration(entry.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(ctx context.Context, in harness.HookInput) harness.HookOutput {
		if pattern != nil && !pattern.MatchString(in.ToolName) {
			return harness.HookOutput{Allow: true}
		}

		payload, _ := json.Marshal(map[string]any{
			"tool_name":  in.ToolName,
			"tool_input": in.ToolInput,
			"tool_use_id": in.ToolUseID,
			"session_id": in.SessionID,
		})

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, "bash", "-c", entry.Command)
		cmd.Stdin = bytes.NewReader(payload)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		err := cmd.Run()

		if post {
			return harness.HookOutput{Allow: true, AppendToResult: stdout.String()}
		}
		if err != nil {
			return harness.HookOutput{Allow: false, Reason: entry.Command}
		}
		return harness.HookOutput{Allow: true}
	}
}
