package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brightloop-dev/agentharness/pkg/harness"
	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/cexll/agentsdk-go/pkg/tool"
	builtin "github.com/cexll/agentsdk-go/pkg/tool/builtin"
	"github.com/google/uuid"
)

// subagentRuntime holds everything a worker's nested harness.Loop needs:
// the parent's transport and hook registry, its full tool set, and enough
// of its LoopConfig to build an equivalent one scoped to a tool whitelist
// and an optional model override.
type subagentRuntime struct {
	transport *harness.TransportClient
	hooks     *harness.HookRegistry
	registry  *tool.Registry
	toolDefs  []harness.ToolDefinition
	tracer    harness.Tracer
	model     string
	maxTokens int
	maxTurns  int
	workdir   string
	home      string
}

// buildSubagentManager registers every builtin archetype
// (general-purpose/explore/plan) against sr's nested-loop handler. Custom
// archetypes discovered from disk would register the same way, with their
// own Definition in place of subagents.BuiltinDefinitions.
func (sr *subagentRuntime) buildSubagentManager() (*subagents.Manager, error) {
	mgr := subagents.NewManager()
	handler := sr.buildHandler()
	for _, def := range subagents.BuiltinDefinitions() {
		if err := mgr.Register(def, handler); err != nil {
			return nil, fmt.Errorf("register subagent %s: %w", def.Name, err)
		}
	}
	return mgr, nil
}

// buildHandler returns the subagents.Handler every archetype shares: spin
// up a nested Loop with its own session and transcript, run req.Instruction
// as the sole user turn, and report the final assistant text as Output.
func (sr *subagentRuntime) buildHandler() subagents.Handler {
	return subagents.HandlerFunc(func(ctx context.Context, subCtx subagents.Context, req subagents.Request) (subagents.Result, error) {
		reg, err := subsetRegistry(sr.registry, subCtx.ToolWhitelist)
		if err != nil {
			return subagents.Result{}, err
		}
		defs := sr.toolDefs
		if len(subCtx.ToolWhitelist) > 0 {
			defs = filterToolDefs(sr.toolDefs, subCtx.ToolWhitelist)
		}

		model := subCtx.Model
		if override, ok := req.Metadata["model"].(string); ok && override != "" {
			model = override
		}
		if model == "" {
			model = sr.model
		}

		dispatcher := harness.NewDispatcher(reg, sr.hooks).WithTracer(sr.tracer).WithToolTimeout("Bash", maxBashTimeout)
		sessionID := "wk-" + uuid.NewString()
		transcript := harness.NewTranscript(harness.TranscriptPath(sr.home, sr.workdir, sessionID), nil)
		loop := harness.NewLoop(sr.transport, dispatcher, transcript, harness.LoopConfig{
			Model:     model,
			MaxTokens: sr.maxTokens,
			Tools:     defs,
			MaxTurns:  sr.maxTurns,
		}, nil).WithTracer(sr.tracer)

		session := &harness.Session{ID: sessionID, WorkingDir: sr.workdir}
		done := loop.Run(ctx, session, []harness.Message{
			{Role: harness.RoleUser, Content: []harness.Block{{Type: harness.BlockText, Text: req.Instruction}}},
		}, nil)

		return subagents.Result{
			Output:   finalAssistantText(session),
			Metadata: map[string]any{"turns": done.TurnCount, "stop_reason": string(done.StopReason)},
		}, nil
	})
}

// finalAssistantText concatenates every text block of the last assistant
// message in session, or "" if the session never produced one (e.g. it was
// cancelled before any turn completed).
func finalAssistantText(session *harness.Session) string {
	if len(session.Messages) == 0 {
		return ""
	}
	last := session.Messages[len(session.Messages)-1]
	if last.Role != harness.RoleAssistant {
		return ""
	}
	var b strings.Builder
	for _, block := range last.Content {
		if block.Type == harness.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// subsetRegistry returns a registry containing only the named tools from
// base, or base itself when names is empty (no whitelist means full access).
func subsetRegistry(base *tool.Registry, names []string) (*tool.Registry, error) {
	if len(names) == 0 {
		return base, nil
	}
	sub := tool.NewRegistry()
	for _, name := range names {
		t, err := base.Get(name)
		if err != nil {
			return nil, fmt.Errorf("worker tool whitelist: %w", err)
		}
		if err := sub.Register(t); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func filterToolDefs(defs []harness.ToolDefinition, names []string) []harness.ToolDefinition {
	allow := make(map[string]struct{}, len(names))
	for _, n := range names {
		allow[n] = struct{}{}
	}
	out := make([]harness.ToolDefinition, 0, len(names))
	for _, d := range defs {
		if _, ok := allow[d.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// buildTaskRunner adapts the Task tool's validated request into a
// harness.WorkerSpec spawn through wm, routed by subMgr's target selection.
// subagents.WithTaskDispatch authorizes the dispatch the same way the
// Manager's own ErrDispatchUnauthorized guard requires.
func buildTaskRunner(wm *harness.WorkerManager, subMgr *subagents.Manager) builtin.TaskRunner {
	return func(ctx context.Context, req builtin.TaskRequest) (*tool.ToolResult, error) {
		spec := harness.WorkerSpec{Archetype: req.SubagentType, Instruction: req.Prompt, Model: req.Model}
		taskCtx := subagents.WithTaskDispatch(ctx)

		rec, err := wm.Spawn(ctx, spec, func(_ context.Context, spec harness.WorkerSpec) (subagents.Result, error) {
			return subMgr.Dispatch(taskCtx, subagents.Request{
				Target:      spec.Archetype,
				Instruction: spec.Instruction,
				Metadata:    map[string]any{"model": spec.Model},
			})
		})
		if err != nil {
			return &tool.ToolResult{Success: false, Error: err}, nil
		}

		out := &tool.ToolResult{Success: rec.State == harness.WorkerCompleted, Output: fmt.Sprintf("%v", rec.Result.Output)}
		if rec.Result.Error != "" {
			out.Error = errors.New(rec.Result.Error)
		}
		return out, nil
	}
}
