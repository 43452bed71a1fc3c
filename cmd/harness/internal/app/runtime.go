// Package app assembles a harness.Loop from on-disk configuration and wires
// the builtin tool set, exposing it to the cobra commands in this package.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brightloop-dev/agentharness/internal/config"
	"github.com/brightloop-dev/agentharness/pkg/harness"
	claudeconfig "github.com/cexll/agentsdk-go/pkg/config"
	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/cexll/agentsdk-go/pkg/security"
	"github.com/cexll/agentsdk-go/pkg/tool"
	builtin "github.com/cexll/agentsdk-go/pkg/tool/builtin"
)

// staticCredentialProvider hands back a fixed bearer token. Refresh is a
// no-op: a static API key has nothing to exchange for a new one, so the
// transport's one-retry-on-401 policy simply fails through on a bad key
// rather than looping.
type staticCredentialProvider struct{ token string }

func (s staticCredentialProvider) Token(context.Context) (string, error) { return s.token, nil }
func (s staticCredentialProvider) Refresh(context.Context) error         { return nil }

// Runtime bundles the collaborators cmd/harness drives one session through.
type Runtime struct {
	Loop       *harness.Loop
	Hooks      *harness.HookRegistry
	Dispatcher *harness.Dispatcher
	Logger     *slog.Logger
	Config     *config.Config
	SessionID  string
	Workers    *harness.WorkerManager
	Subagents  *subagents.Manager
	Tracer     harness.Tracer
}

// anthropicBaseURL is the default streaming endpoint; ANTHROPIC_BASE_URL or
// the config file's provider.baseUrl override it.
const anthropicBaseURL = "https://api.anthropic.com/v1/messages"

// defaultMaxContextTokens is the context window assumed for the auto-compact
// ratio when the model's own limit isn't otherwise known.
const defaultMaxContextTokens = 200000

// maxBashTimeout is the ceiling the Dispatcher composes around Bash calls
// instead of defaultToolTimeout: the tool manages its own timeout parameter
// internally (capped at the same value) and needs headroom above it.
const maxBashTimeout = 60 * time.Minute

// Build loads config.json (plus env overrides), registers the builtin tool
// set sandboxed to workdir, and wires a ready-to-run harness.Loop.
func Build(workdir string) (*Runtime, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("no API key configured: set ANTHROPIC_API_KEY or HARNESS_API_KEY")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var sandbox *security.Sandbox
	if cfg.Tools.RestrictToWorkspace {
		sandbox = security.NewSandbox(workdir)
	} else {
		sandbox = security.NewDisabledSandbox()
	}

	taskTool := builtin.NewTaskTool()

	registry := tool.NewRegistry()
	for _, t := range []tool.Tool{
		builtin.NewBashToolWithSandbox(workdir, sandbox),
		builtin.NewReadToolWithSandbox(workdir, sandbox),
		builtin.NewWriteToolWithSandbox(workdir, sandbox),
		builtin.NewEditToolWithSandbox(workdir, sandbox),
		builtin.NewGlobToolWithSandbox(workdir, sandbox),
		builtin.NewGrepToolWithSandbox(workdir, sandbox),
		builtin.NewTodoWriteTool(),
		builtin.NewAskUserQuestionTool(),
		builtin.NewBashStatusTool(),
		builtin.NewKillTaskTool(),
		taskTool,
	} {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	hooks := harness.NewHookRegistry(logger)
	registerConfiguredHooks(hooks, cfg.Hooks, logger)

	tracer, err := harness.NewOTELTracer(context.Background(), harness.OTELConfig{
		Enabled:     cfg.OTEL.Enabled,
		ServiceName: cfg.OTEL.ServiceName,
		Endpoint:    cfg.OTEL.Endpoint,
		Insecure:    cfg.OTEL.Insecure,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("build otel tracer: %w", err)
	}

	dispatcher := harness.NewDispatcher(registry, hooks).WithTracer(tracer).WithToolTimeout("Bash", maxBashTimeout)

	baseURL := anthropicBaseURL
	if cfg.Provider.BaseURL != "" {
		baseURL = cfg.Provider.BaseURL
	}
	creds := staticCredentialProvider{token: cfg.Provider.APIKey}
	transport := harness.NewTransportClient(baseURL, creds)

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	sessionID := newSessionID()
	transcriptPath := harness.TranscriptPath(home, workdir, sessionID)
	transcript := harness.NewTranscript(transcriptPath, logger)

	// workerRuntime.toolDefs is filled in below once the tool registry is
	// final; buildHandler reads it through the pointer at dispatch time, not
	// at registration time, so this ordering is safe.
	workerRuntime := &subagentRuntime{
		transport: transport,
		hooks:     hooks,
		registry:  registry,
		tracer:    tracer,
		model:     cfg.Agent.Model,
		maxTokens: cfg.Agent.MaxTokens,
		maxTurns:  cfg.Agent.MaxToolIterations,
		workdir:   workdir,
		home:      home,
	}
	subMgr, err := workerRuntime.buildSubagentManager()
	if err != nil {
		return nil, fmt.Errorf("build subagent manager: %w", err)
	}
	workers := harness.NewWorkerManager(subMgr, hooks, logger)
	taskTool.SetRunner(buildTaskRunner(workers, subMgr))

	if _, err := discoverPrompts(workdir, registry, subMgr, logger); err != nil {
		return nil, fmt.Errorf("discover .claude prompts: %w", err)
	}

	// Settings are loaded for validation only; CLAUDE.md memory and the
	// .claude/rules content are the pieces threaded into the loop, via
	// LoopConfig.System.
	claudeFS := claudeconfig.NewFS(workdir, nil)
	if settings, err := (&claudeconfig.SettingsLoader{ProjectRoot: workdir, FS: claudeFS}).Load(); err != nil {
		logger.Warn("harness: failed to load .claude/settings.json", "error", err)
	} else if err := settings.Validate(); err != nil {
		logger.Warn("harness: invalid .claude settings, ignoring", "error", err)
	}
	memory, err := claudeconfig.LoadClaudeMD(workdir, claudeFS)
	if err != nil {
		logger.Warn("harness: failed to load CLAUDE.md", "error", err)
	}
	rulesLoader := claudeconfig.NewRulesLoader(workdir)
	if _, err := rulesLoader.LoadRules(); err != nil {
		logger.Warn("harness: failed to load .claude/rules", "error", err)
	}

	var systemPrompt []string
	if memory != "" {
		systemPrompt = append(systemPrompt, memory)
	}
	if rules := rulesLoader.GetContent(); rules != "" {
		systemPrompt = append(systemPrompt, rules)
	}

	tools := make([]harness.ToolDefinition, 0)
	for _, t := range registry.List() {
		tools = append(tools, harness.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schemaToMap(t.Schema()),
		})
	}
	workerRuntime.toolDefs = tools

	loopCfg := harness.LoopConfig{
		Model:     cfg.Agent.Model,
		MaxTokens: cfg.Agent.MaxTokens,
		Tools:     tools,
		MaxTurns:  cfg.Agent.MaxToolIterations,
		System:    systemPrompt,
		AutoCompact: &harness.AutoCompactConfig{
			Enabled:          cfg.AutoCompact.Enabled,
			MaxContextTokens: defaultMaxContextTokens,
			ThresholdPercent: cfg.AutoCompact.Threshold,
			Compactor:        windowCompactor(cfg.AutoCompact.PreserveCount),
		},
	}

	loop := harness.NewLoop(transport, dispatcher, transcript, loopCfg, logger).WithTracer(tracer)

	return &Runtime{
		Loop:       loop,
		Hooks:      hooks,
		Dispatcher: dispatcher,
		Logger:     logger,
		Config:     cfg,
		SessionID:  sessionID,
		Workers:    workers,
		Subagents:  subMgr,
		Tracer:     tracer,
	}, nil
}

// windowCompactor keeps the most recent keep messages and drops the rest,
// the simplest compaction strategy that still preserves the invariant that
// the first kept message is a user message (the Anthropic API rejects a
// history that doesn't start with one).
func windowCompactor(keep int) harness.Compactor {
	if keep <= 0 {
		keep = 20
	}
	return func(_ context.Context, messages []harness.Message) ([]harness.Message, error) {
		if len(messages) <= keep {
			return messages, nil
		}
		tail := messages[len(messages)-keep:]
		for i, m := range tail {
			if m.Role == harness.RoleUser {
				return tail[i:], nil
			}
		}
		return tail, nil
	}
}
