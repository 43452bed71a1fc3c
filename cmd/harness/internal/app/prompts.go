package app

import (
	"log/slog"
	"os"

	"github.com/cexll/agentsdk-go/pkg/prompts"
	"github.com/cexll/agentsdk-go/pkg/runtime/commands"
	"github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/cexll/agentsdk-go/pkg/tool"
	builtin "github.com/cexll/agentsdk-go/pkg/tool/builtin"
)

// discoveredPrompts holds the skills/commands/subagents found under a
// project's .claude directory, parsed once at startup.
type discoveredPrompts struct {
	skills   *skills.Registry
	commands *commands.Executor
}

// discoverPrompts parses workdir/.claude/{skills,commands,agents,hooks} via
// pkg/prompts and feeds the results into reg (as a Skill/SlashCommand tool
// pair) and subMgr (as additional subagent archetypes beyond the three
// builtins). Hook files are logged but not wired: this runtime's
// HookRegistry speaks the narrower {allow,reason,appendToResult} contract in
// hooks.go, not corehooks.ShellHook's richer shape.
func discoverPrompts(workdir string, reg *tool.Registry, subMgr *subagents.Manager, logger *slog.Logger) (*discoveredPrompts, error) {
	builtins := prompts.ParseWithOptions(os.DirFS(workdir), prompts.ParseOptions{})
	for _, err := range builtins.Errors {
		logger.Warn("harness: skipped malformed .claude entry", "error", err)
	}

	skillReg := skills.NewRegistry()
	for _, s := range builtins.Skills {
		if err := skillReg.Register(s.Definition, s.Handler); err != nil {
			logger.Warn("harness: register skill failed", "name", s.Definition.Name, "error", err)
		}
	}

	cmdExec := commands.NewExecutor()
	for _, c := range builtins.Commands {
		if err := cmdExec.Register(c.Definition, c.Handler); err != nil {
			logger.Warn("harness: register command failed", "name", c.Definition.Name, "error", err)
		}
	}

	for _, sa := range builtins.Subagents {
		if err := subMgr.Register(sa.Definition, sa.Handler); err != nil {
			logger.Warn("harness: register custom subagent failed", "name", sa.Definition.Name, "error", err)
		}
	}

	if len(builtins.Hooks) > 0 {
		logger.Info("harness: discovered .claude/hooks entries are not wired into the in-process hook registry", "count", len(builtins.Hooks))
	}

	if err := reg.Register(builtin.NewSkillTool(skillReg, nil)); err != nil {
		return nil, err
	}
	if err := reg.Register(builtin.NewSlashCommandTool(cmdExec)); err != nil {
		return nil, err
	}

	return &discoveredPrompts{skills: skillReg, commands: cmdExec}, nil
}
