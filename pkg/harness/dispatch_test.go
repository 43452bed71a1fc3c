package harness

import (
	"context"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name   string
	result *tool.ToolResult
	err    error
	delay  time.Duration
	calls  []map[string]any
}

func (f *fakeTool) Name() string             { return f.name }
func (f *fakeTool) Description() string      { return "fake" }
func (f *fakeTool) Schema() *tool.JSONSchema { return nil }
func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (*tool.ToolResult, error) {
	f.calls = append(f.calls, params)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func newRegistryWith(tools ...tool.Tool) *tool.Registry {
	reg := tool.NewRegistry()
	for _, t := range tools {
		_ = reg.Register(t)
	}
	return reg
}

func TestDispatchTurnSuccess(t *testing.T) {
	ft := &fakeTool{name: "echo", result: &tool.ToolResult{Success: true, Output: "ok"}}
	reg := newRegistryWith(ft)
	d := NewDispatcher(reg, nil)

	results := d.DispatchTurn(context.Background(), "sess-1", []Block{
		{Type: BlockToolUse, ID: "tu_1", Name: "echo", Input: map[string]any{"x": 1}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, BlockToolResult, results[0].Type)
	assert.Equal(t, "tu_1", results[0].ToolUseID)
	assert.Equal(t, "ok", results[0].Content)
	assert.False(t, results[0].IsError)
}

func TestDispatchTurnSequentialOrderPreserved(t *testing.T) {
	var order []string
	mk := func(name string) *fakeTool {
		return &fakeTool{name: name, result: &tool.ToolResult{Success: true, Output: name}}
	}
	a, b := mk("a"), mk("b")
	reg := newRegistryWith(a, b)
	d := NewDispatcher(reg, nil)

	calls := []Block{
		{Type: BlockToolUse, ID: "tu_a", Name: "a"},
		{Type: BlockToolUse, ID: "tu_b", Name: "b"},
	}
	results := d.DispatchTurn(context.Background(), "sess-1", calls)
	require.Len(t, results, 2)
	order = append(order, results[0].ToolUseID, results[1].ToolUseID)
	assert.Equal(t, []string{"tu_a", "tu_b"}, order)
}

func TestDispatchPreToolUseBlockSynthesizesExactMessage(t *testing.T) {
	ft := &fakeTool{name: "write", result: &tool.ToolResult{Success: true}}
	reg := newRegistryWith(ft)
	hooks := NewHookRegistry(nil)
	hooks.Register(HookPreToolUse, func(ctx context.Context, in HookInput) HookOutput {
		if in.ToolName == "write" {
			return HookOutput{Allow: false, Reason: "deny write"}
		}
		return HookOutput{Allow: true}
	})
	d := NewDispatcher(reg, hooks)

	results := d.DispatchTurn(context.Background(), "sess-1", []Block{
		{Type: BlockToolUse, ID: "tu_1", Name: "write"},
	})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "Tool blocked: deny write", results[0].Content)
	assert.Empty(t, ft.calls, "blocked call must never reach the tool")
}

func TestDispatchPostToolUseAppendsToResult(t *testing.T) {
	ft := &fakeTool{name: "echo", result: &tool.ToolResult{Success: true, Output: "base"}}
	reg := newRegistryWith(ft)
	hooks := NewHookRegistry(nil)
	hooks.Register(HookPostToolUse, func(ctx context.Context, in HookInput) HookOutput {
		return HookOutput{Allow: true, AppendToResult: "\n[audited]"}
	})
	d := NewDispatcher(reg, hooks)

	results := d.DispatchTurn(context.Background(), "sess-1", []Block{
		{Type: BlockToolUse, ID: "tu_1", Name: "echo"},
	})
	require.Len(t, results, 1)
	assert.Equal(t, "base\n[audited]", results[0].Content)
}

func TestDispatchUnknownToolReturnsIsErrorResult(t *testing.T) {
	reg := tool.NewRegistry()
	d := NewDispatcher(reg, nil)

	results := d.DispatchTurn(context.Background(), "sess-1", []Block{
		{Type: BlockToolUse, ID: "tu_1", Name: "missing"},
	})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestDispatchTimeoutFiresWithinBound(t *testing.T) {
	ft := &fakeTool{name: "slow", delay: 2 * time.Hour, result: &tool.ToolResult{Success: true}}
	reg := newRegistryWith(ft)
	d := NewDispatcher(reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.execute(ctx, "slow", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestWithToolTimeoutRaisesCeilingForNamedTool(t *testing.T) {
	ft := &fakeTool{name: "slow", delay: 50 * time.Millisecond, result: &tool.ToolResult{Success: true}}
	reg := newRegistryWith(ft)
	d := NewDispatcher(reg, nil).WithToolTimeout("slow", time.Hour)

	start := time.Now()
	res, err := d.execute(context.Background(), "slow", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Less(t, time.Since(start), time.Second, "raised ceiling must not itself delay a fast call")
}
