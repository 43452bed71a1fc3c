package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brightloop-dev/agentharness/pkg/harness"
	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/cexll/agentsdk-go/pkg/tool"
	builtin "github.com/cexll/agentsdk-go/pkg/tool/builtin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct{ name string }

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) Schema() *tool.JSONSchema      { return nil }
func (s *stubTool) Execute(context.Context, map[string]interface{}) (*tool.ToolResult, error) {
	return &tool.ToolResult{Success: true, Output: s.name}, nil
}

func nestedEndTurnServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	body := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"" + text + "\"}}\n\n" +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
}

type staticToken struct{ token string }

func (s staticToken) Token(context.Context) (string, error) { return s.token, nil }
func (s staticToken) Refresh(context.Context) error          { return nil }

func newTestSubagentRuntime(t *testing.T, srv *httptest.Server) *subagentRuntime {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "glob"}))
	require.NoError(t, reg.Register(&stubTool{name: "grep"}))
	require.NoError(t, reg.Register(&stubTool{name: "read"}))
	require.NoError(t, reg.Register(&stubTool{name: "bash"}))

	return &subagentRuntime{
		transport: harness.NewTransportClient(srv.URL, staticToken{token: "x"}),
		hooks:     harness.NewHookRegistry(nil),
		registry:  reg,
		toolDefs: []harness.ToolDefinition{
			{Name: "glob"}, {Name: "grep"}, {Name: "read"}, {Name: "bash"},
		},
		model:     "claude-x",
		maxTokens: 100,
		maxTurns:  4,
		workdir:   t.TempDir(),
		home:      t.TempDir(),
	}
}

func TestBuildTaskRunnerDispatchesGeneralPurposeSubagent(t *testing.T) {
	srv := nestedEndTurnServer(t, "worker result")
	defer srv.Close()

	sr := newTestSubagentRuntime(t, srv)
	subMgr, err := sr.buildSubagentManager()
	require.NoError(t, err)

	wm := harness.NewWorkerManager(subMgr, sr.hooks, nil)
	runner := buildTaskRunner(wm, subMgr)

	result, err := runner(context.Background(), builtinTaskRequest("investigate the bug", subagents.TypeGeneralPurpose))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "worker result", result.Output)
}

func TestBuildTaskRunnerConvertsDispatchErrorIntoToolResultError(t *testing.T) {
	srv := nestedEndTurnServer(t, "unused")
	defer srv.Close()

	emptyMgr := subagents.NewManager() // nothing registered
	wm := harness.NewWorkerManager(emptyMgr, nil, nil)
	runner := buildTaskRunner(wm, emptyMgr)

	result, err := runner(context.Background(), builtinTaskRequest("do a thing", "plan"))
	require.NoError(t, err, "dispatch errors from Spawn surface through the ToolResult, not a Go error")
	assert.False(t, result.Success)
	require.Error(t, result.Error)
}

func TestSubsetRegistryRestrictsToWhitelist(t *testing.T) {
	base := tool.NewRegistry()
	require.NoError(t, base.Register(&stubTool{name: "glob"}))
	require.NoError(t, base.Register(&stubTool{name: "bash"}))

	sub, err := subsetRegistry(base, []string{"glob"})
	require.NoError(t, err)
	_, err = sub.Get("glob")
	require.NoError(t, err)
	_, err = sub.Get("bash")
	require.Error(t, err)
}

func TestSubsetRegistryEmptyWhitelistReturnsBaseUnchanged(t *testing.T) {
	base := tool.NewRegistry()
	require.NoError(t, base.Register(&stubTool{name: "glob"}))
	sub, err := subsetRegistry(base, nil)
	require.NoError(t, err)
	assert.Same(t, base, sub)
}

func TestFilterToolDefsKeepsOnlyNamedTools(t *testing.T) {
	defs := []harness.ToolDefinition{{Name: "glob"}, {Name: "bash"}, {Name: "read"}}
	out := filterToolDefs(defs, []string{"glob", "read"})
	require.Len(t, out, 2)
	assert.Equal(t, "glob", out[0].Name)
	assert.Equal(t, "read", out[1].Name)
}

func TestFinalAssistantTextReturnsEmptyWhenLastMessageNotAssistant(t *testing.T) {
	session := &harness.Session{Messages: []harness.Message{
		{Role: harness.RoleUser, Content: []harness.Block{{Type: harness.BlockText, Text: "hi"}}},
	}}
	assert.Equal(t, "", finalAssistantText(session))
}

func TestFinalAssistantTextConcatenatesTextBlocks(t *testing.T) {
	session := &harness.Session{Messages: []harness.Message{
		{Role: harness.RoleAssistant, Content: []harness.Block{
			{Type: harness.BlockText, Text: "hello "},
			{Type: harness.BlockText, Text: "world"},
		}},
	}}
	assert.Equal(t, "hello world", finalAssistantText(session))
}

func builtinTaskRequest(prompt, subagentType string) builtin.TaskRequest {
	return builtin.TaskRequest{Description: "quick task", Prompt: prompt, SubagentType: subagentType}
}
