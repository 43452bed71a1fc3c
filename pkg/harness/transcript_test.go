package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptPathLayout(t *testing.T) {
	got := TranscriptPath("/home/alice", "/home/alice/project", "sess-1")
	want := filepath.Join("/home/alice", ".claude", "projects", "-home-alice-project", "sess-1.jsonl")
	assert.Equal(t, want, got)
}

func TestTranscriptAppendAndLoadTwoTurnCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-1.jsonl")
	tr := NewTranscript(path, nil)

	userMsg := Message{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "list files"}}}
	require.NoError(t, tr.AppendUser("sess-1", dir, userMsg))

	asstMsg := Message{Role: RoleAssistant, Content: []Block{
		{Type: BlockToolUse, ID: "tu_1", Name: "bash", Input: map[string]any{"command": "ls"}},
	}}
	require.NoError(t, tr.AppendAssistant("sess-1", dir, "req-1", "claude-x", "msg-1", StopToolUse, Usage{InputTokens: 10}, asstMsg))

	toolResultMsg := Message{Role: RoleUser, Content: []Block{{Type: BlockToolResult, ToolUseID: "tu_1", Content: "a.go\nb.go"}}}
	require.NoError(t, tr.AppendUser("sess-1", dir, toolResultMsg))

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.False(t, res.Truncation.Truncated)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, RoleUser, res.Messages[0].Role)
	assert.Equal(t, RoleAssistant, res.Messages[1].Role)
	assert.Equal(t, RoleUser, res.Messages[2].Role)
}

func TestTranscriptLoadMissingFileIsEmptyNotError(t *testing.T) {
	res, err := Load(filepath.Join(t.TempDir(), "nope.jsonl"), nil)
	require.NoError(t, err)
	assert.True(t, res.Loaded)
	assert.Empty(t, res.Messages)
}

func TestTranscriptLoadTruncatesOnInterruptedToolCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-2.jsonl")
	tr := NewTranscript(path, nil)

	require.NoError(t, tr.AppendUser("sess-2", dir, Message{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "run tests"}}}))
	require.NoError(t, tr.AppendAssistant("sess-2", dir, "req-1", "claude-x", "msg-1", StopToolUse, Usage{}, Message{
		Role:    RoleAssistant,
		Content: []Block{{Type: BlockToolUse, ID: "tu_1", Name: "bash"}},
	}))
	// the session was interrupted before the tool_result was ever appended.

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, res.Truncation.Truncated)
	assert.Equal(t, "missing_tool_result", res.Truncation.Reason)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, RoleUser, res.Messages[0].Role)
}

func TestTranscriptLoadSkipsMalformedLinesButKeepsRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-3.jsonl")

	body := `not even json
{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	res, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, RoleUser, res.Messages[0].Role)
	assert.Equal(t, RoleAssistant, res.Messages[1].Role)
}
