package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond, // caps out and stays capped
	}
	for attempt, want := range want {
		got := backoffDelay(attempt + 1)
		assert.Equalf(t, want, got, "attempt %d", attempt+1)
	}
}

func TestNamespacedToolName(t *testing.T) {
	assert.Equal(t, "mcp__search__lookup", NamespacedToolName("search", "lookup"))
}

func TestMCPManagerCallToolUnknownServer(t *testing.T) {
	m := NewMCPManager(nil)
	_, err := m.CallTool(context.Background(), "ghost", "lookup", nil)
	require.Error(t, err)
	var merr *MCPError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, MCPServerUnavailable, merr.Kind)
}

func TestMCPManagerStateAndRestartCountDefaultForUnknownServer(t *testing.T) {
	m := NewMCPManager(nil)
	assert.Equal(t, ServerDisconnected, m.State("ghost"))
	assert.Equal(t, 0, m.RestartCount("ghost"))
}

func TestMCPManagerConnectFailureTransitionsToError(t *testing.T) {
	m := NewMCPManager(nil)
	spec := ServerSpec{Name: "broken", CommandSpec: "stdio:///nonexistent-binary-xyz --flag"}

	err := m.Connect(context.Background(), spec)
	require.Error(t, err)
	var merr *MCPError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, MCPServerUnavailable, merr.Kind)
	assert.Equal(t, ServerError, m.State("broken"))
}

func TestServerSpecDefaults(t *testing.T) {
	s := ServerSpec{}
	assert.Equal(t, 3, s.maxRestarts())
	assert.Equal(t, 30*time.Second, s.healthInterval())

	s2 := ServerSpec{MaxRestarts: 7, HealthCheckInterval: 5 * time.Second}
	assert.Equal(t, 7, s2.maxRestarts())
	assert.Equal(t, 5*time.Second, s2.healthInterval())
}

func TestMCPManagerShutdownOnNeverConnectedManagerIsSafe(t *testing.T) {
	m := NewMCPManager(nil)
	assert.NotPanics(t, func() {
		m.Shutdown(context.Background())
	})
}
