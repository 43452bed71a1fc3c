package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManagerForegroundSpawnBlocksAndReturnsResult(t *testing.T) {
	hooks := NewHookRegistry(nil)
	var starts, stops []string
	hooks.Register(HookWorkerStart, func(ctx context.Context, in HookInput) HookOutput {
		starts = append(starts, in.WorkerID)
		return HookOutput{Allow: true}
	})
	hooks.Register(HookWorkerStop, func(ctx context.Context, in HookInput) HookOutput {
		stops = append(stops, in.WorkerID)
		return HookOutput{Allow: true}
	})

	m := NewWorkerManager(nil, hooks, nil)
	rec, err := m.Spawn(context.Background(), WorkerSpec{Archetype: "general-purpose", Instruction: "do thing"},
		func(ctx context.Context, spec WorkerSpec) (subagents.Result, error) {
			return subagents.Result{Output: "done"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, WorkerCompleted, rec.State)
	assert.Equal(t, "done", rec.Result.Output)
	require.Len(t, starts, 1)
	require.Len(t, stops, 1)
	assert.Equal(t, rec.ID, starts[0])
	assert.Equal(t, rec.ID, stops[0])
}

func TestWorkerManagerForegroundSpawnPropagatesError(t *testing.T) {
	m := NewWorkerManager(nil, nil, nil)
	boom := errors.New("boom")
	rec, err := m.Spawn(context.Background(), WorkerSpec{Archetype: "explore"},
		func(ctx context.Context, spec WorkerSpec) (subagents.Result, error) {
			return subagents.Result{}, boom
		})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, WorkerFailed, rec.State)
}

func TestWorkerManagerBackgroundSpawnReturnsImmediatelyThenHarvests(t *testing.T) {
	m := NewWorkerManager(nil, nil, nil)
	release := make(chan struct{})
	rec, err := m.Spawn(context.Background(), WorkerSpec{Archetype: "plan", Background: true},
		func(ctx context.Context, spec WorkerSpec) (subagents.Result, error) {
			<-release
			return subagents.Result{Output: "later"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, WorkerRunning, rec.State)

	_, ok := m.Harvest(rec.ID)
	require.True(t, ok)

	close(release)
	waited, err := m.Wait(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkerCompleted, waited.State)
	assert.Equal(t, "later", waited.Result.Output)
}

func TestWorkerManagerWaitOnUnknownIDErrors(t *testing.T) {
	m := NewWorkerManager(nil, nil, nil)
	_, err := m.Wait(context.Background(), "wk_ghost")
	require.Error(t, err)
}

func TestWorkerManagerWaitRespectsContextCancellation(t *testing.T) {
	m := NewWorkerManager(nil, nil, nil)
	never := make(chan struct{})
	rec, err := m.Spawn(context.Background(), WorkerSpec{Archetype: "plan", Background: true},
		func(ctx context.Context, spec WorkerSpec) (subagents.Result, error) {
			<-never // the worker outlives this test; Wait must still return on its own ctx
			return subagents.Result{}, nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, waitErr := m.Wait(ctx, rec.ID)
	require.Error(t, waitErr)
}

func TestWorkerManagerHarvestUnknownIDReturnsFalse(t *testing.T) {
	m := NewWorkerManager(nil, nil, nil)
	_, ok := m.Harvest("nope")
	assert.False(t, ok)
}
