package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/runtime/subagents"
	"github.com/google/uuid"
)

// WorkerState tracks one spawned worker's lifecycle.
type WorkerState string

const (
	WorkerRunning   WorkerState = "running"
	WorkerCompleted WorkerState = "completed"
	WorkerFailed    WorkerState = "failed"
	WorkerCancelled WorkerState = "cancelled"
)

// WorkerSpec describes one worker spawn request: a nested Loop with a
// distinct prompt, optional model override, optional tool subset, optional
// maximum turns, and an archetype chosen from the builtin set
// (general-purpose/explore/plan) or a caller-registered one.
type WorkerSpec struct {
	Archetype     string
	Instruction   string
	Model         string // empty uses the archetype's DefaultModel
	ToolWhitelist []string
	MaxTurns      int
	Background    bool
}

// WorkerRecord is the harvestable state of one spawned worker.
type WorkerRecord struct {
	ID       string
	Spec     WorkerSpec
	State    WorkerState
	Result   subagents.Result
	Err      error
	done     chan struct{}
}

// WorkerManager spawns nested Loop instances as named, optionally
// background, sub-tasks. It shares the process-wide Hook Registry and a
// working directory with its owning runtime. Foreground workers block the
// caller; background workers are harvestable by id.
type WorkerManager struct {
	logger *slog.Logger
	subMgr *subagents.Manager
	hooks  *HookRegistry

	mu      sync.Mutex
	workers map[string]*WorkerRecord
}

// RunFunc runs one worker's nested Loop to completion and returns its
// result; callers supply this so WorkerManager stays decoupled from how a
// Loop is constructed for a given archetype.
type RunFunc func(ctx context.Context, spec WorkerSpec) (subagents.Result, error)

// NewWorkerManager wires a subagent archetype registry and the shared hook
// registry.
func NewWorkerManager(subMgr *subagents.Manager, hooks *HookRegistry, logger *slog.Logger) *WorkerManager {
	if logger == nil {
		logger = slog.Default()
	}
	if hooks == nil {
		hooks = NewHookRegistry(logger)
	}
	return &WorkerManager{logger: logger, subMgr: subMgr, hooks: hooks, workers: make(map[string]*WorkerRecord)}
}

// Spawn starts a worker. Foreground workers (Background=false) block until
// the run function returns; background workers return immediately with an
// id that Harvest can later retrieve.
func (m *WorkerManager) Spawn(ctx context.Context, spec WorkerSpec, run RunFunc) (*WorkerRecord, error) {
	id := "wk_" + uuid.NewString()
	rec := &WorkerRecord{ID: id, Spec: spec, State: WorkerRunning, done: make(chan struct{})}

	m.mu.Lock()
	m.workers[id] = rec
	m.mu.Unlock()

	m.hooks.Run(ctx, HookWorkerStart, HookInput{WorkerID: id, WorkerKind: spec.Archetype})

	execute := func() {
		defer close(rec.done)
		res, err := run(ctx, spec)
		m.mu.Lock()
		defer m.mu.Unlock()
		rec.Result = res
		rec.Err = err
		switch {
		case ctx.Err() != nil:
			rec.State = WorkerCancelled
		case err != nil:
			rec.State = WorkerFailed
		default:
			rec.State = WorkerCompleted
		}
		m.hooks.Run(context.Background(), HookWorkerStop, HookInput{WorkerID: id, WorkerKind: spec.Archetype})
	}

	if spec.Background {
		go execute()
		return rec, nil
	}
	execute()
	if rec.Err != nil {
		return rec, rec.Err
	}
	return rec, nil
}

// Harvest retrieves a background worker's current record without blocking.
func (m *WorkerManager) Harvest(id string) (*WorkerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[id]
	return rec, ok
}

// Wait blocks until a background worker finishes or ctx is cancelled.
func (m *WorkerManager) Wait(ctx context.Context, id string) (*WorkerRecord, error) {
	m.mu.Lock()
	rec, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("harness: unknown worker %q", id)
	}
	select {
	case <-rec.done:
		return rec, nil
	case <-ctx.Done():
		return rec, ctx.Err()
	}
}
