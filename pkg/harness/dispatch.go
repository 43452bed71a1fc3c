package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/cexll/agentsdk-go/pkg/tool"
)

const defaultToolTimeout = 2 * time.Minute

// Dispatcher executes tool_use blocks against a *tool.Registry with
// per-call timeout and cancellation composition, and runs the Hook Registry
// around each call. Multiple calls from one assistant turn are dispatched
// sequentially — never in parallel — to preserve tool_result write order
// and avoid races between tools that touch the filesystem.
type Dispatcher struct {
	registry     *tool.Registry
	hooks        *HookRegistry
	tracer       Tracer
	toolTimeouts map[string]time.Duration
}

// NewDispatcher ties a tool registry to a hook registry.
func NewDispatcher(registry *tool.Registry, hooks *HookRegistry) *Dispatcher {
	if hooks == nil {
		hooks = NewHookRegistry(nil)
	}
	return &Dispatcher{registry: registry, hooks: hooks, tracer: NewNoopTracer()}
}

// WithTracer attaches a Tracer that spans every tool dispatch. Returns d
// for chaining at construction time.
func (d *Dispatcher) WithTracer(tracer Tracer) *Dispatcher {
	if tracer != nil {
		d.tracer = tracer
	}
	return d
}

// WithToolTimeout raises the ambient deadline composed around calls to the
// named tool above defaultToolTimeout — for tools like Bash that manage
// their own internal timeout parameter and need headroom above it. Returns
// d for chaining at construction time.
func (d *Dispatcher) WithToolTimeout(name string, timeout time.Duration) *Dispatcher {
	if d.toolTimeouts == nil {
		d.toolTimeouts = make(map[string]time.Duration)
	}
	d.toolTimeouts[name] = timeout
	return d
}

// DispatchTurn executes every tool_use block in callOrder and returns the
// paired tool_result blocks in the same order, ready to be collected into a
// single user message per the agent loop's step 6.
func (d *Dispatcher) DispatchTurn(ctx context.Context, sessionID string, calls []Block) []Block {
	results := make([]Block, 0, len(calls))
	for _, call := range calls {
		results = append(results, d.dispatchOne(ctx, sessionID, call))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sessionID string, call Block) Block {
	input := call.Input

	preOut := d.hooks.Run(ctx, HookPreToolUse, HookInput{
		ToolName: call.Name, ToolInput: input, ToolUseID: call.ID, SessionID: sessionID,
	})
	if !preOut.Allow {
		return toolResultBlock(call.ID, fmt.Sprintf("Tool blocked: %s", preOut.Reason), true)
	}
	if preOut.Modified != nil {
		input = preOut.Modified
	}

	ctx, span := d.tracer.StartTool(ctx, call.Name)
	result, err := d.execute(ctx, call.Name, input)
	span.End(err)

	var content string
	var isError bool
	switch {
	case err != nil:
		content = err.Error()
		isError = true
	case result != nil:
		content = result.Output
		isError = !result.Success
	default:
		content = ""
	}

	postOut := d.hooks.Run(ctx, HookPostToolUse, HookInput{
		ToolName: call.Name, ToolInput: input, ToolUseID: call.ID, SessionID: sessionID, Result: result,
	})
	if postOut.AppendToResult != "" {
		content += postOut.AppendToResult
	}

	return toolResultBlock(call.ID, content, isError)
}

func toolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// execute composes a fresh cancellation token with ctx, races the tool call
// against a timer, and returns a typed timeout error if the timer wins.
func (d *Dispatcher) execute(ctx context.Context, name string, input map[string]any) (*tool.ToolResult, error) {
	t, err := d.registry.Get(name)
	if err != nil {
		return nil, &ToolError{Kind: ToolNotFound, Name: name, Err: err}
	}

	timeout := defaultToolTimeout
	if m, ok := d.toolTimeouts[name]; ok && m > timeout {
		timeout = m
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *tool.ToolResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := d.registry.Execute(callCtx, name, input)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, &ToolError{Kind: ToolExecuteException, Name: name, Err: o.err}
		}
		return o.res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, &ToolError{Kind: ToolExecuteException, Name: name, Err: ctx.Err()}
		}
		return nil, &ToolError{Kind: ToolTimeout, Name: name, Err: callCtx.Err()}
	}
}
