package harness

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/tool"
)

// HookEventKind names a point in the tool-dispatch or worker lifecycle that
// can be intercepted.
type HookEventKind string

const (
	HookPreToolUse  HookEventKind = "PreToolUse"
	HookPostToolUse HookEventKind = "PostToolUse"
	HookWorkerStart HookEventKind = "WorkerStart"
	HookWorkerStop  HookEventKind = "WorkerStop"
)

// HookInput is the payload passed to a handler. Only the fields relevant to
// the firing HookEventKind are populated.
type HookInput struct {
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	SessionID string

	// PostToolUse only.
	Result *tool.ToolResult

	// WorkerStart/WorkerStop only.
	WorkerID   string
	WorkerKind string
}

// HookOutput is a handler's verdict.
type HookOutput struct {
	Allow          bool
	Reason         string
	Modified       map[string]any // PreToolUse only; replaces the tool input downstream
	AppendToResult string         // PostToolUse only; concatenated onto the visible tool result
}

// HookHandler is one registered interceptor.
type HookHandler func(ctx context.Context, in HookInput) HookOutput

// HookRegistry is an ordered multimap from event kind to handlers. Handlers
// run in registration order; PreToolUse handlers may block or rewrite the
// call, PostToolUse handlers may augment the visible result. A handler that
// panics is logged and treated as permissive so an observability bug never
// blocks dispatch.
type HookRegistry struct {
	mu       sync.RWMutex
	handlers map[HookEventKind][]HookHandler
	logger   *slog.Logger
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry(logger *slog.Logger) *HookRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRegistry{handlers: make(map[HookEventKind][]HookHandler), logger: logger}
}

// Register appends handler to the ordered list for kind.
func (r *HookRegistry) Register(kind HookEventKind, handler HookHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], handler)
}

// Run invokes every handler registered for kind, in order, against a
// snapshot of the handler list so registration during iteration is safe.
// PreToolUse: the first allow=false wins and short-circuits remaining
// handlers; each handler's Modified (when present) is visible to the next.
// PostToolUse: every AppendToResult is concatenated in order.
func (r *HookRegistry) Run(ctx context.Context, kind HookEventKind, in HookInput) HookOutput {
	r.mu.RLock()
	snapshot := append([]HookHandler(nil), r.handlers[kind]...)
	r.mu.RUnlock()

	out := HookOutput{Allow: true}
	var appended string
	for _, h := range snapshot {
		res := r.invoke(h, ctx, in)
		if kind == HookPreToolUse {
			if res.Modified != nil {
				in.ToolInput = res.Modified
				out.Modified = res.Modified
			}
			if !res.Allow {
				out.Allow = false
				out.Reason = res.Reason
				return out
			}
		}
		if kind == HookPostToolUse && res.AppendToResult != "" {
			appended += res.AppendToResult
		}
	}
	out.AppendToResult = appended
	return out
}

func (r *HookRegistry) invoke(h HookHandler, ctx context.Context, in HookInput) (out HookOutput) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("harness: hook handler panicked, treating as permissive", "panic", rec)
			out = HookOutput{Allow: true}
		}
	}()
	return h(ctx, in)
}
