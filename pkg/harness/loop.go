package harness

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Compactor replaces the current message history with a compacted
// equivalent once the context-window threshold is crossed.
type Compactor func(ctx context.Context, messages []Message) ([]Message, error)

// AutoCompactConfig governs step 5 of the per-turn algorithm.
type AutoCompactConfig struct {
	Enabled          bool
	MaxContextTokens int
	ThresholdPercent float64 // default 0.80 when zero
	Compactor        Compactor
}

func (c *AutoCompactConfig) threshold() float64 {
	if c == nil || c.ThresholdPercent <= 0 {
		return 0.80
	}
	return c.ThresholdPercent
}

// LoopConfig parameterizes one Loop's requests.
type LoopConfig struct {
	Model       string
	MaxTokens   int
	Thinking    *ThinkingConfig
	Tools       []ToolDefinition
	ServerTools []ToolDefinition
	MaxTurns    int // 0 means unbounded
	AutoCompact *AutoCompactConfig
	// System is additional system-prompt content appended after the
	// transport's required prefix, e.g. a project's CLAUDE.md memory file.
	System []string
}

// EmitFunc receives every outward agent event as the loop produces it.
type EmitFunc func(AgentEvent)

// Loop is the top-level turn loop: request -> reassemble -> dispatch tools
// -> loop, with stop-reason handling and cancellation. It is re-entrant — a
// Worker is just another Loop instance with its own Session and Transcript.
type Loop struct {
	transport  *TransportClient
	dispatcher *Dispatcher
	transcript *Transcript
	logger     *slog.Logger
	cfg        LoopConfig
	tracer     Tracer
}

// NewLoop wires the four collaborating components for one session.
func NewLoop(transport *TransportClient, dispatcher *Dispatcher, transcript *Transcript, cfg LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{transport: transport, dispatcher: dispatcher, transcript: transcript, cfg: cfg, logger: logger, tracer: NewNoopTracer()}
}

// WithTracer attaches a Tracer spanning the session and each model turn.
// Returns l for chaining at construction time.
func (l *Loop) WithTracer(tracer Tracer) *Loop {
	if tracer != nil {
		l.tracer = tracer
	}
	return l
}

// Run drives the session to completion: the model is prompted with
// newMessages appended to whatever history the session already carries, and
// tool cycles continue until a terminal stop reason, maxTurns, or
// cancellation of ctx.
func (l *Loop) Run(ctx context.Context, session *Session, newMessages []Message, emit EmitFunc) DoneInfo {
	if emit == nil {
		emit = func(AgentEvent) {}
	}

	var sessionSpan Span
	ctx, sessionSpan = l.tracer.StartSession(ctx, session.ID)
	defer sessionSpan.End(nil)

	outgoing := append(CloneMessages(session.Messages), CloneMessages(newMessages)...)
	session.Messages = outgoing
	for _, m := range newMessages {
		if m.Role == RoleUser {
			_ = l.transcript.AppendUser(session.ID, session.WorkingDir, m)
		}
	}

	turnCount := 0
	for {
		if ctx.Err() != nil {
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: StopCancelled, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		}
		if l.cfg.MaxTurns > 0 && turnCount >= l.cfg.MaxTurns {
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: StopMaxTurns, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		}

		turnCtx, turnSpan := l.tracer.StartTurn(ctx, turnCount)
		stopReason, cancelled, err := l.runTurn(turnCtx, session, emit)
		turnSpan.End(err)
		turnCount++
		if cancelled {
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: StopCancelled, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		}
		if err != nil {
			emit(AgentEvent{Kind: AgentError, Err: err})
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: StopEndTurn, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		}

		switch stopReason {
		case StopEndTurn, StopMaxTokens:
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: stopReason, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		case StopToolUse:
			continue
		default:
			done := DoneInfo{TotalUsage: session.CumulativeUsage, StopReason: StopEndTurn, TurnCount: turnCount, SessionID: session.ID}
			emit(AgentEvent{Kind: AgentDone, Done: &done})
			return done
		}
	}
}

// runTurn executes steps 2-6 of the per-turn algorithm for one request.
// Returns the stop reason, whether the turn was discarded due to
// cancellation, and any terminal transport error.
func (l *Loop) runTurn(ctx context.Context, session *Session, emit EmitFunc) (StopReason, bool, error) {
	params := RequestParams{
		Model: l.cfg.Model, Messages: session.Messages, MaxTokens: l.cfg.MaxTokens,
		Thinking: l.cfg.Thinking, Tools: l.cfg.Tools, ServerTools: l.cfg.ServerTools,
		System: l.cfg.System,
	}

	events, err := l.transport.StreamMessage(ctx, params)
	if ctx.Err() != nil {
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}

	reasm := NewReassembler(l.logger)
	for _, ev := range events {
		if ctx.Err() != nil {
			return "", true, nil
		}
		if agentEv, ok := reasm.Apply(ev); ok {
			emit(agentEv)
		}
	}

	final := reasm.FinalMessage()
	turnUsage := reasm.Usage()
	stopReason := reasm.StopReason()

	session.Messages = append(session.Messages, CloneMessage(final))
	session.CumulativeUsage.Add(turnUsage)

	requestID := uuid.NewString()
	messageID := uuid.NewString()
	_ = l.transcript.AppendAssistant(session.ID, session.WorkingDir, requestID, l.cfg.Model, messageID, stopReason, turnUsage, final)

	l.maybeCompact(ctx, session, turnUsage, emit)

	if stopReason != StopToolUse {
		return stopReason, false, nil
	}

	calls := final.ToolUses()
	results := l.dispatcher.DispatchTurn(ctx, session.ID, calls)
	for _, r := range results {
		emit(AgentEvent{Kind: AgentToolResult, Block: r})
	}
	resultMsg := Message{Role: RoleUser, Content: results}
	session.Messages = append(session.Messages, resultMsg)
	_ = l.transcript.AppendUser(session.ID, session.WorkingDir, resultMsg)

	return stopReason, false, nil
}

// maybeCompact implements step 5: if enabled and the effective context
// fraction crosses the threshold, the configured compactor replaces the
// session's message history and a compact event is emitted.
func (l *Loop) maybeCompact(ctx context.Context, session *Session, turnUsage Usage, emit EmitFunc) {
	ac := l.cfg.AutoCompact
	if ac == nil || !ac.Enabled || ac.Compactor == nil || ac.MaxContextTokens <= 0 {
		return
	}
	effective := turnUsage.InputTokens - turnUsage.CacheReadInputTokens
	if effective < 0 {
		effective = 0
	}
	ratio := float64(effective) / float64(ac.MaxContextTokens)
	if ratio < ac.threshold() {
		return
	}

	before := len(session.Messages)
	compacted, err := ac.Compactor(ctx, session.Messages)
	if err != nil {
		l.logger.Warn("harness: auto-compact failed", "error", err)
		return
	}
	session.Messages = compacted
	emit(AgentEvent{Kind: AgentCompact, CompactInfo: &CompactInfo{PreviousMessageCount: before, NewMessageCount: len(compacted)}})
}
