package harness

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// AgentEventKind discriminates the Reassembler/Agent Loop's outward event
// stream.
type AgentEventKind string

const (
	AgentText            AgentEventKind = "text"
	AgentThinking        AgentEventKind = "thinking"
	AgentToolUse         AgentEventKind = "tool_use"
	AgentServerToolUse   AgentEventKind = "server_tool_use"
	AgentWebSearchResult AgentEventKind = "web_search_result"
	AgentToolResult      AgentEventKind = "tool_result"
	AgentTurnComplete    AgentEventKind = "turn_complete"
	AgentCompact         AgentEventKind = "compact"
	AgentError           AgentEventKind = "error"
	AgentDone            AgentEventKind = "done"
)

// AgentEvent is one discriminated element of the outward-facing event
// stream described in the transport's external interface.
type AgentEvent struct {
	Kind AgentEventKind

	Index int    // which content block this event concerns, when applicable
	Text  string // text / thinking fragment or full text

	Block Block // tool_use / server_tool_use / web_search_tool_result / tool_result

	CompactInfo *CompactInfo
	Err         error
	Done        *DoneInfo
}

// CompactInfo accompanies an AgentCompact event.
type CompactInfo struct {
	PreviousMessageCount int
	NewMessageCount      int
}

// DoneInfo accompanies the terminal AgentDone event.
type DoneInfo struct {
	TotalUsage Usage
	StopReason StopReason
	TurnCount  int
	SessionID  string
}

// blockAcc accumulates one in-flight content block by index.
type blockAcc struct {
	typ         BlockType
	text        strBuilder
	signature   strBuilder
	partialJSON strBuilder
	id          string
	name        string
	toolUseID   string
	complete    Block // pre-populated for types that arrive whole
}

// strBuilder is a minimal append-only string accumulator; kept distinct from
// strings.Builder only to make the accumulation sites read uniformly below.
type strBuilder struct{ s string }

func (b *strBuilder) append(s string) { b.s += s }
func (b *strBuilder) String() string  { return b.s }

// Reassembler applies the Stream Parser's events to a per-turn sparse
// content-block array and emits live agent events. It is a pure transition
// function: (accumulator, event) -> (accumulator', optional AgentEvent).
type Reassembler struct {
	logger *slog.Logger

	order []int
	acc   map[int]*blockAcc

	usage      Usage
	stopReason StopReason
}

// NewReassembler returns a Reassembler ready for one turn's worth of events.
func NewReassembler(logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{logger: logger, acc: make(map[int]*blockAcc)}
}

// Apply consumes one StreamEvent and returns zero or one outward AgentEvent.
func (r *Reassembler) Apply(ev StreamEvent) (AgentEvent, bool) {
	switch ev.Kind {
	case EventMessageStart:
		r.usage = ev.InitialUsage
		return AgentEvent{}, false

	case EventContentBlockStart:
		return r.onBlockStart(ev)

	case EventContentBlockDelta:
		return r.onDelta(ev)

	case EventContentBlockStop:
		return r.onBlockStop(ev)

	case EventMessageDelta:
		r.stopReason = ev.StopReason
		r.usage.OutputTokens = ev.OutputTokens
		return AgentEvent{}, false

	case EventMessageStop:
		return AgentEvent{}, false

	case EventError:
		return AgentEvent{Kind: AgentError, Err: ev.Err}, true

	default:
		return AgentEvent{}, false
	}
}

func (r *Reassembler) onBlockStart(ev StreamEvent) (AgentEvent, bool) {
	if _, seen := r.acc[ev.Index]; !seen {
		r.order = append(r.order, ev.Index)
	}
	a := &blockAcc{typ: ev.BlockType}
	switch ev.BlockType {
	case BlockText:
		a.text.append(ev.Block.Text)
	case BlockToolUse:
		a.id = ev.Block.ID
		a.name = ev.Block.Name
	case BlockThinking:
		a.signature.append(ev.Block.Signature)
	case BlockServerToolUse, BlockWebSearchToolResult:
		a.complete = ev.Block
		a.complete.Type = ev.BlockType
	}
	r.acc[ev.Index] = a

	if ev.BlockType == BlockServerToolUse || ev.BlockType == BlockWebSearchToolResult {
		kind := AgentServerToolUse
		if ev.BlockType == BlockWebSearchToolResult {
			kind = AgentWebSearchResult
		}
		return AgentEvent{Kind: kind, Index: ev.Index, Block: a.complete}, true
	}
	return AgentEvent{}, false
}

func (r *Reassembler) onDelta(ev StreamEvent) (AgentEvent, bool) {
	a, ok := r.acc[ev.Index]
	if !ok {
		return AgentEvent{}, false
	}
	switch ev.DeltaKind {
	case DeltaText:
		a.text.append(ev.TextFragment)
		return AgentEvent{Kind: AgentText, Index: ev.Index, Text: ev.TextFragment}, true
	case DeltaThinking:
		a.text.append(ev.TextFragment)
		return AgentEvent{}, false
	case DeltaSignature:
		a.signature.append(ev.SignaturePiece)
		return AgentEvent{}, false
	case DeltaInputJSON:
		a.partialJSON.append(ev.PartialJSON)
		return AgentEvent{}, false
	default:
		return AgentEvent{}, false
	}
}

func (r *Reassembler) onBlockStop(ev StreamEvent) (AgentEvent, bool) {
	a, ok := r.acc[ev.Index]
	if !ok {
		return AgentEvent{}, false
	}
	switch a.typ {
	case BlockThinking:
		return AgentEvent{Kind: AgentThinking, Index: ev.Index, Text: a.text.String(), Block: Block{
			Type: BlockThinking, Text: a.text.String(), Signature: a.signature.String(),
		}}, true

	case BlockToolUse:
		input := parseToolInput(a.partialJSON.String(), r.logger, a.name)
		block := Block{Type: BlockToolUse, ID: a.id, Name: a.name, Input: input}
		return AgentEvent{Kind: AgentToolUse, Index: ev.Index, Block: block}, true

	default:
		return AgentEvent{}, false
	}
}

// parseToolInput JSON-decodes an accumulated tool_use input string. An empty
// string becomes an empty object; malformed JSON becomes an empty object and
// is flagged in logs rather than failing the turn.
func parseToolInput(raw string, logger *slog.Logger, toolName string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		if logger != nil {
			logger.Warn("harness: malformed tool_use input json", "tool", toolName, "error", err)
		}
		return map[string]any{}
	}
	if m == nil {
		m = map[string]any{}
	}
	return m
}

// FinalMessage materializes the assistant message for this turn by mapping
// the sparse accumulator in index order, preserving thinking signatures.
func (r *Reassembler) FinalMessage() Message {
	indices := append([]int(nil), r.order...)
	sort.Ints(indices)

	msg := Message{Role: RoleAssistant}
	for _, idx := range indices {
		a, ok := r.acc[idx]
		if !ok {
			continue
		}
		switch a.typ {
		case BlockText:
			msg.Content = append(msg.Content, Block{Type: BlockText, Text: a.text.String()})
		case BlockThinking:
			msg.Content = append(msg.Content, Block{Type: BlockThinking, Text: a.text.String(), Signature: a.signature.String()})
		case BlockToolUse:
			msg.Content = append(msg.Content, Block{
				Type: BlockToolUse, ID: a.id, Name: a.name,
				Input: parseToolInput(a.partialJSON.String(), r.logger, a.name),
			})
		case BlockServerToolUse, BlockWebSearchToolResult:
			msg.Content = append(msg.Content, a.complete)
		}
	}
	return msg
}

// StopReason reports the stop reason captured from message_delta.
func (r *Reassembler) StopReason() StopReason { return r.stopReason }

// Usage reports the usage accumulated across message_start/message_delta.
func (r *Reassembler) Usage() Usage { return r.usage }
