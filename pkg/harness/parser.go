package harness

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Parser decodes a byte stream framed as Server-Sent Events into typed
// StreamEvents. Events are separated by a blank line; within an event, the
// last `event:` and `data:` lines win. Malformed events (missing type,
// missing data, or invalid JSON) are dropped silently rather than surfaced
// as errors, matching the tolerant behavior real LLM transports require.
type Parser struct {
	buf bytes.Buffer
}

// NewParser returns an empty Parser ready to consume stream chunks.
func NewParser() *Parser { return &Parser{} }

// Feed appends chunk to the decode buffer and returns every complete event
// discovered so far. It accepts chunks split at arbitrary byte boundaries —
// including mid-line or mid-UTF8-sequence — and tolerates them because the
// buffer is only ever split on a complete "\n\n" separator.
func (p *Parser) Feed(chunk []byte) []StreamEvent {
	p.buf.Write(chunk)
	return p.drain(false)
}

// Flush parses any residual buffered fragment once, as required at
// end-of-stream, and returns whatever event it yields (possibly none).
func (p *Parser) Flush() []StreamEvent {
	return p.drain(true)
}

func (p *Parser) drain(final bool) []StreamEvent {
	var out []StreamEvent
	data := p.buf.Bytes()

	for {
		idx := bytes.Index(data, []byte("\n\n"))
		if idx < 0 {
			break
		}
		raw := data[:idx]
		data = data[idx+2:]
		if ev, ok := decodeRawEvent(raw); ok {
			out = append(out, ev)
		}
	}
	p.buf.Reset()
	p.buf.Write(data)

	if final && p.buf.Len() > 0 {
		raw := p.buf.Bytes()
		p.buf.Reset()
		if ev, ok := decodeRawEvent(raw); ok {
			out = append(out, ev)
		}
	}
	return out
}

// decodeRawEvent parses one SSE event block (the bytes between separators)
// into a StreamEvent, returning ok=false for anything that should be
// dropped silently per the spec: no event type, no data, or invalid JSON.
func decodeRawEvent(block []byte) (StreamEvent, bool) {
	var eventType, data string
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if eventType == "" || data == "" {
		return StreamEvent{}, false
	}
	return decodeEventJSON(eventType, data)
}

// wireEnvelope is the superset of fields any SSE data payload may carry.
// Only the fields relevant to eventType are populated by the sender.
type wireEnvelope struct {
	Type string `json:"type"`

	Message *struct {
		Usage wireUsage `json:"usage"`
	} `json:"message"`

	Index       int             `json:"index"`
	ContentBlock *wireBlock      `json:"content_block"`
	Delta        *wireDelta      `json:"delta"`
	Usage        *wireUsage      `json:"usage"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u wireUsage) toUsage() Usage {
	return Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

type wireBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Results      any             `json:"results,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      any             `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type wireDelta struct {
	Type         string `json:"type,omitempty"`
	Text         string `json:"text,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Signature    string `json:"signature,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
}

func decodeEventJSON(eventType, data string) (StreamEvent, bool) {
	var env wireEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return StreamEvent{}, false
	}

	switch StreamEventKind(eventType) {
	case EventMessageStart:
		ev := StreamEvent{Kind: EventMessageStart}
		if env.Message != nil {
			ev.InitialUsage = env.Message.Usage.toUsage()
		}
		return ev, true

	case EventContentBlockStart:
		if env.ContentBlock == nil {
			return StreamEvent{}, false
		}
		return StreamEvent{
			Kind:      EventContentBlockStart,
			Index:     env.Index,
			BlockType: BlockType(env.ContentBlock.Type),
			Block:     blockFromWire(*env.ContentBlock),
		}, true

	case EventContentBlockDelta:
		if env.Delta == nil {
			return StreamEvent{}, false
		}
		d := env.Delta
		ev := StreamEvent{Kind: EventContentBlockDelta, Index: env.Index, DeltaKind: DeltaKind(d.Type)}
		switch ev.DeltaKind {
		case DeltaText:
			ev.TextFragment = d.Text
		case DeltaThinking:
			ev.TextFragment = d.Thinking
		case DeltaInputJSON:
			ev.PartialJSON = d.PartialJSON
		case DeltaSignature:
			ev.SignaturePiece = d.Signature
		default:
			return StreamEvent{}, false
		}
		return ev, true

	case EventContentBlockStop:
		return StreamEvent{Kind: EventContentBlockStop, Index: env.Index}, true

	case EventMessageDelta:
		ev := StreamEvent{Kind: EventMessageDelta}
		if env.Delta != nil {
			ev.StopReason = StopReason(env.Delta.StopReason)
		}
		if env.Usage != nil {
			ev.OutputTokens = env.Usage.OutputTokens
		}
		return ev, true

	case EventMessageStop:
		return StreamEvent{Kind: EventMessageStop}, true

	case EventPing:
		return StreamEvent{Kind: EventPing}, true

	case EventError:
		return StreamEvent{Kind: EventError, Err: errorFromData(data)}, true

	default:
		return StreamEvent{}, false
	}
}

func blockFromWire(b wireBlock) Block {
	return Block{
		Type:      BlockType(b.Type),
		Text:      b.Text,
		ID:        b.ID,
		Name:      b.Name,
		Input:     b.Input,
		Signature: b.Signature,
		Results:   b.Results,
		ToolUseID: b.ToolUseID,
	}
}

func errorFromData(data string) error {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil || body.Error.Message == "" {
		return &TransportError{Kind: TransportGeneric, Message: "stream error event"}
	}
	return &TransportError{Kind: TransportGeneric, Message: body.Error.Message}
}

// ReadAll drains r through a Parser, feeding it in arbitrarily sized chunks,
// and returns every StreamEvent in arrival order. It is primarily useful in
// tests and for transports that hand back a fully-buffered response.
func ReadAll(r io.Reader) ([]StreamEvent, error) {
	p := NewParser()
	var out []StreamEvent
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			out = append(out, p.Feed(chunk[:n])...)
		}
		if err == io.EOF {
			out = append(out, p.Flush()...)
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
