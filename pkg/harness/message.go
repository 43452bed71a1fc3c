// Package harness implements the agentic execution core: a streaming state
// machine over an LLM transport, a turn loop that interleaves tool dispatch
// with model content, and an append-only transcript for session resume.
package harness

import "time"

// Role tags a Message as either user- or assistant-authored.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the tagged union of content block shapes.
type BlockType string

const (
	BlockText                BlockType = "text"
	BlockThinking             BlockType = "thinking"
	BlockToolUse              BlockType = "tool_use"
	BlockToolResult           BlockType = "tool_result"
	BlockServerToolUse        BlockType = "server_tool_use"
	BlockWebSearchToolResult  BlockType = "web_search_tool_result"
	BlockImage                BlockType = "image"
)

// Block is a single element of a Message's content array. Exactly the fields
// relevant to its Type are populated; the rest are left zero.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking — Signature is opaque and MUST be preserved byte-for-byte and
	// echoed back verbatim on subsequent turns. Never synthesize it.
	Signature string `json:"signature,omitempty"`

	// tool_use — ID is unique within the session.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result — ToolUseID pairs with exactly one prior tool_use.ID.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// server_tool_use / web_search_tool_result — opaque pass-through, never
	// dispatched locally.
	Results any `json:"results,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Base64    string `json:"base64,omitempty"`
}

// Message is a role-tagged ordered sequence of content blocks.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// ToolUses returns every tool_use block in the message, in order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// ToolResults returns every tool_result block in the message, in order.
func (m Message) ToolResults() []Block {
	var out []Block
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			out = append(out, b)
		}
	}
	return out
}

// Usage accumulates token counts reported by the model across one or more
// turns.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Add accumulates other into u in place and returns u for chaining.
func (u *Usage) Add(other Usage) *Usage {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	return u
}

// Session is the stable identity and accumulated state of one conversation.
type Session struct {
	ID              string
	WorkingDir      string
	Messages        []Message
	CumulativeUsage Usage
}

// StopReason is the terminal status of a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopMaxTurns  StopReason = "max_turns"
	StopCancelled StopReason = "cancelled"
)

// cloneBlock deep-copies a Block's reference-typed fields.
func cloneBlock(b Block) Block {
	c := b
	if b.Input != nil {
		c.Input = make(map[string]any, len(b.Input))
		for k, v := range b.Input {
			c.Input[k] = v
		}
	}
	return c
}

// CloneMessage returns a deep copy of msg, isolating the caller from
// subsequent mutation of the stored history.
func CloneMessage(msg Message) Message {
	clone := Message{Role: msg.Role}
	if len(msg.Content) > 0 {
		clone.Content = make([]Block, len(msg.Content))
		for i, b := range msg.Content {
			clone.Content[i] = cloneBlock(b)
		}
	}
	return clone
}

// CloneMessages clones an entire ordered message slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = CloneMessage(m)
	}
	return out
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
