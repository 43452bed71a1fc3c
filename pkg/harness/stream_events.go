package harness

// StreamEventKind discriminates the parser's output.
type StreamEventKind string

const (
	EventMessageStart      StreamEventKind = "message_start"
	EventContentBlockStart StreamEventKind = "content_block_start"
	EventContentBlockDelta StreamEventKind = "content_block_delta"
	EventContentBlockStop  StreamEventKind = "content_block_stop"
	EventMessageDelta      StreamEventKind = "message_delta"
	EventMessageStop       StreamEventKind = "message_stop"
	EventPing              StreamEventKind = "ping"
	EventError             StreamEventKind = "error"
)

// DeltaKind discriminates a content_block_delta's shape.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text_delta"
	DeltaInputJSON DeltaKind = "input_json_delta"
	DeltaThinking  DeltaKind = "thinking_delta"
	DeltaSignature DeltaKind = "signature_delta"
)

// StreamEvent is one typed event yielded by the Stream Parser.
type StreamEvent struct {
	Kind  StreamEventKind
	Index int // content_block_start/delta/stop

	// message_start
	InitialUsage Usage

	// content_block_start — the block shape as initially announced.
	BlockType BlockType
	Block     Block

	// content_block_delta
	DeltaKind      DeltaKind
	TextFragment   string // text_delta / thinking_delta
	PartialJSON    string // input_json_delta
	SignaturePiece string // signature_delta

	// message_delta
	StopReason   StopReason
	OutputTokens int

	// error
	Err error
}

// rawSSEEvent pairs one SSE event's `event:` and `data:` values. The parser
// does not use it: decodeRawEvent keeps the two values in local variables.
type rawSSEEvent struct {
	eventType string
	data      string
}
