package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// This client intentionally speaks the wire protocol with plain net/http and
// encoding/json rather than delegating to anthropic-sdk-go's streaming
// decoder: the Stream Parser (parser.go) owns SSE framing end-to-end per the
// harness's own state machine, and the one library that already does this
// (the SDK's internal ssestream package) is exactly what that component
// replaces rather than wraps. The request/response wire shapes below mirror
// the SDK's documented JSON schema.

const (
	defaultAPIVersion   = "2023-06-01"
	requiredSystemPrefix = "You are operating as an autonomous coding agent inside a host application."
	defaultTransportTimeout = 5 * time.Minute
)

// CredentialProvider supplies and refreshes the bearer credential used to
// authenticate against the LLM endpoint.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// ToolDefinition describes one tool made available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ThinkingConfig enables extended reasoning on a request.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// RequestParams is the caller-facing description of one turn's request.
type RequestParams struct {
	Model       string
	Messages    []Message
	System      []string // caller-provided system content, appended after the required prefix
	MaxTokens   int
	Thinking    *ThinkingConfig
	Tools       []ToolDefinition
	ServerTools []ToolDefinition // opaque pass-through tool types appended to the wire tool list
}

// TransportClient issues authenticated, timeouted streaming requests to the
// LLM endpoint.
type TransportClient struct {
	httpClient   *http.Client
	baseURL      string
	apiVersion   string
	betaFeatures []string
	creds        CredentialProvider
	timeout      time.Duration
}

// TransportOption configures a TransportClient.
type TransportOption func(*TransportClient)

// WithHTTPClient overrides the underlying *http.Client (tests inject a fake
// RoundTripper this way).
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *TransportClient) { t.httpClient = c }
}

// WithTimeout overrides the default 5-minute wall-clock request timeout.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *TransportClient) { t.timeout = d }
}

// WithBetaFeatures sets the comma-joined anthropic-beta header value.
func WithBetaFeatures(features ...string) TransportOption {
	return func(t *TransportClient) { t.betaFeatures = features }
}

// NewTransportClient constructs a client targeting baseURL (e.g.
// "https://api.anthropic.com/v1/messages") authenticated via creds.
func NewTransportClient(baseURL string, creds CredentialProvider, opts ...TransportOption) *TransportClient {
	t := &TransportClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiVersion: defaultAPIVersion,
		creds:      creds,
		timeout:    defaultTransportTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// wireRequest mirrors the documented external wire schema.
type wireRequest struct {
	Model     string            `json:"model"`
	Messages  []wireMessage     `json:"messages"`
	MaxTokens int               `json:"max_tokens"`
	System    []wireSystemBlock `json:"system"`
	Tools     []wireTool        `json:"tools,omitempty"`
	Thinking  *wireThinking     `json:"thinking,omitempty"`
	Stream    bool              `json:"stream"`
}

type wireSystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Type        string         `json:"type,omitempty"` // set for opaque server-tool pass-through
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

func blockToWire(b Block) wireBlock {
	w := wireBlock{
		Type:      string(b.Type),
		Text:      b.Text,
		ID:        b.ID,
		Name:      b.Name,
		Input:     b.Input,
		Signature: b.Signature,
		Results:   b.Results,
		ToolUseID: b.ToolUseID,
	}
	if b.Type == BlockToolResult {
		w.Content = b.Content
		w.IsError = b.IsError
	}
	return w
}

var cacheControlEphemeral = json.RawMessage(`{"type":"ephemeral"}`)

func messageToWire(m Message) wireMessage {
	out := wireMessage{Role: string(m.Role)}
	for _, b := range m.Content {
		out.Content = append(out.Content, blockToWire(b))
	}
	return out
}

// StreamMessage opens a streaming request and returns the parsed event
// sequence (already drained through the Stream Parser) or a typed error.
// The events slice is safe to range over even when err is non-nil for a
// mid-stream failure: any events parsed before the error are preserved.
func (t *TransportClient) StreamMessage(ctx context.Context, params RequestParams) ([]StreamEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := t.buildBody(params)
	if err != nil {
		return nil, &TransportError{Kind: TransportGeneric, Message: err.Error()}
	}

	events, err := t.doStream(ctx, body)
	if err == nil {
		return events, nil
	}
	if terr, ok := err.(*TransportError); ok && terr.Kind == TransportAuthentication && t.creds != nil {
		if rerr := t.creds.Refresh(ctx); rerr == nil {
			return t.doStream(ctx, body)
		}
	}
	return events, err
}

func (t *TransportClient) doStream(ctx context.Context, body []byte) ([]StreamEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Kind: TransportGeneric, Message: err.Error()}
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("anthropic-version", t.apiVersion)
	if len(t.betaFeatures) > 0 {
		req.Header.Set("anthropic-beta", joinComma(t.betaFeatures))
	}
	if t.creds != nil {
		tok, terr := t.creds.Token(ctx)
		if terr != nil {
			return nil, &TransportError{Kind: TransportAuthentication, Message: terr.Error()}
		}
		req.Header.Set("authorization", "Bearer "+tok)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &TransportError{Kind: TransportTimeout, Message: err.Error()}
		}
		return nil, &TransportError{Kind: TransportGeneric, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	events, rerr := ReadAll(resp.Body)
	if rerr != nil && rerr != io.EOF {
		return events, &TransportError{Kind: TransportGeneric, Message: rerr.Error()}
	}
	return events, nil
}

func classifyStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &TransportError{Kind: TransportAuthentication, Message: "unauthorized"}
	case http.StatusTooManyRequests:
		retryAfter := 0
		if v := resp.Header.Get("retry-after"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				retryAfter = n
			}
		}
		return &TransportError{Kind: TransportRateLimited, Message: "rate limited", RetryAfter: retryAfter}
	case 529, http.StatusServiceUnavailable:
		return &TransportError{Kind: TransportOverloaded, Message: "overloaded"}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return &TransportError{Kind: TransportTimeout, Message: "timeout"}
	default:
		return &TransportError{Kind: TransportGeneric, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// buildBody constructs the wire request, injecting the required system
// prefix and placing cache-control markers per the three breakpoints: the
// required prefix, the last caller system block, and the last content block
// of the second-to-last user message. Thinking blocks never receive a
// marker.
func (t *TransportClient) buildBody(p RequestParams) ([]byte, error) {
	system := []wireSystemBlock{{Type: "text", Text: requiredSystemPrefix, CacheControl: cacheControlEphemeral}}
	for i, s := range p.System {
		block := wireSystemBlock{Type: "text", Text: s}
		if i == len(p.System)-1 {
			block.CacheControl = cacheControlEphemeral
		}
		system = append(system, block)
	}

	messages := make([]wireMessage, len(p.Messages))
	for i, m := range p.Messages {
		messages[i] = messageToWire(m)
	}
	applyHistoryCacheBreakpoint(messages)

	var thinking *wireThinking
	if p.Thinking != nil && p.Thinking.Enabled {
		thinking = &wireThinking{Type: "enabled", BudgetTokens: p.Thinking.BudgetTokens}
	}

	var tools []wireTool
	for _, td := range p.Tools {
		tools = append(tools, wireTool{Name: td.Name, Description: td.Description, InputSchema: td.InputSchema})
	}
	for _, td := range p.ServerTools {
		tools = append(tools, wireTool{Name: td.Name, Type: td.Name})
	}

	body := wireRequest{
		Model:     p.Model,
		Messages:  messages,
		MaxTokens: p.MaxTokens,
		System:    system,
		Tools:     tools,
		Thinking:  thinking,
		Stream:    true,
	}
	return json.Marshal(body)
}

// applyHistoryCacheBreakpoint marks the last content block of the
// second-to-last user message, skipping thinking blocks, which never carry
// a cache marker.
func applyHistoryCacheBreakpoint(messages []wireMessage) {
	userIdx := -1
	count := 0
	for i, m := range messages {
		if m.Role == string(RoleUser) {
			count++
			if count == secondToLastUserOrdinal(messages) {
				userIdx = i
			}
		}
	}
	if userIdx < 0 {
		return
	}
	blocks := messages[userIdx].Content
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i].Type == string(BlockThinking) {
			continue
		}
		blocks[i].CacheControl = cacheControlEphemeral
		return
	}
}

func secondToLastUserOrdinal(messages []wireMessage) int {
	total := 0
	for _, m := range messages {
		if m.Role == string(RoleUser) {
			total++
		}
	}
	if total < 2 {
		return -1
	}
	return total - 1
}
