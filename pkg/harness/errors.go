package harness

import "fmt"

// TransportErrorKind enumerates the Transport Client's error taxonomy.
type TransportErrorKind string

const (
	TransportAuthentication TransportErrorKind = "authentication"
	TransportRateLimited    TransportErrorKind = "rate_limited"
	TransportOverloaded     TransportErrorKind = "overloaded"
	TransportTimeout        TransportErrorKind = "timeout"
	TransportGeneric        TransportErrorKind = "generic_transport"
)

// TransportError is returned by the Transport Client and surfaced as an
// `error` agent event during streaming.
type TransportError struct {
	Kind       TransportErrorKind
	Message    string
	RetryAfter int // seconds; only meaningful for TransportRateLimited
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport: %s: %s", e.Kind, e.Message)
}

// ToolErrorKind enumerates the Tool Registry's error taxonomy.
type ToolErrorKind string

const (
	ToolNotFound        ToolErrorKind = "not_found"
	ToolTimeout         ToolErrorKind = "timeout"
	ToolExecuteException ToolErrorKind = "execute_exception"
)

// ToolError is returned by the Tool Registry.
type ToolError struct {
	Kind ToolErrorKind
	Name string
	Err  error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Name, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// MCPErrorKind enumerates the MCP layer's error taxonomy.
type MCPErrorKind string

const (
	MCPServerUnavailable  MCPErrorKind = "server_unavailable"
	MCPRequestTimeout     MCPErrorKind = "request_timeout"
	MCPCallError          MCPErrorKind = "call_error"
	MCPProtocolViolation  MCPErrorKind = "protocol_violation"
	MCPServerExited       MCPErrorKind = "server_exited"
)

// MCPError is returned by the MCP Client and MCP Server Manager.
type MCPError struct {
	Kind    MCPErrorKind
	Code    int
	Message string
}

func (e *MCPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 {
		return fmt.Sprintf("mcp: %s: [%d] %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("mcp: %s: %s", e.Kind, e.Message)
}

// TranscriptErrorKind enumerates the Transcript Log's error taxonomy.
type TranscriptErrorKind string

const (
	TranscriptMalformedLine    TranscriptErrorKind = "malformed_line"
	TranscriptMissingToolResult TranscriptErrorKind = "missing_tool_result"
)
