package harness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// transcriptDir mirrors the teacher's disk history layout
// (`<projectRoot>/.claude/history`) but rooted at the user's home directory
// and keyed by working directory rather than project root, per the spec's
// resume-path contract.
func transcriptDir(home, workingDir string) string {
	dashed := strings.ReplaceAll(strings.TrimPrefix(workingDir, string(filepath.Separator)), string(filepath.Separator), "-")
	return filepath.Join(home, ".claude", "projects", "-"+dashed)
}

// TranscriptPath returns the on-disk path for a session's transcript.
func TranscriptPath(home, workingDir, sessionID string) string {
	return filepath.Join(transcriptDir(home, workingDir), sessionID+".jsonl")
}

// transcriptRecord is one JSONL line. Fields are a superset across the user
// and assistant shapes; readers MUST accept unknown top-level fields, so
// this struct is deliberately permissive.
type transcriptRecord struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	UUID      string          `json:"uuid"`
	Cwd       string          `json:"cwd"`
	Version   string          `json:"version"`
	RequestID string          `json:"requestId,omitempty"`
}

type transcriptMessage struct {
	Role       Role    `json:"role"`
	Content    []Block `json:"content"`
	Model      string  `json:"model,omitempty"`
	ID         string  `json:"id,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
	StopSeq    string  `json:"stop_sequence,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Transcript is the append-only JSON-lines durability log for one session.
// One session is one writer; concurrent writers for the same session are a
// caller error per the concurrency model.
type Transcript struct {
	path    string
	logger  *slog.Logger
	version string
}

// NewTranscript opens (without yet creating) the transcript file at path.
// The file is created lazily on first write.
func NewTranscript(path string, logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{path: path, logger: logger, version: "1"}
}

// Path reports the transcript's on-disk location.
func (t *Transcript) Path() string { return t.path }

// AppendUser writes a user-role record (a fresh prompt, or a tool-result
// batch whose content is an array of tool_result blocks).
func (t *Transcript) AppendUser(sessionID, cwd string, msg Message) error {
	return t.append(transcriptRecord{
		Type:      "user",
		SessionID: sessionID,
		Timestamp: now().UTC().Format(time.RFC3339Nano),
		UUID:      uuid.NewString(),
		Cwd:       cwd,
		Version:   t.version,
	}, transcriptMessage{Role: msg.Role, Content: msg.Content})
}

// AppendAssistant writes an assistant-role record, including model/usage
// metadata and the per-request correlation id.
func (t *Transcript) AppendAssistant(sessionID, cwd, requestID, model, messageID string, stopReason StopReason, usage Usage, msg Message) error {
	rec := transcriptRecord{
		Type:      "assistant",
		SessionID: sessionID,
		Timestamp: now().UTC().Format(time.RFC3339Nano),
		UUID:      uuid.NewString(),
		Cwd:       cwd,
		Version:   t.version,
		RequestID: requestID,
	}
	tm := transcriptMessage{
		Role: msg.Role, Content: msg.Content, Model: model, ID: messageID,
		StopReason: string(stopReason), Usage: &usage,
	}
	return t.append(rec, tm)
}

func (t *Transcript) append(rec transcriptRecord, tm transcriptMessage) error {
	payload, err := json.Marshal(tm)
	if err != nil {
		return fmt.Errorf("transcript: encode message: %w", err)
	}
	rec.Message = payload

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transcript: encode record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return fmt.Errorf("transcript: mkdir: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("transcript: write: %w", err)
	}
	return nil
}

// TruncationInfo describes a load-time repair applied because the transcript
// ended mid tool-cycle.
type TruncationInfo struct {
	Truncated bool
	Reason    string
}

// LoadResult is the outcome of loading a transcript.
type LoadResult struct {
	Loaded       bool
	Messages     []Message
	MessageCount int
	Truncation   TruncationInfo
}

// Load reads every line of the transcript, ignores malformed lines,
// reconstructs an ordered message list from user/assistant entries, then
// enforces the tool_use/tool_result pairing invariant: for every assistant
// message containing tool_use blocks, the immediately following message
// must be a user message carrying a matching tool_result for each id. The
// first violation truncates history at that assistant message (dropping it
// and everything after) so resuming after an interrupted tool cycle is
// always safe.
func Load(path string, logger *slog.Logger) (LoadResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{Loaded: true}, nil
		}
		return LoadResult{}, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("transcript: malformed line", "error", err)
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		var tm transcriptMessage
		if err := json.Unmarshal(rec.Message, &tm); err != nil {
			logger.Warn("transcript: malformed message", "error", err)
			continue
		}
		role := RoleUser
		if rec.Type == "assistant" {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: tm.Content})
	}
	if err := scanner.Err(); err != nil {
		return LoadResult{}, fmt.Errorf("transcript: scan: %w", err)
	}

	raw := len(messages)
	messages, trunc := enforceToolCycleInvariant(messages)
	if trunc.Truncated {
		logger.Warn("transcript: truncated on load", "reason", trunc.Reason, "raw_lines", raw, "kept", len(messages))
	}
	return LoadResult{Loaded: true, Messages: messages, MessageCount: len(messages), Truncation: trunc}, nil
}

func enforceToolCycleInvariant(messages []Message) ([]Message, TruncationInfo) {
	for i, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		toolUses := m.ToolUses()
		if len(toolUses) == 0 {
			continue
		}
		if i+1 >= len(messages) || messages[i+1].Role != RoleUser {
			return messages[:i], TruncationInfo{Truncated: true, Reason: "missing_tool_result"}
		}
		resultIDs := make(map[string]bool)
		for _, r := range messages[i+1].ToolResults() {
			resultIDs[r.ToolUseID] = true
		}
		for _, tu := range toolUses {
			if !resultIDs[tu.ID] {
				return messages[:i], TruncationInfo{Truncated: true, Reason: "missing_tool_result"}
			}
		}
	}
	return messages, TruncationInfo{}
}

func bytesTrimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpaceByte(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpaceByte(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
