// Package agentcli provides types for the Agent CLI stream-json protocol.
// The CLI emits newline-delimited JSON records on stdout; each record has a
// type field that determines which other fields are populated.
package agentcli

import "encoding/json"

// Record types emitted by the Agent CLI.
const (
	// RecordTypeSystem is a system message; subtype "init" carries session info
	RecordTypeSystem = "system"
	// RecordTypeAssistant contains assistant text, thinking, or tool_use blocks
	RecordTypeAssistant = "assistant"
	// RecordTypeUser is a tool-result echo; never forwarded to clients
	RecordTypeUser = "user"
	// RecordTypeToolUse is a standalone tool invocation record
	RecordTypeToolUse = "tool_use"
	// RecordTypeToolResult is a standalone tool result record
	RecordTypeToolResult = "tool_result"
	// RecordTypeResult is the final result message closing a turn
	RecordTypeResult = "result"
)

// SubtypeInit marks the initial system record of a conversation.
const SubtypeInit = "init"

// Record represents one stream-json record from the Agent CLI stdout.
type Record struct {
	// Type is the record type (system, assistant, user, tool_use, tool_result, result)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system records
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	CWD       string          `json:"cwd,omitempty"`

	// For assistant and user records
	Message *AssistantMessage `json:"message,omitempty"`

	// For standalone tool_use records
	ToolID    string         `json:"id,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	// For standalone tool_result records
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// For result records.
	// Result can be either a string (the result text) or an object.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	CostUSD       float64         `json:"cost_usd,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	Usage         map[string]any  `json:"usage,omitempty"`
}

// AssistantMessage contains the assistant's response content.
// Content may be an array of blocks or a bare string depending on CLI version.
type AssistantMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      map[string]any  `json:"usage,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ContentBlocks returns the message content as a block list.
// A bare string content is wrapped in a single text block.
func (m *AssistantMessage) ContentBlocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil && text != "" {
		return []ContentBlock{{Type: "text", Text: text}}
	}
	return nil
}

// ResultText returns the result field as text. String results are returned
// directly; object results contribute their "result" or "text" field.
func (r *Record) ResultText() string {
	if len(r.Result) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}

	var obj struct {
		Result string `json:"result,omitempty"`
		Text   string `json:"text,omitempty"`
	}
	if err := json.Unmarshal(r.Result, &obj); err == nil {
		if obj.Result != "" {
			return obj.Result
		}
		return obj.Text
	}
	return ""
}

// IsInit reports whether the record is the system init record.
func (r *Record) IsInit() bool {
	return r.Type == RecordTypeSystem && r.Subtype == SubtypeInit
}

// Decode parses a raw stream-json line into a Record.
func Decode(raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
