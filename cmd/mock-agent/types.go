package main

// Wire shapes for the stream-json records the gateway consumes. One JSON
// object per stdout line.

// Record types.
const (
	TypeSystem     = "system"
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
)

// Content block types.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// SystemMsg is the system.init record emitted at turn start.
type SystemMsg struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	CWD       string   `json:"cwd"`
	Tools     []string `json:"tools,omitempty"`
}

// ContentBlock is one block of assistant content.
type ContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// AssistantBody is the message body of an assistant record.
type AssistantBody struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// AssistantMsg is an assistant record.
type AssistantMsg struct {
	Type    string        `json:"type"`
	Message AssistantBody `json:"message"`
}

// ToolUseMsg is a standalone tool_use record.
type ToolUseMsg struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResultMsg is a standalone tool_result record.
type ToolResultMsg struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultMsg is the terminal result record of a turn.
type ResultMsg struct {
	Type       string         `json:"type"`
	Result     string         `json:"result"`
	IsError    bool           `json:"is_error"`
	DurationMS int64          `json:"duration_ms"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
}
