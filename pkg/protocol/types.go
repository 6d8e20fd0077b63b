package protocol

// Inbound message types (client -> gateway).
const (
	TypeAsk                 = "ask"
	TypeStreamStart         = "streamStart"
	TypeStreamSend          = "streamSend"
	TypeStreamClose         = "streamClose"
	TypePermission          = "permission"
	TypeSubscribe           = "subscribe"
	TypeAcknowledgeMessages = "acknowledgeMessages"
	TypeGetMessageHistory   = "getMessageHistory"
	TypeSetWorkingDirectory = "setWorkingDirectory"
	TypeAgentCommand        = "claudeCommand"
	TypeClearChat           = "clearChat"
	TypeRegisterDevice      = "registerDevice"
	TypePing                = "ping"
)

// Outbound message types (gateway -> client).
const (
	TypeWelcome             = "welcome"
	TypeAskResponse         = "askResponse"
	TypeStreamStarted       = "streamStarted"
	TypeStreamSent          = "streamSent"
	TypeStreamClosed        = "streamClose"
	TypeAssistantMessage    = "assistantMessage"
	TypeToolUse             = "toolUse"
	TypeToolResult          = "toolResult"
	TypePermissionRequest   = "permissionRequest"
	TypePermissionHandled   = "permissionHandled"
	TypeConversationResult  = "conversationResult"
	TypeStreamChunk         = "streamChunk"
	TypeStreamError         = "streamError"
	TypeSystemInit          = "systemInit"
	TypeProcessHealth       = "processHealth"
	TypeSessionWarning      = "sessionWarning"
	TypeSessionExpired      = "sessionExpired"
	TypeSessionCleaned      = "sessionCleaned"
	TypeMessageHistory      = "messageHistory"
	TypeWorkingDirectorySet = "workingDirectorySet"
	TypeCommandResult       = "commandResult"
	TypeChatCleared         = "chatCleared"
	TypeDeviceRegistered    = "deviceRegistered"
	TypeError               = "error"
	TypePong                = "pong"
)

// AskRequest is the payload of an ask message (one-shot prompt).
type AskRequest struct {
	Prompt           string         `json:"prompt"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	Options          map[string]any `json:"options,omitempty"`
}

// AskResponse is the payload of an askResponse message.
type AskResponse struct {
	Success  bool           `json:"success"`
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// StreamStartRequest is the payload of a streamStart message.
type StreamStartRequest struct {
	SessionID        string         `json:"sessionId,omitempty"`
	InitialPrompt    string         `json:"initialPrompt"`
	WorkingDirectory string         `json:"workingDirectory"`
	Options          map[string]any `json:"options,omitempty"`
}

// StreamStarted is the payload of a streamStarted message.
type StreamStarted struct {
	SessionID string `json:"sessionId"`
	Reused    bool   `json:"reused"`
}

// StreamSendRequest is the payload of a streamSend message.
type StreamSendRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// StreamSent is the payload of a streamSent message.
type StreamSent struct {
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// StreamCloseRequest is the payload of a streamClose message.
type StreamCloseRequest struct {
	SessionID string `json:"sessionId"`
	ClearChat bool   `json:"clearChat,omitempty"`
}

// PermissionResponse is the payload of a permission message.
type PermissionResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

// PermissionHandled is the payload of a permissionHandled message.
type PermissionHandled struct {
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
}

// SubscribeRequest is the payload of a subscribe message.
type SubscribeRequest struct {
	Events     []string `json:"events"`
	SessionIDs []string `json:"sessionIds,omitempty"`
}

// AcknowledgeRequest is the payload of an acknowledgeMessages message.
type AcknowledgeRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// HistoryRequest is the payload of a getMessageHistory message.
type HistoryRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// SetWorkingDirectoryRequest is the payload of a setWorkingDirectory message.
type SetWorkingDirectoryRequest struct {
	WorkingDirectory string `json:"workingDirectory"`
}

// AgentCommandRequest is the payload of a claudeCommand message.
type AgentCommandRequest struct {
	SessionID   string   `json:"sessionId"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	ProjectPath string   `json:"projectPath,omitempty"`
}

// ClearChatRequest is the payload of a clearChat message.
type ClearChatRequest struct {
	SessionID string `json:"sessionId"`
}

// RegisterDeviceRequest is the payload of a registerDevice message.
type RegisterDeviceRequest struct {
	DeviceToken string         `json:"deviceToken"`
	DeviceInfo  map[string]any `json:"deviceInfo,omitempty"`
}

// PingRequest is the payload of a ping message.
type PingRequest struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Welcome is the payload of the welcome message sent at connection accept.
type Welcome struct {
	ClientID      string   `json:"clientId"`
	ServerVersion string   `json:"serverVersion"`
	Capabilities  []string `json:"capabilities"`
	MaxSessions   int      `json:"maxSessions"`
}

// ContentBlock is a single block of assistant content on the wire.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Deliverable is a fenced code block extracted from assistant text.
type Deliverable struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// AssistantMessageData is the payload of an assistantMessage event.
type AssistantMessageData struct {
	SessionID    string         `json:"sessionId"`
	Final        bool           `json:"final"`
	Content      []ContentBlock `json:"content"`
	Deliverables []Deliverable  `json:"deliverables,omitempty"`
	MessageCount int            `json:"messageCount,omitempty"`
}

// ToolUseData is the payload of a toolUse event.
type ToolUseData struct {
	SessionID string         `json:"sessionId"`
	ToolID    string         `json:"toolId,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// ToolResultData is the payload of a toolResult event.
type ToolResultData struct {
	SessionID string `json:"sessionId"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PermissionRequestData is the payload of a permissionRequest event.
type PermissionRequestData struct {
	SessionID string   `json:"sessionId"`
	RequestID string   `json:"requestId"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options"`
	Default   string   `json:"default"`
}

// ConversationResultData is the payload of a conversationResult event.
// The aggregated text is deliberately omitted: it travels in the preceding
// assistantMessage{final} and echoing it here would duplicate client output.
type ConversationResultData struct {
	SessionID  string         `json:"sessionId"`
	Success    bool           `json:"success"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	CostUSD    float64        `json:"cost_usd,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
}

// StreamChunkData is the payload of a streamChunk progress event.
type StreamChunkData struct {
	SessionID string `json:"sessionId"`
	Subtype   string `json:"subtype,omitempty"`
	Status    string `json:"status,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// StreamErrorData is the payload of a streamError event.
type StreamErrorData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	Code      string `json:"code,omitempty"`
	Dropped   int    `json:"dropped,omitempty"`
}

// SystemInitData is the payload of a systemInit event.
type SystemInitData struct {
	SessionID      string         `json:"sessionId"`
	AgentSessionID string         `json:"agentSessionId,omitempty"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
}

// ProcessHealthData is the payload of a processHealth event.
type ProcessHealthData struct {
	SessionID   string `json:"sessionId"`
	PID         int    `json:"pid"`
	UptimeMS    int64  `json:"uptime_ms"`
	StdoutBytes int64  `json:"stdout_bytes"`
	StderrBytes int64  `json:"stderr_bytes"`
	SilenceMS   int64  `json:"silence_ms"`
	Streaming   bool   `json:"streaming"`
	BudgetMS    int64  `json:"budget_ms"`
}

// SessionWarningData is the payload of a sessionWarning event.
type SessionWarningData struct {
	SessionID     string `json:"sessionId"`
	TimeRemaining int64  `json:"timeRemaining"` // milliseconds
}

// SessionLifecycleData is the payload of sessionExpired and sessionCleaned events.
type SessionLifecycleData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}
