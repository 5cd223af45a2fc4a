package chatkit

// Outbound envelope types sent over the persistent connection.
const (
	EnvelopeAuth   = "auth"
	EnvelopeChat   = "chat"
	EnvelopeCancel = "cancel"
)

// ClientEnvelope is a message from the engine to the assistant service.
type ClientEnvelope struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// EventType identifies an inbound protocol event.
type EventType string

// Inbound event types delivered by the assistant service.
const (
	EventStart EventType = "start"
	EventChunk EventType = "chunk"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// ServerEvent is a single inbound protocol event. A chunk carries exactly one of
// Content, ToolCall, or ToolResult.
type ServerEvent struct {
	Type       EventType      `json:"type"`
	MessageID  string         `json:"messageId,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolCall   *ToolCallEntry `json:"toolCall,omitempty"`
	ToolResult *ToolResult    `json:"toolResult,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// HistoryEntry is one turn of condensed backend history, sent back to the
// assistant service on session creation to restore conversational memory
// without replaying a full transcript.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
