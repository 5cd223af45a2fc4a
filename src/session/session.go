// Package session creates remote assistant sessions. A session binds a remote
// conversation id to a model, travel context, agent configuration, and chat
// mode. Sessions are ephemeral: they are never persisted, only their effects
// (the transcript) are.
package session

import (
	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

// AgentConfig describes the assistant configuration a session runs with.
type AgentConfig struct {
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	EnabledTools []string `json:"enabledTools"`
}

// CreateRequest is the session-creation call input. MessageHistory carries
// condensed backend history when resuming a stored conversation.
type CreateRequest struct {
	ModelID        string                 `json:"modelId"`
	Context        chatkit.Context        `json:"context"`
	AgentConfig    AgentConfig            `json:"agentConfig"`
	ChatMode       string                 `json:"chatMode"`
	MessageHistory []chatkit.HistoryEntry `json:"messageHistory,omitempty"`
}

// CreateResponse is the session-creation call output.
type CreateResponse struct {
	SessionID string `json:"sessionId"`
}

// Session is the ephemeral binding of a remote conversation id to its context.
type Session struct {
	ID       string
	ModelID  string
	Context  chatkit.Context
	ChatMode string
}
