package history

import (
	"time"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

const (
	// maxCondensedHistory bounds the condensed backend history kept per record;
	// oldest entries drop first.
	maxCondensedHistory = 20
	// titleLimit is the derived-title length in runes.
	titleLimit = 60
)

// Record is one stored conversation. Messages are sanitized: no entry ever
// carries a streaming flag.
type Record struct {
	ID               string                 `json:"id"`
	ContextKey       string                 `json:"contextKey,omitempty"`
	Title            string                 `json:"title"`
	Messages         []*chatkit.Message     `json:"messages"`
	CondensedHistory []chatkit.HistoryEntry `json:"condensedBackendHistory,omitempty"`
	ModelID          string                 `json:"modelId,omitempty"`
	Context          chatkit.Context        `json:"context"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	MessageCount     int                    `json:"messageCount"`
}

// sanitizeMessages copies the transcript for storage: a message still streaming
// is dropped unless it accumulated content, and the streaming flag is cleared
// from every kept message.
func sanitizeMessages(msgs []*chatkit.Message) []*chatkit.Message {
	out := make([]*chatkit.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsStreaming && !msg.HasContent() {
			continue
		}
		clean := *msg
		clean.IsStreaming = false
		out = append(out, &clean)
	}
	return out
}

// deriveTitle returns a short title from the first user message.
func deriveTitle(msgs []*chatkit.Message) string {
	for _, msg := range msgs {
		if msg.Role != chatkit.RoleUser || msg.IsContextChange {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) <= titleLimit {
			return msg.Content
		}
		return string(runes[:titleLimit]) + "..."
	}
	return "New conversation"
}

// truncateHistory keeps the newest maxCondensedHistory entries.
func truncateHistory(entries []chatkit.HistoryEntry) []chatkit.HistoryEntry {
	if len(entries) <= maxCondensedHistory {
		return entries
	}
	return entries[len(entries)-maxCondensedHistory:]
}
