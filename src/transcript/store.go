// Package transcript holds the in-memory conversation log and the incremental
// assembler that builds it from the assistant event stream.
package transcript

import (
	"sync"
	"time"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

// Store is the canonical ordered message log for one conversation. It is pure
// data manipulation, no I/O; every streaming mutation goes through it so at most
// one message is marked streaming at a time.
//
// Message order is append-only except for Replace, used when restoring a
// different conversation.
type Store struct {
	mu          sync.Mutex
	messages    []*chatkit.Message
	streamingID string
}

// NewStore creates an empty transcript store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a message to the end of the log.
func (s *Store) Append(msg *chatkit.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// StartTurn appends a new empty assistant message and marks it as the active
// streaming target. Any previously streaming message must be finalized first.
func (s *Store) StartTurn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &chatkit.Message{
		ID:          id,
		Role:        chatkit.RoleAssistant,
		IsStreaming: true,
		Timestamp:   time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.streamingID = id
}

// AppendStreamText appends text to the active streaming message. It reports
// whether a streaming target exists.
func (s *Store) AppendStreamText(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.streamingLocked()
	if msg == nil {
		return false
	}
	msg.AppendText(text)
	return true
}

// AppendStreamToolCall appends a tool invocation to the active streaming
// message. It reports whether a streaming target exists.
func (s *Store) AppendStreamToolCall(call *chatkit.ToolCallEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.streamingLocked()
	if msg == nil {
		return false
	}
	msg.AppendToolCall(call)
	return true
}

// AttachStreamToolResult records a tool result against the matching call of the
// active streaming message. The first return reports whether a matching call was
// found, the second whether a streaming target exists at all.
func (s *Store) AttachStreamToolResult(result *chatkit.ToolResult) (matched, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.streamingLocked()
	if msg == nil {
		return false, false
	}
	return msg.AttachToolResult(result), true
}

// FinishTurn clears the streaming flag on the active message and returns it, or
// nil when no turn is streaming.
func (s *Store) FinishTurn() *chatkit.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.streamingLocked()
	if msg == nil {
		return nil
	}
	msg.IsStreaming = false
	s.streamingID = ""
	return msg
}

// StreamingID returns the id of the currently streaming message, or "".
func (s *Store) StreamingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingID
}

// Messages returns a shallow snapshot of the message log. The returned
// pointers are live: streaming appends keep mutating them. Callers that hold
// or marshal messages outside the event flow must use Snapshot.
func (s *Store) Messages() []*chatkit.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chatkit.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot returns a deep copy of the message log, taken under the store's
// lock so it is safe to read and marshal while streaming continues.
func (s *Store) Snapshot() []*chatkit.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chatkit.Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = msg.Clone()
	}
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// HasContent reports whether the conversation holds anything worth keeping:
// at least one non-divider message with content.
func (s *Store) HasContent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if !msg.IsContextChange && msg.HasContent() {
			return true
		}
	}
	return false
}

// Replace swaps the entire log, used when restoring a stored conversation.
// Any streaming marker is cleared.
func (s *Store) Replace(msgs []*chatkit.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]*chatkit.Message, len(msgs))
	copy(s.messages, msgs)
	s.streamingID = ""
}

// Clear empties the log.
func (s *Store) Clear() {
	s.Replace(nil)
}

func (s *Store) streamingLocked() *chatkit.Message {
	if s.streamingID == "" {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == s.streamingID {
			return s.messages[i]
		}
	}
	return nil
}
