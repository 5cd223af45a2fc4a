package transcript

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
)

// StreamError is a mid-turn failure reported by the assistant service. The turn
// it interrupted keeps its accumulated content.
type StreamError struct {
	Message string
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("assistant stream error: %s", e.Message)
}

// Hooks receive assembler notifications. Nil fields are skipped.
type Hooks struct {
	// TurnComplete is called with the finished message after an end event.
	TurnComplete func(msg *chatkit.Message)
	// StreamError is called when the service reports a mid-turn failure.
	StreamError func(err *StreamError)
}

// Assembler converts the inbound event stream into transcript mutations.
// Events are applied strictly in arrival order; each Apply produces an
// immediate, synchronous store update, so a reader observing the store after
// every event sees a monotonically growing structure.
type Assembler struct {
	store  *Store
	hooks  Hooks
	logger *slog.Logger
}

// NewAssembler creates an assembler writing into store.
func NewAssembler(store *Store, hooks Hooks, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:  store,
		hooks:  hooks,
		logger: logger.With("component", "assembler"),
	}
}

// Busy reports whether a turn is currently streaming.
func (a *Assembler) Busy() bool {
	return a.store.StreamingID() != ""
}

// Apply processes one inbound event.
func (a *Assembler) Apply(ev chatkit.ServerEvent) {
	switch ev.Type {
	case chatkit.EventStart:
		a.applyStart(ev)
	case chatkit.EventChunk:
		a.applyChunk(ev)
	case chatkit.EventEnd:
		a.applyEnd()
	case chatkit.EventError:
		a.applyError(ev)
	default:
		a.logger.Warn("ignoring unknown event", "type", ev.Type)
	}
}

func (a *Assembler) applyStart(ev chatkit.ServerEvent) {
	// The protocol does not interleave turns; if a start arrives while another
	// turn is streaming, finalize the old one before opening the new.
	if a.store.StreamingID() != "" {
		a.logger.Warn("start event while a turn is streaming, finalizing previous turn")
		a.finishTurn()
	}

	id := ev.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	a.store.StartTurn(id)
	a.logger.Debug("turn started", "message_id", id)
}

func (a *Assembler) applyChunk(ev chatkit.ServerEvent) {
	switch {
	case ev.ToolCall != nil:
		if !a.store.AppendStreamToolCall(ev.ToolCall) {
			a.logger.Warn("tool call chunk with no streaming turn", "tool", ev.ToolCall.Name)
		}
	case ev.ToolResult != nil:
		matched, active := a.store.AttachStreamToolResult(ev.ToolResult)
		if !active {
			a.logger.Warn("tool result chunk with no streaming turn", "tool_call_id", ev.ToolResult.ToolCallID)
		} else if !matched {
			// A result with no matching call id is dropped. If this turns out to
			// be a legitimate race with its call chunk, buffering would go here.
			a.logger.Warn("dropping unmatched tool result", "tool_call_id", ev.ToolResult.ToolCallID)
		}
	case ev.Content != "":
		if !a.store.AppendStreamText(ev.Content) {
			a.logger.Warn("text chunk with no streaming turn")
		}
	}
}

func (a *Assembler) applyEnd() {
	msg := a.finishTurn()
	if msg == nil {
		a.logger.Warn("end event with no streaming turn")
		return
	}
	a.logger.Debug("turn complete", "message_id", msg.ID, "parts", len(msg.Parts))
	if a.hooks.TurnComplete != nil {
		a.hooks.TurnComplete(msg)
	}
}

func (a *Assembler) applyError(ev chatkit.ServerEvent) {
	streamErr := &StreamError{Message: ev.Error}

	// Keep whatever already streamed; the failure is appended inline so the
	// conversational context is preserved.
	a.store.AppendStreamText("\n\nError: " + ev.Error)
	a.finishTurn()

	if a.hooks.StreamError != nil {
		a.hooks.StreamError(streamErr)
	}
}

// CancelActive optimistically terminates the streaming turn client-side: a
// cancellation note is appended and streaming state cleared without waiting for
// the server. Returns false when no turn was streaming.
func (a *Assembler) CancelActive() bool {
	if a.store.StreamingID() == "" {
		return false
	}
	a.store.AppendStreamText("\n\n[cancelled]")
	a.finishTurn()
	return true
}

// AbortActive terminates the streaming turn because the transport was lost,
// appending the failure inline. Returns false when no turn was streaming.
func (a *Assembler) AbortActive(reason string) bool {
	if a.store.StreamingID() == "" {
		return false
	}
	a.store.AppendStreamText("\n\nConnection lost: " + reason)
	a.finishTurn()
	return true
}

func (a *Assembler) finishTurn() *chatkit.Message {
	return a.store.FinishTurn()
}
