// Package chatkit defines the conversation data model and wire protocol shared by
// the assistant engine: messages, typed content parts, tool calls, and the envelope
// types exchanged with the assistant service.
package chatkit

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PartType discriminates the content part union.
type PartType string

const (
	// PartText is a run of assistant text.
	PartText PartType = "text"
	// PartToolGroup bundles consecutive tool invocations.
	PartToolGroup PartType = "toolGroup"
)

// Part is a typed, order-preserving fragment of an assistant message.
// Exactly one of Content or ToolCalls is populated, selected by Type.
type Part struct {
	Type      PartType         `json:"type"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []*ToolCallEntry `json:"toolCalls,omitempty"`
}

// ToolCallEntry is a single tool invocation requested by the assistant.
// Result starts nil and is filled exactly once, matched by ID.
type ToolCallEntry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    *ToolResult     `json:"result,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Message represents a single conversational turn.
//
// For an assistant message with non-empty Parts, Parts is authoritative for
// rendering; Content is the flattened text kept for the non-streaming path and
// backward compatibility. ToolCalls and ToolResults are flattened legacy views
// derived from Parts.
type Message struct {
	ID              string           `json:"id"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	Parts           []*Part          `json:"parts,omitempty"`
	ToolCalls       []*ToolCallEntry `json:"toolCalls,omitempty"`
	ToolResults     []*ToolResult    `json:"toolResults,omitempty"`
	IsStreaming     bool             `json:"isStreaming,omitempty"`
	IsContextChange bool             `json:"isContextChange,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// AppendText adds streamed text to the message, extending the last part if it is
// a text part and opening a new one otherwise. The flattened Content always grows.
func (m *Message) AppendText(text string) {
	m.Content += text

	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartText {
		m.Parts[n-1].Content += text
		return
	}
	m.Parts = append(m.Parts, &Part{Type: PartText, Content: text})
}

// AppendToolCall adds a tool invocation, extending the last part if it is a
// toolGroup and opening a new one otherwise.
func (m *Message) AppendToolCall(call *ToolCallEntry) {
	m.ToolCalls = append(m.ToolCalls, call)

	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == PartToolGroup {
		m.Parts[n-1].ToolCalls = append(m.Parts[n-1].ToolCalls, call)
		return
	}
	m.Parts = append(m.Parts, &Part{Type: PartToolGroup, ToolCalls: []*ToolCallEntry{call}})
}

// AttachToolResult records a tool result against the matching call entry,
// scanning every toolGroup part. It reports whether a matching call was found;
// an unmatched result leaves the message unchanged.
func (m *Message) AttachToolResult(result *ToolResult) bool {
	for _, part := range m.Parts {
		if part.Type != PartToolGroup {
			continue
		}
		for _, call := range part.ToolCalls {
			if call.ID == result.ToolCallID {
				call.Result = result
				m.ToolResults = append(m.ToolResults, result)
				return true
			}
		}
	}
	return false
}

// HasContent reports whether the message carries any renderable content.
func (m *Message) HasContent() bool {
	return m.Content != "" || len(m.Parts) > 0
}

// Clone returns a deep copy of the message. Tool call entries shared between
// Parts and the flattened ToolCalls view stay shared in the clone.
func (m *Message) Clone() *Message {
	clone := *m

	cloned := make(map[*ToolCallEntry]*ToolCallEntry, len(m.ToolCalls))
	cloneCall := func(call *ToolCallEntry) *ToolCallEntry {
		if c, ok := cloned[call]; ok {
			return c
		}
		c := *call
		if call.Arguments != nil {
			c.Arguments = append(json.RawMessage(nil), call.Arguments...)
		}
		if call.Result != nil {
			result := *call.Result
			c.Result = &result
		}
		cloned[call] = &c
		return &c
	}

	if m.Parts != nil {
		clone.Parts = make([]*Part, len(m.Parts))
		for i, part := range m.Parts {
			p := *part
			if part.ToolCalls != nil {
				p.ToolCalls = make([]*ToolCallEntry, len(part.ToolCalls))
				for j, call := range part.ToolCalls {
					p.ToolCalls[j] = cloneCall(call)
				}
			}
			clone.Parts[i] = &p
		}
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]*ToolCallEntry, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			clone.ToolCalls[i] = cloneCall(call)
		}
	}
	if m.ToolResults != nil {
		clone.ToolResults = make([]*ToolResult, len(m.ToolResults))
		for i, result := range m.ToolResults {
			r := *result
			clone.ToolResults[i] = &r
		}
	}
	return &clone
}
