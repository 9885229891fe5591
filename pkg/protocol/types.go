// Package protocol defines the message, tool-call and event shapes shared by
// every layer of the execution core, together with the error kinds that cross
// component boundaries.
package protocol

import (
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the uniform representation of a model-issued tool invocation.
// Provider adapters normalise their native shapes into this one.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry of a conversation. A tool message references the
// assistant tool call it answers via ToolCallID.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Events     []*Event    `json:"events,omitempty"`
}

func NewSystemMessage(content string) *Message {
	return &Message{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) *Message {
	return &Message{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, toolCalls ...*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

func NewToolMessage(toolCallID, name, content string) *Message {
	return &Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, Name: name}
}

type EventStatus string

const (
	EventStart EventStatus = "START"
	EventEnd   EventStatus = "END"
	EventError EventStatus = "ERROR"
)

// Event is a tool-execution progress marker. Events are ordered and
// append-only within a turn; they are both streamed to the client and
// persisted alongside the assistant message.
type Event struct {
	Status    EventStatus `json:"status"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	Timestamp float64     `json:"timestamp"`
}

func NewEvent(status EventStatus, title, message string) *Event {
	return &Event{
		Status:    status,
		Title:     title,
		Message:   message,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}
