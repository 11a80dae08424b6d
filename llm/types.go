// Package llm provides the provider-agnostic chat types, the provider status
// tracker and the streaming orchestrator used by the call pipeline.
// This package has no dependencies on other vocalis packages so that every
// component can share its message and chunk types without import cycles.
package llm

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message represents one conversation history entry.
//
// A tool-role message carries ToolCallID and ToolName linking it to the
// assistant message that requested the call. An assistant message may carry
// a list of requested tool calls.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message { return NewMessage(RoleSystem, content) }

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message { return NewMessage(RoleUser, content) }

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message { return NewMessage(RoleAssistant, content) }

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   name,
		Timestamp:  time.Now(),
	}
}

// WithToolCalls adds tool-call requests to the message.
func (m Message) WithToolCalls(calls ...ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// ToolSchema describes one tool exposed to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChunkType discriminates the StreamChunk union.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkError    ChunkType = "error"
	ChunkDone     ChunkType = "done"
)

// StreamChunk is one normalized streaming event.
//
//	text:      Content is set.
//	tool_call: ToolCall is set with fully assembled arguments.
//	error:     Message describes the failure, Provider names the origin
//	           (empty when every provider was exhausted). Err carries the
//	           typed error for classification by the orchestrator.
//	done:      Provider names the provider that completed the turn.
type StreamChunk struct {
	Type     ChunkType `json:"type"`
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Message  string    `json:"message,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Err      *Error    `json:"-"`
}

// AsError returns the failure an error chunk carries, or nil for any other
// chunk type.
func (c StreamChunk) AsError() error {
	if c.Type != ChunkError {
		return nil
	}
	if c.Err != nil {
		return c.Err
	}
	return &Error{Code: ErrUpstreamError, Message: c.Message, Provider: c.Provider}
}

// ChatRequest is the provider-agnostic request handed to one adapter.
type ChatRequest struct {
	Model       string       `json:"model,omitempty"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float32      `json:"temperature,omitempty"`
}

// StreamRequest is the orchestrator entry point payload: one user turn plus
// the context needed to build the upstream message list.
type StreamRequest struct {
	CallID       string       `json:"call_id"`
	UserMessage  string       `json:"user_message"`
	History      []Message    `json:"history,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  float32      `json:"temperature,omitempty"`
}
