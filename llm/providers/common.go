// Package providers contains the wire-format types and helpers shared by the
// per-vendor streaming adapters.
package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vocalis-ai/vocalis/llm"
)

// MapHTTPError maps an upstream HTTP status to a typed llm.Error with the
// retryability the failover policy expects.
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &llm.Error{Code: llm.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		if llm.IsRateLimitText(msg) {
			return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}

// ReadErrorMessage extracts the error message from an upstream error body,
// falling back to the raw text when it is not the usual JSON envelope.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// OpenAI-compatible chat-completions wire types, used by every provider that
// speaks the OpenAI dialect (openai itself, groq).

// ChatMessage is the OpenAI-compatible message shape.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatToolCall is the OpenAI-compatible tool-call shape. Index is only
// meaningful in streaming deltas, where argument fragments are keyed by it.
type ChatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ChatFunction `json:"function"`
}

// ChatFunction carries the function name and arguments. Arguments is a plain
// string: complete JSON in non-streaming responses, a fragment in deltas.
type ChatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatTool is the OpenAI-compatible tool definition.
type ChatTool struct {
	Type     string             `json:"type"`
	Function ChatToolDefinition `json:"function"`
}

// ChatToolDefinition is the schema half of a tool definition.
type ChatToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ChatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatStreamChoice is one choice inside a streaming response frame.
type ChatStreamChoice struct {
	Index        int          `json:"index"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// ChatStreamResponse is one SSE data frame of a streaming completion.
type ChatStreamResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
}

// ConvertMessages translates provider-agnostic messages into the
// OpenAI-compatible shape.
func ConvertMessages(msgs []llm.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ChatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ChatFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

// ConvertTools translates tool schemas into the OpenAI-compatible shape.
func ConvertTools(tools []llm.ToolSchema) []ChatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ChatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, ChatTool{
			Type: "function",
			Function: ChatToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// ChooseModel picks the request model, falling back to the provider default.
func ChooseModel(req *llm.ChatRequest, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return defaultModel
}

// SSELine splits one "data:"-prefixed SSE line into its payload, reporting
// whether the line carried a data payload at all.
func SSELine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
