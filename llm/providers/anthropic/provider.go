// Package anthropic provides the Anthropic Messages API streaming adapter.
//
// The Messages API differs from the OpenAI dialect in several ways: auth uses
// an x-api-key header, the system prompt is a separate request field, tool
// results travel as user-role tool_result content blocks, and streaming is a
// sequence of typed content-block events with tool arguments arriving as
// input_json_delta fragments.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/internal/tlsutil"
	"github.com/vocalis-ai/vocalis/llm"
	"github.com/vocalis-ai/vocalis/llm/providers"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Provider streams chat turns through the Anthropic Messages API.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates the Anthropic provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-20241022"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "anthropic" }

// Configured reports whether the provider has an API key.
func (p *Provider) Configured() bool { return p.cfg.APIKey != "" }

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"` // text, tool_use, tool_result
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result payload
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"` // text_delta, input_json_delta
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// convertMessages extracts the system prompt and maps the remaining history
// to Messages API shape. Tool results become user-role tool_result blocks.
func convertMessages(msgs []llm.Message) (string, []anthropicMessage) {
	var system string
	var out []anthropicMessage

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = m.Content
		case llm.RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			am := anthropicMessage{Role: string(m.Role)}
			if m.Content != "" {
				am.Content = append(am.Content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				am.Content = append(am.Content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			if len(am.Content) > 0 {
				out = append(out, am)
			}
		}
	}
	return system, out
}

func convertTools(tools []llm.ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

// Stream opens a streaming Messages API request and returns normalized chunks.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	msgs := llm.SanitizeHistory(req.Messages, p.logger)
	system, converted := convertMessages(msgs)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024 // the Messages API requires max_tokens
	}

	body := anthropicRequest{
		Model:     providers.ChooseModel(req, p.cfg.Model),
		Messages:  converted,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    true,
		Tools:     convertTools(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	// tool_use blocks accumulate their input JSON fragment by fragment,
	// keyed by content-block index.
	type pendingTool struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*pendingTool)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				p.sendError(ctx, ch, err.Error())
			}
			return
		}

		data, ok := providers.SSELine(line)
		if !ok {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			p.sendError(ctx, ch, err.Error())
			return
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingTool{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					if !send(ctx, ch, llm.StreamChunk{Type: llm.ChunkText, Content: event.Delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if pt, ok := pending[event.Index]; ok {
					pt.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			pt, ok := pending[event.Index]
			if !ok {
				continue
			}
			delete(pending, event.Index)
			args := pt.args.String()
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				p.logger.Error("discarding tool call with malformed arguments",
					zap.String("provider", p.Name()),
					zap.String("tool", pt.name),
					zap.String("tool_call_id", pt.id))
				continue
			}
			if !send(ctx, ch, llm.StreamChunk{
				Type: llm.ChunkToolCall,
				ToolCall: &llm.ToolCall{
					ID:        pt.id,
					Name:      pt.name,
					Arguments: json.RawMessage(args),
				},
			}) {
				return
			}

		case "message_stop":
			send(ctx, ch, llm.StreamChunk{Type: llm.ChunkDone, Provider: p.Name()})
			return
		}
	}
}

func (p *Provider) sendError(ctx context.Context, ch chan<- llm.StreamChunk, msg string) {
	send(ctx, ch, llm.StreamChunk{
		Type: llm.ChunkError, Message: msg,
		Err: &llm.Error{
			Code: llm.ErrUpstreamError, Message: msg,
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		},
	})
}

func send(ctx context.Context, ch chan<- llm.StreamChunk, c llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}
