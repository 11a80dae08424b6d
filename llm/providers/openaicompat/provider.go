// Package openaicompat is the shared base for providers speaking the OpenAI
// chat-completions dialect. Vendor packages (openai, groq) embed this and only
// override what differs: name, base URL, default model, headers.
package openaicompat

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

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier, e.g. "openai", "groq".
	ProviderName string

	// APIKey authenticates against the provider's API.
	APIKey string

	// BaseURL is the API base, e.g. "https://api.openai.com".
	BaseURL string

	// DefaultModel is used when the request does not name one.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 30s.
	Timeout time.Duration

	// EndpointPath is the completions path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// BuildHeaders optionally replaces the default Bearer auth headers.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the base implementation for OpenAI-compatible streaming.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates an OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// Configured reports whether the provider has an API key.
func (p *Provider) Configured() bool { return p.Cfg.APIKey != "" }

func (p *Provider) buildHeaders(req *http.Request) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, p.Cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), p.Cfg.EndpointPath)
}

// Stream opens a streaming chat completion and returns normalized chunks.
// Incremental text becomes text chunks; tool-call argument fragments are
// accumulated per delta index and emitted as one tool_call chunk when the
// choice finishes; a clean [DONE] becomes a done chunk.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	msgs := llm.SanitizeHistory(req.Messages, p.Logger)

	body := providers.ChatRequest{
		Model:       providers.ChooseModel(req, p.Cfg.DefaultModel),
		Messages:    providers.ConvertMessages(msgs),
		Tools:       providers.ConvertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.Client.Do(httpReq)
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

// pendingToolCall accumulates argument fragments for one delta index until
// the upstream signals the call is complete.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	pending := make(map[int]*pendingToolCall)
	order := make([]int, 0, 2)
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				sendChunk(ctx, ch, llm.StreamChunk{
					Type: llm.ChunkError, Message: err.Error(),
					Err: &llm.Error{
						Code: llm.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
					},
				})
			}
			return
		}

		data, ok := providers.SSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			p.flushToolCalls(ctx, pending, order, ch)
			sendChunk(ctx, ch, llm.StreamChunk{Type: llm.ChunkDone, Provider: p.Name()})
			return
		}

		var frame providers.ChatStreamResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			sendChunk(ctx, ch, llm.StreamChunk{
				Type: llm.ChunkError, Message: err.Error(),
				Err: &llm.Error{
					Code: llm.ErrUpstreamError, Message: err.Error(),
					HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
				},
			})
			return
		}

		for _, choice := range frame.Choices {
			if choice.Delta != nil {
				if choice.Delta.Content != "" {
					if !sendChunk(ctx, ch, llm.StreamChunk{Type: llm.ChunkText, Content: choice.Delta.Content}) {
						return
					}
				}
				p.accumulate(choice.Delta.ToolCalls, pending, &order)
			}
			if choice.FinishReason == "tool_calls" {
				p.flushToolCalls(ctx, pending, order, ch)
				pending = make(map[int]*pendingToolCall)
				order = order[:0]
			}
		}
	}
}

func (p *Provider) accumulate(calls []providers.ChatToolCall, pending map[int]*pendingToolCall, order *[]int) {
	for _, tc := range calls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		pc, ok := pending[idx]
		if !ok {
			pc = &pendingToolCall{}
			pending[idx] = pc
			*order = append(*order, idx)
		}
		if tc.ID != "" {
			pc.id = tc.ID
		}
		if tc.Function.Name != "" {
			pc.name = tc.Function.Name
		}
		pc.args.WriteString(tc.Function.Arguments)
	}
}

// flushToolCalls parses each accumulated argument string and emits one
// tool_call chunk per completed call. A parse failure is logged and the call
// dropped; it never aborts the stream.
func (p *Provider) flushToolCalls(ctx context.Context, pending map[int]*pendingToolCall, order []int, ch chan<- llm.StreamChunk) {
	for _, idx := range order {
		pc, ok := pending[idx]
		if !ok {
			continue
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			p.Logger.Error("discarding tool call with malformed arguments",
				zap.String("provider", p.Name()),
				zap.String("tool", pc.name),
				zap.String("tool_call_id", pc.id))
			continue
		}
		sendChunk(ctx, ch, llm.StreamChunk{
			Type: llm.ChunkToolCall,
			ToolCall: &llm.ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: json.RawMessage(args),
			},
		})
	}
}

func sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, c llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}
