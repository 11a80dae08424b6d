package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm"
)

type eventServer struct {
	lines []string

	gotBody    anthropicRequest
	gotHeaders http.Header
}

func (s *eventServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &s.gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range s.lines {
			_, _ = io.WriteString(w, "data: "+line+"\n\n")
			flusher.Flush()
		}
	}
}

func newTestProvider(t *testing.T, srv *eventServer) *Provider {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	return New(Config{APIKey: "sk-ant-test", BaseURL: ts.URL}, zap.NewNop())
}

func drain(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var out []llm.StreamChunk
	deadline := time.After(3 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestStreamTextDeltas(t *testing.T) {
	srv := &eventServer{lines: []string{
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"We are "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"open until 5."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("when do you close?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, llm.ChunkText, chunks[0].Type)
	assert.Equal(t, "We are ", chunks[0].Content)
	assert.Equal(t, "open until 5.", chunks[1].Content)
	assert.Equal(t, llm.ChunkDone, chunks[2].Type)
	assert.Equal(t, "anthropic", chunks[2].Provider)
}

func TestStreamAssemblesToolUseInput(t *testing.T) {
	srv := &eventServer{lines: []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_01","name":"check_availability"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"date\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"2025-06-02\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("any slots monday?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 2)
	require.Equal(t, llm.ChunkToolCall, chunks[0].Type)
	assert.Equal(t, "toolu_01", chunks[0].ToolCall.ID)
	assert.Equal(t, "check_availability", chunks[0].ToolCall.Name)
	assert.JSONEq(t, `{"date":"2025-06-02"}`, string(chunks[0].ToolCall.Arguments))
}

func TestStreamToolUseWithoutInputGetsEmptyObject(t *testing.T) {
	srv := &eventServer{lines: []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_02","name":"list_services"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("what do you offer?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Equal(t, llm.ChunkToolCall, chunks[0].Type)
	assert.JSONEq(t, `{}`, string(chunks[0].ToolCall.Arguments))
}

func TestStreamDropsMalformedToolInput(t *testing.T) {
	srv := &eventServer{lines: []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_03","name":"check_availability"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"date\":"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("any slots?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkDone, chunks[0].Type)
}

func TestStreamRequestShape(t *testing.T) {
	srv := &eventServer{lines: []string{`{"type":"message_stop"}`}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			llm.NewSystemMessage("you answer for a dental office"),
			llm.NewUserMessage("hi"),
			llm.NewAssistantMessage("").WithToolCalls(llm.ToolCall{
				ID: "toolu_01", Name: "lookup", Arguments: json.RawMessage(`{"q":"hours"}`),
			}),
			llm.NewToolMessage("toolu_01", "lookup", `{"hours":"9-5"}`),
		},
		MaxTokens: 300,
	})
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, "sk-ant-test", srv.gotHeaders.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", srv.gotHeaders.Get("anthropic-version"))

	// System prompt travels as a top-level field, not a message.
	assert.Equal(t, "you answer for a dental office", srv.gotBody.System)
	assert.Equal(t, 300, srv.gotBody.MaxTokens)
	assert.True(t, srv.gotBody.Stream)
	assert.Equal(t, "claude-3-5-haiku-20241022", srv.gotBody.Model)

	require.Len(t, srv.gotBody.Messages, 3)
	assert.Equal(t, "user", srv.gotBody.Messages[0].Role)

	// Assistant tool call becomes a tool_use block.
	require.Len(t, srv.gotBody.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", srv.gotBody.Messages[1].Content[0].Type)
	assert.Equal(t, "toolu_01", srv.gotBody.Messages[1].Content[0].ID)

	// Tool result becomes a user-role tool_result block.
	assert.Equal(t, "user", srv.gotBody.Messages[2].Role)
	require.Len(t, srv.gotBody.Messages[2].Content, 1)
	assert.Equal(t, "tool_result", srv.gotBody.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_01", srv.gotBody.Messages[2].Content[0].ToolUseID)
}

func TestStreamDefaultMaxTokens(t *testing.T) {
	srv := &eventServer{lines: []string{`{"type":"message_stop"}`}}
	p := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	drain(t, ch)

	// The Messages API rejects max_tokens of zero.
	assert.Equal(t, 1024, srv.gotBody.MaxTokens)
}

func TestStreamMapsOverloadedError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"number of requests exceeds your rate limit"}}`)
	}))
	t.Cleanup(ts.Close)

	p := New(Config{APIKey: "sk-ant-test", BaseURL: ts.URL}, zap.NewNop())
	_, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})

	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrRateLimited, typed.Code)
	assert.Equal(t, "anthropic", typed.Provider)
}
