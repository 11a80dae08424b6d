package openaicompat

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
	"github.com/vocalis-ai/vocalis/llm/providers"
)

// sseServer replays prepared SSE lines and captures the request it received.
type sseServer struct {
	lines []string

	gotBody    providers.ChatRequest
	gotHeaders http.Header
}

func (s *sseServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.gotHeaders = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &s.gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range s.lines {
			_, _ = io.WriteString(w, line+"\n\n")
			flusher.Flush()
		}
	}
}

func newTestProvider(t *testing.T, srv *sseServer) (*Provider, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)
	return New(Config{
		ProviderName: "openai",
		APIKey:       "sk-test",
		BaseURL:      ts.URL,
		DefaultModel: "gpt-4o-mini",
	}, zap.NewNop()), ts
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

func delta(content string) string {
	frame := providers.ChatStreamResponse{Choices: []providers.ChatStreamChoice{
		{Delta: &providers.ChatMessage{Content: content}},
	}}
	data, _ := json.Marshal(frame)
	return "data: " + string(data)
}

func toolDelta(index int, id, name, argFragment string) string {
	frame := providers.ChatStreamResponse{Choices: []providers.ChatStreamChoice{
		{Delta: &providers.ChatMessage{ToolCalls: []providers.ChatToolCall{{
			Index:    &index,
			ID:       id,
			Function: providers.ChatFunction{Name: name, Arguments: argFragment},
		}}}},
	}}
	data, _ := json.Marshal(frame)
	return "data: " + string(data)
}

func finish(reason string) string {
	frame := providers.ChatStreamResponse{Choices: []providers.ChatStreamChoice{
		{Delta: &providers.ChatMessage{}, FinishReason: reason},
	}}
	data, _ := json.Marshal(frame)
	return "data: " + string(data)
}

func TestStreamTextDeltas(t *testing.T) {
	srv := &sseServer{lines: []string{
		delta("Our "),
		delta("hours are "),
		delta("9 to 5."),
		finish("stop"),
		"data: [DONE]",
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("what are your hours?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 4)
	var text string
	for _, c := range chunks[:3] {
		assert.Equal(t, llm.ChunkText, c.Type)
		text += c.Content
	}
	assert.Equal(t, "Our hours are 9 to 5.", text)
	assert.Equal(t, llm.ChunkDone, chunks[3].Type)
	assert.Equal(t, "openai", chunks[3].Provider)
}

func TestStreamRequestShape(t *testing.T) {
	srv := &sseServer{lines: []string{"data: [DONE]"}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages:    []llm.Message{llm.NewUserMessage("hi")},
		MaxTokens:   150,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, "Bearer sk-test", srv.gotHeaders.Get("Authorization"))
	assert.Equal(t, "application/json", srv.gotHeaders.Get("Content-Type"))
	assert.Equal(t, "gpt-4o-mini", srv.gotBody.Model)
	assert.True(t, srv.gotBody.Stream)
	assert.Equal(t, 150, srv.gotBody.MaxTokens)
	require.Len(t, srv.gotBody.Messages, 1)
	assert.Equal(t, "user", srv.gotBody.Messages[0].Role)
}

func TestStreamRequestModelOverride(t *testing.T) {
	srv := &sseServer{lines: []string{"data: [DONE]"}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, "gpt-4o", srv.gotBody.Model)
}

func TestStreamSanitizesLeadingToolMessage(t *testing.T) {
	srv := &sseServer{lines: []string{"data: [DONE]"}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			llm.NewToolMessage("call_gone", "lookup", `{}`),
			llm.NewUserMessage("hi"),
		},
	})
	require.NoError(t, err)
	drain(t, ch)

	require.Len(t, srv.gotBody.Messages, 1)
	assert.Equal(t, "user", srv.gotBody.Messages[0].Role)
}

func TestStreamAssemblesFragmentedToolCall(t *testing.T) {
	srv := &sseServer{lines: []string{
		toolDelta(0, "call_abc", "check_availability", ""),
		toolDelta(0, "", "", `{"date":`),
		toolDelta(0, "", "", `"2025-06-02",`),
		toolDelta(0, "", "", `"time":"10:00"}`),
		finish("tool_calls"),
		"data: [DONE]",
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("book me in")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 2)
	require.Equal(t, llm.ChunkToolCall, chunks[0].Type)
	require.NotNil(t, chunks[0].ToolCall)
	assert.Equal(t, "call_abc", chunks[0].ToolCall.ID)
	assert.Equal(t, "check_availability", chunks[0].ToolCall.Name)
	assert.JSONEq(t, `{"date":"2025-06-02","time":"10:00"}`, string(chunks[0].ToolCall.Arguments))
	assert.Equal(t, llm.ChunkDone, chunks[1].Type)
}

func TestStreamParallelToolCallsKeepOrder(t *testing.T) {
	srv := &sseServer{lines: []string{
		toolDelta(0, "call_a", "check_availability", `{"date":"2025-06-02"}`),
		toolDelta(1, "call_b", "lookup_caller", `{"phone":"+15550100"}`),
		finish("tool_calls"),
		"data: [DONE]",
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("book me in")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, "call_a", chunks[0].ToolCall.ID)
	assert.Equal(t, "call_b", chunks[1].ToolCall.ID)
}

func TestStreamDropsToolCallWithMalformedArguments(t *testing.T) {
	srv := &sseServer{lines: []string{
		toolDelta(0, "call_bad", "check_availability", `{"date":`),
		finish("tool_calls"),
		delta("I can check that for you."),
		"data: [DONE]",
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("book me in")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	// The bad call is dropped; the rest of the stream is intact.
	require.Len(t, chunks, 2)
	assert.Equal(t, llm.ChunkText, chunks[0].Type)
	assert.Equal(t, llm.ChunkDone, chunks[1].Type)
}

func TestStreamEmptyArgumentsBecomeEmptyObject(t *testing.T) {
	srv := &sseServer{lines: []string{
		toolDelta(0, "call_noargs", "list_services", ""),
		finish("tool_calls"),
		"data: [DONE]",
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("what do you offer?")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	require.Equal(t, llm.ChunkToolCall, chunks[0].Type)
	assert.JSONEq(t, `{}`, string(chunks[0].ToolCall.Arguments))
}

func TestStreamMapsRateLimitError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limit exceeded","type":"tokens"}}`)
	}))
	t.Cleanup(ts.Close)

	p := New(Config{ProviderName: "openai", APIKey: "sk-test", BaseURL: ts.URL}, zap.NewNop())
	_, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.Error(t, err)

	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrRateLimited, typed.Code)
	assert.True(t, typed.IsRateLimit())
	assert.Equal(t, "openai", typed.Provider)
	assert.Contains(t, typed.Message, "rate limit exceeded")
}

func TestStreamMapsAuthError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key"}}`)
	}))
	t.Cleanup(ts.Close)

	p := New(Config{ProviderName: "openai", APIKey: "sk-bad", BaseURL: ts.URL}, zap.NewNop())
	_, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})

	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrUnauthorized, typed.Code)
	assert.False(t, typed.IsRateLimit())
}

func TestStreamTruncatedWithoutDone(t *testing.T) {
	srv := &sseServer{lines: []string{
		delta("partial answ"),
	}}
	p, _ := newTestProvider(t, srv)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	chunks := drain(t, ch)

	// No done chunk; the orchestrator treats this as a failed attempt.
	require.Len(t, chunks, 1)
	assert.Equal(t, llm.ChunkText, chunks[0].Type)
}

func TestStreamCustomHeaders(t *testing.T) {
	srv := &sseServer{lines: []string{"data: [DONE]"}}
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	p := New(Config{
		ProviderName: "custom",
		APIKey:       "key-1",
		BaseURL:      ts.URL,
		BuildHeaders: func(req *http.Request, apiKey string) {
			req.Header.Set("X-Api-Key", apiKey)
			req.Header.Set("Content-Type", "application/json")
		},
	}, zap.NewNop())

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{llm.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, "key-1", srv.gotHeaders.Get("X-Api-Key"))
	assert.Empty(t, srv.gotHeaders.Get("Authorization"))
}
