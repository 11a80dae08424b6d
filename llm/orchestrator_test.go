package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedProvider replays the same chunk script on every attempt; a non-nil
// dialErr fails the attempt before any chunk.
type scriptedProvider struct {
	name    string
	dialErr error
	script  []StreamChunk

	mu       sync.Mutex
	attempts int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	p.mu.Lock()
	p.attempts++
	p.mu.Unlock()

	if p.dialErr != nil {
		return nil, p.dialErr
	}
	out := make(chan StreamChunk, len(p.script))
	for _, c := range p.script {
		c.Provider = p.name
		out <- c
	}
	close(out)
	return out, nil
}

func (p *scriptedProvider) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func successProvider(name, text string) *scriptedProvider {
	return &scriptedProvider{name: name, script: []StreamChunk{
		{Type: ChunkText, Content: text},
		{Type: ChunkDone},
	}}
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
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

func TestStreamWithFallbackFirstProviderWins(t *testing.T) {
	openai := successProvider("openai", "hello")
	groq := successProvider("groq", "unused")

	o := NewOrchestrator([]Provider{openai, groq}, NewStatusTracker(zap.NewNop()), zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "hello", chunks[0].Content)
	assert.Equal(t, "openai", chunks[0].Provider)
	assert.Equal(t, ChunkDone, chunks[1].Type)
	assert.Equal(t, "openai", chunks[1].Provider)
	assert.Zero(t, groq.attemptCount())
}

func TestStreamWithFallbackRateLimitFailsOver(t *testing.T) {
	openai := &scriptedProvider{
		name:    "openai",
		dialErr: &Error{Code: ErrRateLimited, Message: "429 too many requests", HTTPStatus: 429},
	}
	groq := successProvider("groq", "answer from groq")

	tracker := NewStatusTracker(zap.NewNop())
	o := NewOrchestrator([]Provider{openai, groq}, tracker, zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	// One error chunk naming the failed provider, then the groq answer.
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkError, chunks[0].Type)
	assert.Equal(t, "openai", chunks[0].Provider)
	assert.Equal(t, ChunkText, chunks[1].Type)
	assert.Equal(t, "answer from groq", chunks[1].Content)
	assert.Equal(t, "groq", chunks[1].Provider)
	assert.Equal(t, ChunkDone, chunks[2].Type)
	assert.Equal(t, "groq", chunks[2].Provider)

	// The 429 started a rate-limit cooldown for openai only.
	status, _ := tracker.Status("openai")
	assert.Equal(t, StatusRateLimited, status)
	assert.True(t, tracker.Available("groq"))
}

func TestStreamWithFallbackSkipsCooledDownProvider(t *testing.T) {
	openai := successProvider("openai", "unused")
	groq := successProvider("groq", "groq answer")

	tracker := NewStatusTracker(zap.NewNop())
	tracker.MarkRateLimited("openai")

	o := NewOrchestrator([]Provider{openai, groq}, tracker, zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	assert.Zero(t, openai.attemptCount())
	require.NotEmpty(t, chunks)
	assert.Equal(t, "groq", chunks[0].Provider)
}

func TestStreamWithFallbackSkipsUnconfiguredProvider(t *testing.T) {
	openai := &unconfiguredProvider{scriptedProvider: successProvider("openai", "unused")}
	groq := successProvider("groq", "groq answer")

	tracker := NewStatusTracker(zap.NewNop())
	o := NewOrchestrator([]Provider{openai, groq}, tracker, zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	// Skipped without an attempt, an error chunk, or a cooldown.
	assert.Zero(t, openai.attemptCount())
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, "groq", chunks[0].Provider)
	assert.True(t, tracker.Available("openai"))
}

func TestStreamWithFallbackMidStreamErrorFailsOver(t *testing.T) {
	openai := &scriptedProvider{name: "openai", script: []StreamChunk{
		{Type: ChunkText, Content: "partial "},
		{Type: ChunkError, Message: "upstream reset", Err: &Error{Code: ErrUpstreamError, Message: "upstream reset"}},
	}}
	groq := successProvider("groq", "full answer")

	tracker := NewStatusTracker(zap.NewNop())
	o := NewOrchestrator([]Provider{openai, groq}, tracker, zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	// Partial text, the failure, then the clean groq answer.
	require.Len(t, chunks, 4)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, ChunkError, chunks[1].Type)
	assert.Equal(t, ChunkText, chunks[2].Type)
	assert.Equal(t, ChunkDone, chunks[3].Type)

	status, _ := tracker.Status("openai")
	assert.Equal(t, StatusError, status)
}

func TestStreamWithFallbackTruncatedStreamFailsOver(t *testing.T) {
	// Channel closes without a done chunk.
	openai := &scriptedProvider{name: "openai", script: []StreamChunk{
		{Type: ChunkText, Content: "cut off"},
	}}
	groq := successProvider("groq", "recovered")

	o := NewOrchestrator([]Provider{openai, groq}, NewStatusTracker(zap.NewNop()), zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkDone, last.Type)
	assert.Equal(t, "groq", last.Provider)
	assert.Equal(t, 1, groq.attemptCount())
}

func TestStreamWithFallbackExhaustion(t *testing.T) {
	openai := &scriptedProvider{name: "openai", dialErr: &Error{Code: ErrRateLimited, Message: "quota exceeded"}}
	groq := &scriptedProvider{name: "groq", dialErr: &Error{Code: ErrUpstreamError, Message: "boom"}}

	o := NewOrchestrator([]Provider{openai, groq}, NewStatusTracker(zap.NewNop()), zap.NewNop())
	chunks := collect(t, o.StreamWithFallback(context.Background(), &StreamRequest{
		CallID:      "call-1",
		UserMessage: "hi",
	}))

	require.Len(t, chunks, 3)
	final := chunks[2]
	assert.Equal(t, ChunkError, final.Type)
	assert.Equal(t, "all providers exhausted", final.Message)
	assert.Empty(t, final.Provider)
	require.NotNil(t, final.Err)
	assert.Equal(t, ErrExhausted, final.Err.Code)
}

func TestStreamWithFallbackCancellation(t *testing.T) {
	blocked := make(chan StreamChunk)
	blocking := &blockingProvider{name: "openai", ch: blocked}

	ctx, cancel := context.WithCancel(context.Background())
	o := NewOrchestrator([]Provider{blocking}, NewStatusTracker(zap.NewNop()), zap.NewNop())
	out := o.StreamWithFallback(ctx, &StreamRequest{CallID: "call-1", UserMessage: "hi"})

	cancel()
	close(blocked)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestBuildChatRequestAssemblesMessages(t *testing.T) {
	o := NewOrchestrator(nil, NewStatusTracker(zap.NewNop()), zap.NewNop())

	req := o.buildChatRequest(&StreamRequest{
		CallID:       "call-1",
		SystemPrompt: "be helpful",
		History: []Message{
			NewUserMessage("earlier"),
			NewAssistantMessage("sure"),
		},
		UserMessage: "now this",
		MaxTokens:   256,
	})

	require.Len(t, req.Messages, 4)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be helpful", req.Messages[0].Content)
	assert.Equal(t, "earlier", req.Messages[1].Content)
	assert.Equal(t, "sure", req.Messages[2].Content)
	assert.Equal(t, RoleUser, req.Messages[3].Role)
	assert.Equal(t, "now this", req.Messages[3].Content)
	assert.Equal(t, 256, req.MaxTokens)
}

type unconfiguredProvider struct {
	*scriptedProvider
}

func (p *unconfiguredProvider) Configured() bool { return false }

type blockingProvider struct {
	name string
	ch   chan StreamChunk
}

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	return p.ch, nil
}
