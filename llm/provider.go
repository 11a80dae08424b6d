package llm

import "context"

// Provider is the streaming adapter for one upstream LLM service.
//
// Stream opens the upstream request and returns a channel of normalized
// chunks. A nil channel with an error means the attempt failed before any
// chunk was produced (bad request, non-2xx, transport failure). Once the
// channel is returned, failures are reported as a ChunkError and the channel
// is closed; a clean upstream end is reported as a ChunkDone. Adapters must
// honor ctx cancellation by tearing down the upstream stream promptly.
type Provider interface {
	// Name returns the unique provider identifier, e.g. "openai".
	Name() string

	// Stream opens a streaming chat completion.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ConfiguredProvider is optionally implemented by providers that can tell
// whether they have the credentials to serve requests. The orchestrator skips
// a provider reporting false without spending an attempt on it.
type ConfiguredProvider interface {
	Configured() bool
}
