package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MetricsRecorder receives orchestrator observations. internal/metrics
// implements it; a nil recorder disables recording.
type MetricsRecorder interface {
	RecordLLMRequest(provider, status string, duration time.Duration)
	RecordFailover(provider, reason string)
}

// Orchestrator streams one chat turn through a fixed priority list of
// providers, failing over on rate limits and upstream errors. Chunks from the
// winning attempt are relayed strictly in arrival order.
type Orchestrator struct {
	providers []Provider
	tracker   *StatusTracker
	logger    *zap.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator. The provider slice order is the
// failover priority order.
func NewOrchestrator(providers []Provider, tracker *StatusTracker, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = NewStatusTracker(logger)
	}
	o := &Orchestrator{
		providers: providers,
		tracker:   tracker,
		logger:    logger,
		tracer:    otel.Tracer("vocalis/llm"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StreamWithFallback is the single streaming entry point. It returns a
// channel of normalized chunks; the channel is closed when the turn completes,
// fails on every provider, or ctx is cancelled. Cancelling ctx tears down any
// in-flight upstream stream promptly.
func (o *Orchestrator) StreamWithFallback(ctx context.Context, req *StreamRequest) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		o.run(ctx, req, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, req *StreamRequest, out chan<- StreamChunk) {
	chatReq := o.buildChatRequest(req)

	for _, p := range o.providers {
		if ctx.Err() != nil {
			return
		}
		if cp, ok := p.(ConfiguredProvider); ok && !cp.Configured() {
			o.logger.Debug("skipping unconfigured provider",
				zap.String("provider", p.Name()),
				zap.String("call_id", req.CallID))
			continue
		}
		if !o.tracker.Available(p.Name()) {
			o.logger.Debug("skipping provider on cooldown",
				zap.String("provider", p.Name()),
				zap.String("call_id", req.CallID))
			continue
		}

		if o.attempt(ctx, p, chatReq, req.CallID, out) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	o.logger.Error("all llm providers exhausted", zap.String("call_id", req.CallID))
	emit(ctx, out, StreamChunk{
		Type:    ChunkError,
		Message: "all providers exhausted",
		Err:     &Error{Code: ErrExhausted, Message: "all providers exhausted"},
	})
}

// attempt runs one provider attempt. It returns true when the turn completed
// and no further providers should be tried.
func (o *Orchestrator) attempt(ctx context.Context, p Provider, req *ChatRequest, callID string, out chan<- StreamChunk) bool {
	ctx, span := o.tracer.Start(ctx, "llm.stream",
		trace.WithAttributes(
			attribute.String("llm.provider", p.Name()),
			attribute.String("call.id", callID),
		))
	defer span.End()

	start := time.Now()
	ch, err := p.Stream(ctx, req)
	if err != nil {
		o.fail(ctx, p.Name(), err, start, out)
		return false
	}

	var streamErr *Error
	done := false
	for chunk := range ch {
		switch chunk.Type {
		case ChunkError:
			streamErr = chunk.Err
			if streamErr == nil {
				streamErr = &Error{Code: ErrUpstreamError, Message: chunk.Message, Provider: p.Name()}
			}
		case ChunkDone:
			done = true
			if chunk.Provider == "" {
				chunk.Provider = p.Name()
			}
			if !emit(ctx, out, chunk) {
				return true
			}
		default:
			if !emit(ctx, out, chunk) {
				return true
			}
		}
	}

	if streamErr != nil {
		o.fail(ctx, p.Name(), streamErr, start, out)
		return false
	}
	if ctx.Err() != nil {
		return true
	}
	if !done {
		o.fail(ctx, p.Name(), &Error{
			Code:     ErrUpstreamError,
			Message:  "stream ended without completion",
			Provider: p.Name(),
		}, start, out)
		return false
	}

	o.recordRequest(p.Name(), "success", time.Since(start))
	return true
}

// fail classifies one failed attempt, transitions the tracker, and emits the
// error chunk naming the provider.
func (o *Orchestrator) fail(ctx context.Context, provider string, err error, start time.Time, out chan<- StreamChunk) {
	typed := asError(err, provider)

	reason := "error"
	if typed.IsRateLimit() {
		reason = "rate_limited"
		o.tracker.MarkRateLimited(provider)
	} else {
		o.tracker.MarkError(provider)
	}

	o.logger.Warn("provider attempt failed",
		zap.String("provider", provider),
		zap.String("reason", reason),
		zap.Error(typed))
	o.recordRequest(provider, reason, time.Since(start))
	if o.metrics != nil {
		o.metrics.RecordFailover(provider, reason)
	}

	emit(ctx, out, StreamChunk{
		Type:     ChunkError,
		Message:  typed.Message,
		Provider: provider,
		Err:      typed,
	})
}

func (o *Orchestrator) recordRequest(provider, status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordLLMRequest(provider, status, d)
	}
}

// buildChatRequest assembles system prompt, prior history and the user turn.
// Per-adapter sanitization still runs on the result; history from the session
// registry already satisfies the no-leading-tool invariant.
func (o *Orchestrator) buildChatRequest(req *StreamRequest) *ChatRequest {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, NewSystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, req.History...)
	if req.UserMessage != "" {
		msgs = append(msgs, NewUserMessage(req.UserMessage))
	}
	return &ChatRequest{
		Messages:    msgs,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func asError(err error, provider string) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	code := ErrUpstreamError
	if IsRateLimitText(err.Error()) {
		code = ErrRateLimited
	}
	return &Error{Code: code, Message: err.Error(), Provider: provider}
}

// emit sends a chunk unless ctx is cancelled. It reports whether the consumer
// is still listening.
func emit(ctx context.Context, out chan<- StreamChunk, c StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- c:
		return true
	}
}
