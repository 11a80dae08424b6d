// Package chain wraps the streaming orchestrator with per-call policy: retry
// bookkeeping, ambiguity tracking and escalation to a human agent.
package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm"
)

// Action is the decision an executed turn resolved to.
type Action string

const (
	// ActionRespond delivers Text (and any ToolCalls) to the caller.
	ActionRespond Action = "response"
	// ActionRetry asks the call task to re-run the turn.
	ActionRetry Action = "retry"
	// ActionEscalate hands the call to a human agent.
	ActionEscalate Action = "escalate"
)

// Escalation reasons carried on Outcome.EscalationReason.
const (
	ReasonLLMFailure      = "llm_failure"
	ReasonTransferRequest = "transfer_request"
	ReasonAmbiguity       = "repeated_ambiguity"
)

// Streamer is the orchestrator surface the engine depends on.
type Streamer interface {
	StreamWithFallback(ctx context.Context, req *llm.StreamRequest) <-chan llm.StreamChunk
}

// Metrics receives chain observations; nil disables recording.
type Metrics interface {
	RecordChainOutcome(action string)
}

// Config holds the escalation policy. Zero values take the defaults.
type Config struct {
	// MaxRetries is how many retry outcomes a call may receive before a
	// transient failure escalates instead.
	MaxRetries int
	// AmbiguityThreshold is the consecutive-ambiguous-turn count that forces
	// escalation.
	AmbiguityThreshold int
	// TransferPhrases escalate immediately when found in the user message.
	TransferPhrases []string
}

const (
	defaultMaxRetries         = 2
	defaultAmbiguityThreshold = 3
)

var defaultTransferPhrases = []string{
	"speak to a human",
	"talk to a human",
	"speak to a person",
	"talk to a person",
	"real person",
	"human agent",
	"transfer me",
	"speak to someone",
	"talk to someone",
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.AmbiguityThreshold <= 0 {
		c.AmbiguityThreshold = defaultAmbiguityThreshold
	}
	if len(c.TransferPhrases) == 0 {
		c.TransferPhrases = defaultTransferPhrases
	}
}

// TurnRequest carries one conversational turn through the chain.
type TurnRequest struct {
	CallID       string
	UserMessage  string
	History      []llm.Message
	SystemPrompt string
	Tools        []llm.ToolSchema
	MaxTokens    int
	Temperature  float32

	// Ambiguous marks a turn the upstream transcription or understanding
	// layer flagged as low-confidence.
	Ambiguous bool
}

// TurnMetrics is the observability payload attached to every outcome.
type TurnMetrics struct {
	LLMUsed        string `json:"llm_used"`
	RetryCount     int    `json:"retry_count"`
	TotalLatencyMs int64  `json:"total_latency_ms"`
}

// Outcome is the actionable result of one executed turn.
type Outcome struct {
	Action           Action
	Text             string
	ToolCalls        []llm.ToolCall
	EscalationReason string
	Metrics          TurnMetrics
}

// callState is the per-call accumulator behind the engine's mutex.
type callState struct {
	retryCount      int
	ambiguityStreak int
}

// Engine applies the escalation policy around the orchestrator. One engine
// serves every call in the process; per-call state lives in the states map
// and is released by CleanupCall.
type Engine struct {
	streamer Streamer
	cfg      Config
	logger   *zap.Logger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*callState
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over the given orchestrator.
func NewEngine(streamer Streamer, cfg Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	e := &Engine{
		streamer: streamer,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("vocalis/chain"),
		now:      time.Now,
		states:   make(map[string]*callState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one turn and resolves it to an outcome. A retry outcome means
// the caller should invoke Execute again with the same turn; the engine
// remembers how many retries the call has already spent.
func (e *Engine) Execute(ctx context.Context, req *TurnRequest) *Outcome {
	started := e.now()

	ctx, span := e.tracer.Start(ctx, "chain.turn",
		trace.WithAttributes(attribute.String("call.id", req.CallID)))
	defer span.End()

	state := e.state(req.CallID)

	if reason, ok := e.immediateEscalation(req, state); ok {
		out := e.finish(req, state, started, &Outcome{
			Action:           ActionEscalate,
			EscalationReason: reason,
		})
		span.SetAttributes(attribute.String("chain.action", string(out.Action)))
		return out
	}

	text, toolCalls, provider, streamErr := e.collect(ctx, req)

	var out *Outcome
	switch {
	case streamErr != nil || (text == "" && len(toolCalls) == 0):
		out = e.transientFailure(req, state, provider, streamErr)
	default:
		e.mu.Lock()
		state.retryCount = 0
		e.mu.Unlock()
		out = &Outcome{
			Action:    ActionRespond,
			Text:      text,
			ToolCalls: toolCalls,
			Metrics:   TurnMetrics{LLMUsed: provider},
		}
	}

	out = e.finish(req, state, started, out)
	span.SetAttributes(attribute.String("chain.action", string(out.Action)))
	return out
}

// CleanupCall releases the call's retry and ambiguity state. Calling it again
// for the same call is a no-op.
func (e *Engine) CleanupCall(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, callID)
}

func (e *Engine) state(callID string) *callState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[callID]
	if !ok {
		st = &callState{}
		e.states[callID] = st
	}
	return st
}

// immediateEscalation checks the triggers that bypass the retry budget.
func (e *Engine) immediateEscalation(req *TurnRequest, state *callState) (string, bool) {
	lower := strings.ToLower(req.UserMessage)
	for _, phrase := range e.cfg.TransferPhrases {
		if strings.Contains(lower, phrase) {
			e.logger.Info("transfer phrase detected",
				zap.String("call_id", req.CallID),
				zap.String("phrase", phrase))
			return ReasonTransferRequest, true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Ambiguous {
		state.ambiguityStreak++
		if state.ambiguityStreak >= e.cfg.AmbiguityThreshold {
			e.logger.Info("ambiguity streak reached threshold",
				zap.String("call_id", req.CallID),
				zap.Int("streak", state.ambiguityStreak))
			return ReasonAmbiguity, true
		}
	} else {
		state.ambiguityStreak = 0
	}
	return "", false
}

// collect drains the orchestrated stream into a single answer.
func (e *Engine) collect(ctx context.Context, req *TurnRequest) (text string, toolCalls []llm.ToolCall, provider string, err error) {
	chunks := e.streamer.StreamWithFallback(ctx, &llm.StreamRequest{
		CallID:       req.CallID,
		UserMessage:  req.UserMessage,
		History:      req.History,
		SystemPrompt: req.SystemPrompt,
		Tools:        req.Tools,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
	})

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Provider != "" {
			provider = chunk.Provider
		}
		switch chunk.Type {
		case llm.ChunkText:
			sb.WriteString(chunk.Content)
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llm.ChunkError:
			// A mid-stream error is a failover notice for one provider.
			// Discard that provider's partial output; a later provider may
			// still complete the turn. Only the exhaustion error (no done
			// chunk ever follows it) survives to the caller.
			sb.Reset()
			toolCalls = nil
			err = chunk.AsError()
		case llm.ChunkDone:
			err = nil
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && err == nil {
		err = ctxErr
	}
	return sb.String(), toolCalls, provider, err
}

func (e *Engine) transientFailure(req *TurnRequest, state *callState, provider string, cause error) *Outcome {
	e.mu.Lock()
	state.retryCount++
	retries := state.retryCount
	e.mu.Unlock()

	if retries > e.cfg.MaxRetries {
		e.logger.Warn("retry budget exhausted, escalating",
			zap.String("call_id", req.CallID),
			zap.Int("retries", retries),
			zap.Error(cause))
		return &Outcome{
			Action:           ActionEscalate,
			EscalationReason: ReasonLLMFailure,
			Metrics:          TurnMetrics{LLMUsed: provider},
		}
	}

	e.logger.Warn("turn failed, retrying",
		zap.String("call_id", req.CallID),
		zap.Int("retry", retries),
		zap.Error(cause))
	return &Outcome{
		Action:  ActionRetry,
		Metrics: TurnMetrics{LLMUsed: provider},
	}
}

// finish stamps latency and the current retry count onto the outcome.
func (e *Engine) finish(req *TurnRequest, state *callState, started time.Time, out *Outcome) *Outcome {
	e.mu.Lock()
	out.Metrics.RetryCount = state.retryCount
	e.mu.Unlock()
	out.Metrics.TotalLatencyMs = e.now().Sub(started).Milliseconds()

	if e.metrics != nil {
		e.metrics.RecordChainOutcome(string(out.Action))
	}
	e.logger.Debug("turn resolved",
		zap.String("call_id", req.CallID),
		zap.String("action", string(out.Action)),
		zap.String("llm_used", out.Metrics.LLMUsed),
		zap.Int("retry_count", out.Metrics.RetryCount),
		zap.Int64("latency_ms", out.Metrics.TotalLatencyMs))
	return out
}
