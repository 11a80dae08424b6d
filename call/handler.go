// Package call composes one live phone call: the media stream, the speech
// collaborators, the session registry and the retry/escalation chain. One
// Handler runs per accepted websocket.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vocalis-ai/vocalis/chain"
	"github.com/vocalis-ai/vocalis/llm"
	"github.com/vocalis-ai/vocalis/media"
	"github.com/vocalis-ai/vocalis/notify"
	"github.com/vocalis-ai/vocalis/session"
	"github.com/vocalis-ai/vocalis/speech"
)

// TranscriptStream is one live speech-to-text session.
type TranscriptStream interface {
	SendAudio(audio []byte) error
	Results() <-chan speech.Transcript
	Close() error
}

// Transcriber opens a transcript stream per call.
type Transcriber interface {
	OpenStream(ctx context.Context) (TranscriptStream, error)
}

// Synthesizer streams synthesized audio for one utterance.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// CallStore persists the call record. Both methods run off the hot path.
type CallStore interface {
	RecordCallStart(ctx context.Context, callID, tenantID, callerPhone string, startedAt time.Time) error
	RecordCallEnd(ctx context.Context, callID, outcome string, escalated bool, transcriptLen int, endedAt time.Time) error
}

// TenantLookup resolves the called number to its tenant.
type TenantLookup interface {
	TenantByNumber(ctx context.Context, number string) (*session.TenantConfig, error)
}

// NotifyQueue enqueues fire-and-forget notifications.
type NotifyQueue interface {
	Enqueue(ctx context.Context, n *notify.Notification) error
}

// Metrics receives call lifecycle observations; nil disables recording.
type Metrics interface {
	CallStarted()
	CallEnded(duration time.Duration)
}

// Outcomes recorded on the call record.
const (
	outcomeCompleted = "completed"
	outcomeEscalated = "escalated"
	outcomeFailed    = "failed"
)

// ambiguityConfidence is the STT confidence below which a final transcript
// counts as an ambiguous turn.
const ambiguityConfidence = 0.5

const escalationMessage = "Let me transfer you to a member of our team. One moment please."

// Deps carries the handler's collaborators. Store, Queue and Metrics may be
// nil; the rest are required.
type Deps struct {
	Registry    *session.Registry
	Engine      *chain.Engine
	Transcriber Transcriber
	Synthesizer Synthesizer
	Tenants     TenantLookup
	Store       CallStore
	Queue       NotifyQueue
	Metrics     Metrics
	Logger      *zap.Logger
}

// Handler drives one call from stream start to hangup.
type Handler struct {
	deps  Deps
	media *media.Handler

	mu         sync.Mutex
	callID     string
	tenant     session.TenantConfig
	caller     string
	stt        TranscriptStream
	turnCancel context.CancelFunc
	escalated  bool
	started    time.Time
	active     bool
}

// NewHandler wires a handler onto an accepted media stream.
func NewHandler(m *media.Handler, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Handler{deps: deps, media: m}
}

// Run blocks for the lifetime of the call. It returns after the media stream
// ends and teardown completes; the error is the first collaborator failure,
// or nil for a normal hangup.
func (h *Handler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	h.media.OnStart = func(ev media.StartEvent) {
		if err := h.start(gctx, g, ev); err != nil {
			h.deps.Logger.Error("call start failed", zap.Error(err))
			_ = h.media.Close()
		}
	}
	h.media.OnAudio = h.inboundAudio
	h.media.OnStop = cancel
	h.media.OnError = func(err error) {
		h.deps.Logger.Warn("media error on call", zap.String("call_id", h.CallID()), zap.Error(err))
	}

	g.Go(func() error {
		h.media.Run()
		cancel()
		return nil
	})

	<-gctx.Done()
	h.cancelTurn()

	h.mu.Lock()
	stt := h.stt
	h.mu.Unlock()
	if stt != nil {
		_ = stt.Close()
	}
	_ = h.media.Close()

	err := g.Wait()
	h.teardown()
	return err
}

// CallID returns the call identifier once the stream has started.
func (h *Handler) CallID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callID
}

// start resolves the tenant, registers the session, opens the STT stream and
// plays the greeting. Runs on the media read goroutine.
func (h *Handler) start(ctx context.Context, g *errgroup.Group, ev media.StartEvent) error {
	callID := ev.CallSID
	caller := ev.CustomParams["from"]
	called := ev.CustomParams["to"]

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tenant, err := h.deps.Tenants.TenantByNumber(lookupCtx, called)
	if err != nil {
		return err
	}

	if _, err := h.deps.Registry.Create(callID, *tenant, caller); err != nil {
		return err
	}

	stt, err := h.deps.Transcriber.OpenStream(ctx)
	if err != nil {
		h.deps.Registry.End(callID)
		return err
	}

	now := time.Now()
	h.mu.Lock()
	h.callID = callID
	h.tenant = *tenant
	h.caller = caller
	h.stt = stt
	h.started = now
	h.active = true
	h.mu.Unlock()

	if h.deps.Metrics != nil {
		h.deps.Metrics.CallStarted()
	}
	if h.deps.Store != nil {
		go func() {
			storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.deps.Store.RecordCallStart(storeCtx, callID, tenant.TenantID, caller, now); err != nil {
				h.deps.Logger.Error("call record create failed", zap.String("call_id", callID), zap.Error(err))
			}
		}()
	}

	h.deps.Logger.Info("call started",
		zap.String("call_id", callID),
		zap.String("tenant_id", tenant.TenantID),
		zap.String("caller", caller))

	g.Go(func() error {
		h.turnLoop(ctx, stt)
		return nil
	})

	if tenant.Greeting != "" {
		g.Go(func() error {
			h.speak(ctx, tenant.Greeting)
			return nil
		})
	}
	return nil
}

// inboundAudio relays caller audio to the transcriber. Runs on the media
// read goroutine.
func (h *Handler) inboundAudio(audio []byte) {
	h.mu.Lock()
	stt := h.stt
	h.mu.Unlock()
	if stt == nil {
		return
	}
	if err := stt.SendAudio(audio); err != nil {
		h.deps.Logger.Warn("audio relay to transcriber failed",
			zap.String("call_id", h.CallID()), zap.Error(err))
	}
}

// turnLoop consumes transcripts for the call's lifetime. Turns run on their
// own goroutine so the loop keeps seeing interim results during playback;
// caller speech while the assistant is playing triggers barge-in, and a new
// final transcript supersedes the in-flight turn.
func (h *Handler) turnLoop(ctx context.Context, stt TranscriptStream) {
	var turnDone chan struct{}

	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-stt.Results():
			if !ok {
				return
			}
			callID := h.CallID()
			h.deps.Registry.SetSpeaking(callID, !tr.Final)

			if h.deps.Registry.RequestInterrupt(callID) {
				h.bargeIn(callID)
			}
			if !tr.Final {
				continue
			}

			if turnDone != nil {
				h.cancelTurn()
				select {
				case <-turnDone:
				case <-ctx.Done():
					return
				}
			}

			done := make(chan struct{})
			turnDone = done
			go func(tr speech.Transcript) {
				defer close(done)
				h.runTurn(ctx, tr)
			}(tr)
		}
	}
}

// bargeIn flushes queued playback and cancels the in-flight turn so the
// caller is not talked over.
func (h *Handler) bargeIn(callID string) {
	h.deps.Logger.Debug("barge-in", zap.String("call_id", callID))
	if err := h.media.ClearAudio(); err != nil {
		h.deps.Logger.Warn("clear on barge-in failed", zap.String("call_id", callID), zap.Error(err))
	}
	h.cancelTurn()
}

// runTurn executes one user turn through the chain, including its retry
// loop, and plays the outcome.
func (h *Handler) runTurn(ctx context.Context, tr speech.Transcript) {
	callID := h.CallID()

	turnCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.turnCancel = cancel
	tenant := h.tenant
	h.mu.Unlock()
	defer h.clearTurn(cancel)

	h.deps.Registry.AddMessage(callID, llm.NewUserMessage(tr.Text))

	req := &chain.TurnRequest{
		CallID:       callID,
		UserMessage:  tr.Text,
		SystemPrompt: tenant.SystemPrompt,
		Ambiguous:    tr.Confidence > 0 && tr.Confidence < ambiguityConfidence,
	}

	for {
		if turnCtx.Err() != nil {
			return
		}
		sess := h.deps.Registry.Get(callID)
		if sess == nil {
			return
		}
		req.History = sess.History()

		out := h.deps.Engine.Execute(turnCtx, req)
		switch out.Action {
		case chain.ActionRespond:
			h.deps.Registry.AddMessage(callID, llm.NewAssistantMessage(out.Text))
			h.speakWithContext(turnCtx, out.Text)
			return
		case chain.ActionRetry:
			continue
		case chain.ActionEscalate:
			h.escalate(ctx, out.EscalationReason)
			return
		}
	}
}

// speak plays one utterance without a cancellable turn attached.
func (h *Handler) speak(ctx context.Context, text string) {
	h.speakWithContext(ctx, text)
}

// speakWithContext synthesizes and streams one utterance, honoring barge-in:
// an interrupt request mid-playback flushes the transport buffer and stops.
func (h *Handler) speakWithContext(ctx context.Context, text string) {
	callID := h.CallID()

	chunks, err := h.deps.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		h.deps.Logger.Error("synthesis failed", zap.String("call_id", callID), zap.Error(err))
		return
	}

	h.deps.Registry.SetPlaying(callID, true)
	defer func() {
		h.deps.Registry.SetPlaying(callID, false)
		h.deps.Registry.ClearInterrupt(callID)
	}()

	for chunk := range chunks {
		if ctx.Err() != nil {
			return
		}
		if sess := h.deps.Registry.Get(callID); sess != nil && sess.InterruptRequested() {
			_ = h.media.ClearAudio()
			return
		}
		if err := h.media.SendAudio(chunk); err != nil {
			h.deps.Logger.Warn("audio send failed", zap.String("call_id", callID), zap.Error(err))
			return
		}
	}

	if err := h.media.SendMark("utt-" + uuid.NewString()); err != nil {
		h.deps.Logger.Debug("mark send failed", zap.String("call_id", callID), zap.Error(err))
	}
}

// escalate notifies the human target, says goodbye and hangs up.
func (h *Handler) escalate(ctx context.Context, reason string) {
	h.mu.Lock()
	h.escalated = true
	callID := h.callID
	tenant := h.tenant
	caller := h.caller
	h.mu.Unlock()

	h.deps.Logger.Info("escalating call",
		zap.String("call_id", callID),
		zap.String("reason", reason),
		zap.String("target", tenant.EscalationPhone))

	if h.deps.Queue != nil {
		go func() {
			queueCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			err := h.deps.Queue.Enqueue(queueCtx, &notify.Notification{
				Kind:        notify.KindEscalation,
				TenantID:    tenant.TenantID,
				CallID:      callID,
				CallerPhone: caller,
				TargetPhone: tenant.EscalationPhone,
				Reason:      reason,
			})
			if err != nil {
				h.deps.Logger.Error("escalation notify failed", zap.String("call_id", callID), zap.Error(err))
			}
		}()
	}

	h.speak(ctx, escalationMessage)
	_ = h.media.Close()
}

func (h *Handler) cancelTurn() {
	h.mu.Lock()
	cancel := h.turnCancel
	h.turnCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handler) clearTurn(cancel context.CancelFunc) {
	h.mu.Lock()
	if h.turnCancel != nil {
		h.turnCancel = nil
	}
	h.mu.Unlock()
	cancel()
}

// teardown releases every per-call resource exactly once.
func (h *Handler) teardown() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.active = false
	callID := h.callID
	escalated := h.escalated
	started := h.started
	h.mu.Unlock()

	sess := h.deps.Registry.End(callID)
	h.deps.Engine.CleanupCall(callID)

	transcriptLen := 0
	if sess != nil {
		transcriptLen = len(sess.History())
	}
	duration := time.Since(started)

	if h.deps.Metrics != nil {
		h.deps.Metrics.CallEnded(duration)
	}
	if h.deps.Store != nil {
		outcome := outcomeCompleted
		if escalated {
			outcome = outcomeEscalated
		}
		go func() {
			storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := h.deps.Store.RecordCallEnd(storeCtx, callID, outcome, escalated, transcriptLen, time.Now())
			if err != nil {
				h.deps.Logger.Error("call record finalize failed", zap.String("call_id", callID), zap.Error(err))
			}
		}()
	}

	h.deps.Logger.Info("call ended",
		zap.String("call_id", callID),
		zap.Bool("escalated", escalated),
		zap.Duration("duration", duration),
		zap.Int("transcript_len", transcriptLen))
}
