// Package media implements the per-call audio stream handler: one persistent
// websocket carrying JSON-framed media events in and out, plus the silence
// injection that keeps the telephony transport's 20 ms frame cadence alive
// while the synthesis pipeline is bursty or idle.
package media

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// FramePeriod is the transport's frame cadence: one frame every 20 ms.
	FramePeriod = 20 * time.Millisecond

	// MaxSilenceGap is the longest the stream may go without audio before a
	// silence frame is injected. Anything longer risks a playout-buffer
	// underrun on the far end.
	MaxSilenceGap = 100 * time.Millisecond

	// FrameSize is the byte size of one 20 ms frame at 8 kHz mono.
	FrameSize = 160

	// silenceByte is the PCMU (mu-law) silence sample.
	silenceByte = 0xFF
)

var silenceFrame = bytes.Repeat([]byte{silenceByte}, FrameSize)

// State is the handler lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateInactive State = "inactive" // terminal
)

// Socket is the subset of the websocket connection the handler drives.
// *websocket.Conn from gorilla/websocket satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Metrics receives handler observations; nil disables recording.
type Metrics interface {
	RecordSilenceFrame()
}

// Handler owns one media stream socket for the lifetime of a call.
//
// Inbound frames are decoded on the Run loop and dispatched to the callbacks;
// a malformed frame is reported through OnError and the stream continues.
// OnStop fires at most once, on the stop frame or on socket close, whichever
// comes first.
type Handler struct {
	sock   Socket
	logger *zap.Logger

	// writeMu serializes socket writes: the call task, the silence injector
	// and barge-in clears all write concurrently.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	streamSID     string
	callSID       string
	lastAudioSent time.Time
	silenceStop   chan struct{}

	stopOnce sync.Once

	framePeriod time.Duration
	maxGap      time.Duration
	metrics     Metrics
	now         func() time.Time

	// Callbacks. Set before calling Run; nil callbacks are skipped.
	OnStart func(StartEvent)
	OnAudio func([]byte)
	OnStop  func()
	OnError func(error)
}

// Option configures the Handler.
type Option func(*Handler)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithSilenceTiming overrides the frame period and maximum gap. Used by tests.
func WithSilenceTiming(period, maxGap time.Duration) Option {
	return func(h *Handler) {
		h.framePeriod = period
		h.maxGap = maxGap
	}
}

// NewHandler creates a handler over an accepted media-stream socket.
func NewHandler(sock Socket, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		sock:        sock,
		logger:      logger,
		state:       StateIdle,
		framePeriod: FramePeriod,
		maxGap:      MaxSilenceGap,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StreamSID returns the stream id captured from the start frame.
func (h *Handler) StreamSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamSID
}

// CallSID returns the call id captured from the start frame.
func (h *Handler) CallSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callSID
}

// Run reads and dispatches inbound frames until the socket closes or the
// stream stops. It is the caller's goroutine for the life of the call.
func (h *Handler) Run() {
	defer h.deactivate()

	for {
		_, data, err := h.sock.ReadMessage()
		if err != nil {
			if h.State() != StateInactive {
				h.logger.Debug("media socket closed", zap.Error(err))
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.reportError(fmt.Errorf("malformed media frame: %w", err))
			continue
		}

		switch f.Event {
		case "connected":
			h.logger.Debug("media stream connected")

		case "start":
			if f.Start == nil {
				h.reportError(fmt.Errorf("start frame without start payload"))
				continue
			}
			h.activate(*f.Start)

		case "media":
			if f.Media == nil || f.Media.Payload == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				h.reportError(fmt.Errorf("malformed media payload: %w", err))
				continue
			}
			if h.OnAudio != nil {
				h.OnAudio(audio)
			}

		case "mark":
			if f.Mark != nil {
				h.logger.Debug("mark received", zap.String("name", f.Mark.Name))
			}

		case "stop":
			h.deactivate()
			return

		default:
			h.logger.Debug("ignoring unknown media event", zap.String("event", f.Event))
		}
	}
}

func (h *Handler) activate(start StartEvent) {
	h.mu.Lock()
	if h.state != StateIdle {
		h.mu.Unlock()
		return
	}
	h.state = StateActive
	h.streamSID = start.StreamSID
	h.callSID = start.CallSID
	h.lastAudioSent = h.now()
	h.silenceStop = make(chan struct{})
	stop := h.silenceStop
	h.mu.Unlock()

	h.logger.Info("media stream started",
		zap.String("stream_sid", start.StreamSID),
		zap.String("call_sid", start.CallSID),
		zap.String("encoding", start.MediaFormat.Encoding))

	go h.silenceLoop(stop)

	if h.OnStart != nil {
		h.OnStart(start)
	}
}

// deactivate moves the handler to its terminal state, stops the silence
// injector and fires OnStop exactly once.
func (h *Handler) deactivate() {
	h.mu.Lock()
	if h.state == StateInactive {
		h.mu.Unlock()
		return
	}
	h.state = StateInactive
	if h.silenceStop != nil {
		close(h.silenceStop)
		h.silenceStop = nil
	}
	h.mu.Unlock()

	h.stopOnce.Do(func() {
		h.logger.Info("media stream stopped", zap.String("call_sid", h.CallSID()))
		if h.OnStop != nil {
			h.OnStop()
		}
	})
}

// Close stops all periodic work and closes the socket.
func (h *Handler) Close() error {
	h.deactivate()
	return h.sock.Close()
}

// SendAudio base64-encodes raw audio and emits it as a media frame, stamping
// the last-audio time the silence injector watches.
func (h *Handler) SendAudio(audio []byte) error {
	h.mu.Lock()
	if h.state != StateActive {
		h.mu.Unlock()
		return fmt.Errorf("media stream not active")
	}
	sid := h.streamSID
	h.mu.Unlock()

	err := h.writeFrame(frame{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.lastAudioSent = h.now()
	h.mu.Unlock()
	return nil
}

// SendMark emits a mark frame. The transport echoes it back after every
// frame queued before it has played out, which is how playback completion of
// an utterance is learned.
func (h *Handler) SendMark(name string) error {
	h.mu.Lock()
	if h.state != StateActive {
		h.mu.Unlock()
		return fmt.Errorf("media stream not active")
	}
	sid := h.streamSID
	h.mu.Unlock()

	return h.writeFrame(frame{
		Event:     "mark",
		StreamSID: sid,
		Mark:      &markPayload{Name: name},
	})
}

// ClearAudio flushes audio already buffered downstream. Together with the
// registry's interrupt request this is the barge-in mechanism.
func (h *Handler) ClearAudio() error {
	h.mu.Lock()
	if h.state != StateActive {
		h.mu.Unlock()
		return fmt.Errorf("media stream not active")
	}
	sid := h.streamSID
	h.mu.Unlock()

	return h.writeFrame(frame{Event: "clear", StreamSID: sid})
}

func (h *Handler) writeFrame(f frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.sock.WriteJSON(f)
}

// silenceLoop runs while the stream is active. Each tick it injects one
// silence frame when no real audio has been sent within the maximum gap.
func (h *Handler) silenceLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.framePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.injectSilenceIfIdle()
		}
	}
}

func (h *Handler) injectSilenceIfIdle() {
	h.mu.Lock()
	if h.state != StateActive || h.now().Sub(h.lastAudioSent) <= h.maxGap {
		h.mu.Unlock()
		return
	}
	sid := h.streamSID
	h.lastAudioSent = h.now()
	h.mu.Unlock()

	err := h.writeFrame(frame{
		Event:     "media",
		StreamSID: sid,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(silenceFrame)},
	})
	if err != nil {
		h.reportError(fmt.Errorf("silence injection failed: %w", err))
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSilenceFrame()
	}
}

func (h *Handler) reportError(err error) {
	h.logger.Warn("media stream error", zap.Error(err))
	if h.OnError != nil {
		h.OnError(err)
	}
}
