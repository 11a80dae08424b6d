package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DeepgramConfig configures the live transcription connection.
type DeepgramConfig struct {
	APIKey string
	// BaseURL defaults to wss://api.deepgram.com.
	BaseURL string
	// Model defaults to nova-2.
	Model string
	// Language is optional (e.g. "en-US").
	Language string
	// Endpointing is the silence window Deepgram uses to finalize an
	// utterance, in milliseconds. Defaults to 300.
	Endpointing int
}

// Deepgram opens live transcription streams against the Deepgram listen API.
type Deepgram struct {
	cfg    DeepgramConfig
	logger *zap.Logger
	dialer *websocket.Dialer
}

// NewDeepgram creates the adapter.
func NewDeepgram(cfg DeepgramConfig, logger *zap.Logger) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Endpointing == 0 {
		cfg.Endpointing = 300
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deepgram{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

// OpenStream dials a live transcription socket for one call. Audio pushed
// with SendAudio must be 8 kHz mono mu-law, matching the media stream.
func (d *Deepgram) OpenStream(ctx context.Context) (*DeepgramStream, error) {
	params := url.Values{}
	params.Set("model", d.cfg.Model)
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	params.Set("interim_results", "true")
	params.Set("endpointing", fmt.Sprintf("%d", d.cfg.Endpointing))
	if d.cfg.Language != "" {
		params.Set("language", d.cfg.Language)
	}

	endpoint := fmt.Sprintf("%s/v1/listen?%s", strings.TrimRight(d.cfg.BaseURL, "/"), params.Encode())

	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+d.cfg.APIKey)
	}

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("deepgram dial failed (status=%d): %w", status, err)
	}

	s := &DeepgramStream{
		conn:    conn,
		logger:  d.logger,
		results: make(chan Transcript, 16),
	}
	go s.readLoop()
	return s, nil
}

// DeepgramStream is one live transcription session.
type DeepgramStream struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex
	results chan Transcript

	closeOnce sync.Once
	closeErr  error
}

// deepgramResult is the subset of the live API response the stream consumes.
type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// SendAudio pushes one raw mu-law chunk upstream.
func (s *DeepgramStream) SendAudio(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Results delivers transcripts in arrival order. The channel closes when the
// upstream socket does.
func (s *DeepgramStream) Results() <-chan Transcript {
	return s.results
}

// Close signals end-of-stream upstream and tears the socket down.
func (s *DeepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		// Deepgram finalizes pending audio on the CloseStream message.
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *DeepgramStream) readLoop() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var result deepgramResult
		if err := json.Unmarshal(data, &result); err != nil {
			s.logger.Warn("unreadable transcription message", zap.Error(err))
			continue
		}
		if result.Type != "Results" || len(result.Channel.Alternatives) == 0 {
			continue
		}

		alt := result.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		s.results <- Transcript{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Final:      result.IsFinal,
		}
	}
}
