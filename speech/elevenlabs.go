package speech

import (
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
)

// ElevenLabsConfig configures the streaming synthesis client.
type ElevenLabsConfig struct {
	APIKey string
	// BaseURL defaults to https://api.elevenlabs.io.
	BaseURL string
	// Model defaults to eleven_turbo_v2_5, the low-latency model.
	Model string
	// VoiceID defaults to the Rachel stock voice.
	VoiceID string
	Timeout time.Duration
}

// ElevenLabs synthesizes speech as 8 kHz mu-law, streamed chunk by chunk so
// playback starts before synthesis finishes.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	logger *zap.Logger
	client *http.Client
}

// NewElevenLabs creates the adapter.
func NewElevenLabs(cfg ElevenLabsConfig, logger *zap.Logger) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_turbo_v2_5"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElevenLabs{
		cfg:    cfg,
		logger: logger,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize streams mu-law audio for the given text. The returned channel
// closes when synthesis completes or the context is cancelled; read errors
// mid-stream close the channel early rather than surfacing, since a cut-off
// utterance is handled the same way as a finished one.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	payload, err := json.Marshal(synthesisRequest{Text: text, ModelID: e.cfg.Model})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000",
		strings.TrimRight(e.cfg.BaseURL, "/"), e.cfg.VoiceID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs error: status=%d body=%s", resp.StatusCode, string(errBody))
	}

	out := make(chan []byte, 8)
	go e.relay(ctx, resp.Body, out)
	return out, nil
}

func (e *ElevenLabs) relay(ctx context.Context, body io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				e.logger.Warn("synthesis stream interrupted", zap.Error(err))
			}
			return
		}
	}
}
