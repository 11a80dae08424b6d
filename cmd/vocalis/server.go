package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/call"
	"github.com/vocalis-ai/vocalis/chain"
	"github.com/vocalis-ai/vocalis/config"
	"github.com/vocalis-ai/vocalis/internal/metrics"
	"github.com/vocalis-ai/vocalis/llm"
	"github.com/vocalis-ai/vocalis/llm/providers/anthropic"
	"github.com/vocalis-ai/vocalis/llm/providers/groq"
	"github.com/vocalis-ai/vocalis/llm/providers/openai"
	"github.com/vocalis-ai/vocalis/media"
	"github.com/vocalis-ai/vocalis/notify"
	"github.com/vocalis-ai/vocalis/session"
	"github.com/vocalis-ai/vocalis/speech"
	"github.com/vocalis-ai/vocalis/store"
)

// Server owns the HTTP surface and every long-lived component.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpServer *http.Server
	registry   *session.Registry
	engine     *chain.Engine
	collector  *metrics.Collector
	store      *store.Store
	queue      *notify.Queue
	stt        *speech.Deepgram
	tts        *speech.ElevenLabs

	upgrader websocket.Upgrader

	stopSweep chan struct{}
}

// NewServer wires the component graph from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	collector := metrics.NewCollector("vocalis", nil)

	providers, err := buildProviders(cfg.Providers, logger)
	if err != nil {
		return nil, err
	}
	tracker := llm.NewStatusTracker(logger)
	orchestrator := llm.NewOrchestrator(providers, tracker, logger, llm.WithMetrics(collector))

	engine := chain.NewEngine(orchestrator, chain.Config{
		MaxRetries:         cfg.Chain.MaxRetries,
		AmbiguityThreshold: cfg.Chain.AmbiguityThreshold,
		TransferPhrases:    cfg.Chain.TransferPhrases,
	}, logger, chain.WithMetrics(collector))

	registry := session.NewRegistry(logger, session.WithHistoryCap(cfg.Session.HistoryCap))

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Notifications are fire-and-forget; a missing Redis only disables them.
	queue, err := notify.NewQueue(notify.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Key:      cfg.Redis.Key,
	}, logger)
	if err != nil {
		logger.Warn("notification queue unavailable", zap.Error(err))
		queue = nil
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		engine:    engine,
		collector: collector,
		store:     st,
		queue:     queue,
		stt:       speech.NewDeepgram(speech.DeepgramConfig{APIKey: cfg.Speech.DeepgramAPIKey}, logger),
		tts: speech.NewElevenLabs(speech.ElevenLabsConfig{
			APIKey:  cfg.Speech.ElevenLabsAPIKey,
			VoiceID: cfg.Speech.ElevenLabsVoice,
		}, logger),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		stopSweep: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleMediaStream)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func buildProviders(cfgs []config.ProviderConfig, logger *zap.Logger) ([]llm.Provider, error) {
	providers := make([]llm.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		switch pc.Name {
		case "openai":
			providers = append(providers, openai.New(openai.Config{
				APIKey: pc.APIKey, Model: pc.Model, BaseURL: pc.BaseURL, Timeout: pc.Timeout,
			}, logger))
		case "groq":
			providers = append(providers, groq.New(groq.Config{
				APIKey: pc.APIKey, Model: pc.Model, BaseURL: pc.BaseURL, Timeout: pc.Timeout,
			}, logger))
		case "anthropic":
			providers = append(providers, anthropic.New(anthropic.Config{
				APIKey: pc.APIKey, Model: pc.Model, BaseURL: pc.BaseURL, Timeout: pc.Timeout,
			}, logger))
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}
	return providers, nil
}

// handleMediaStream upgrades one websocket into a full call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	mediaHandler := media.NewHandler(conn, s.logger,
		media.WithMetrics(s.collector),
		media.WithSilenceTiming(s.cfg.Media.FramePeriod, s.cfg.Media.SilenceGap))

	handler := call.NewHandler(mediaHandler, call.Deps{
		Registry:    s.registry,
		Engine:      s.engine,
		Transcriber: deepgramTranscriber{s.stt},
		Synthesizer: s.tts,
		Tenants:     s.store,
		Store:       s.store,
		Queue:       s.callQueue(),
		Metrics:     s.collector,
		Logger:      s.logger,
	})

	if err := handler.Run(r.Context()); err != nil {
		s.logger.Warn("call ended with error",
			zap.String("call_id", handler.CallID()), zap.Error(err))
	}
}

// callQueue returns the notify queue as the interface, keeping the nil check
// in one place (a nil *Queue inside a non-nil interface would not be nil).
func (s *Server) callQueue() call.NotifyQueue {
	if s.queue == nil {
		return nil
	}
	return s.queue
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","active_calls":%d}`, s.registry.Len())
}

// deepgramTranscriber adapts the concrete stream type to the call package's
// collaborator interface.
type deepgramTranscriber struct {
	dg *speech.Deepgram
}

func (d deepgramTranscriber) OpenStream(ctx context.Context) (call.TranscriptStream, error) {
	return d.dg.OpenStream(ctx)
}

// Start launches the HTTP listener and the stale-session sweep.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	go s.sweepLoop()
	return nil
}

// sweepLoop periodically removes sessions whose calls died without a clean
// hangup.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.Session.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n := s.registry.CleanupStale(s.cfg.Session.StaleAge); n > 0 {
				s.collector.RecordSessionsSwept(n)
				s.logger.Info("swept stale sessions", zap.Int("count", n))
			}
		}
	}
}

// WaitForShutdown blocks until SIGINT/SIGTERM and then drains gracefully.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	s.logger.Info("shutting down")
	close(s.stopSweep)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if s.queue != nil {
		_ = s.queue.Close()
	}
}
