package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vocalis-ai/vocalis/llm"
)

// Registry is the process-wide map from call id to session. Map membership is
// guarded by the registry lock; field mutation is guarded by each session's
// own lock, so concurrent call tasks never contend except on create/end.
//
// Operations on an unknown call id log a warning and no-op; an expired or
// ended session is never an error on this path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	historyCap int
	logger     *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithHistoryCap overrides the conversation history cap.
func WithHistoryCap(cap int) RegistryOption {
	return func(r *Registry) { r.historyCap = cap }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		sessions:   make(map[string]*Session),
		historyCap: DefaultHistoryCap,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session for a call. It fails when a session already
// exists for the id: replacing would silently orphan the live call's state.
func (r *Registry) Create(callID string, tenant TenantConfig, callerPhone string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return nil, fmt.Errorf("session already exists for call %s", callID)
	}

	now := r.now()
	s := &Session{
		CallID:       callID,
		Tenant:       tenant,
		CallerPhone:  callerPhone,
		startTime:    now,
		lastActivity: now,
	}
	r.sessions[callID] = s

	r.logger.Info("session created",
		zap.String("call_id", callID),
		zap.String("tenant_id", tenant.TenantID))
	return s, nil
}

// Get returns the session for a call id, or nil when none exists.
func (r *Registry) Get(callID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// AddMessage appends a message to the call's history, stamps the activity
// time and enforces the history cap.
func (r *Registry) AddMessage(callID string, msg llm.Message) {
	s := r.Get(callID)
	if s == nil {
		r.logger.Warn("add message on unknown session", zap.String("call_id", callID))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	s.history = append(s.history, msg)
	s.lastActivity = r.now()
	s.history = trimHistory(s.history, r.historyCap, r.logger)
}

// SetPlaying flags whether synthesized audio is playing out.
func (r *Registry) SetPlaying(callID string, playing bool) {
	s := r.Get(callID)
	if s == nil {
		r.logger.Warn("set playing on unknown session", zap.String("call_id", callID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isPlaying = playing
}

// SetSpeaking flags whether the caller is speaking.
func (r *Registry) SetSpeaking(callID string, speaking bool) {
	s := r.Get(callID)
	if s == nil {
		r.logger.Warn("set speaking on unknown session", zap.String("call_id", callID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeaking = speaking
}

// RequestInterrupt records a barge-in request. It only takes effect while
// audio is playing; it reports whether the interrupt was accepted.
func (r *Registry) RequestInterrupt(callID string) bool {
	s := r.Get(callID)
	if s == nil {
		r.logger.Warn("interrupt on unknown session", zap.String("call_id", callID))
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPlaying {
		return false
	}
	s.interruptRequested = true
	return true
}

// ClearInterrupt clears a pending barge-in request.
func (r *Registry) ClearInterrupt(callID string) {
	s := r.Get(callID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptRequested = false
}

// End removes and returns the session. Ending an already-ended call returns
// nil without error.
func (r *Registry) End(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		return nil
	}
	delete(r.sessions, callID)
	r.logger.Info("session ended",
		zap.String("call_id", callID),
		zap.Duration("duration", r.now().Sub(s.startTime)))
	return s
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupStale removes every session whose last activity is older than
// maxAge and returns the count removed. It is the timeout path for crashed
// or abandoned calls that stopped producing activity.
func (r *Registry) CleanupStale(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		// Check and delete under the session lock: a call task that stamps
		// fresh activity concurrently either does so before the check and is
		// spared, or after the delete on a session already removed.
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			delete(r.sessions, id)
			removed++
			r.logger.Warn("removed stale session", zap.String("call_id", id))
		}
		s.mu.Unlock()
	}
	return removed
}
