// Package session holds the per-call state shared across the call pipeline:
// the process-wide call registry and the capped conversation history.
package session

import (
	"sync"
	"time"

	"github.com/vocalis-ai/vocalis/llm"
)

// TenantConfig is the denormalized tenant configuration attached to each
// session at call start so the hot path never touches persistence.
type TenantConfig struct {
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	Greeting        string `json:"greeting,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	EscalationPhone string `json:"escalation_phone,omitempty"`
}

// Session is the live state of one phone call from answer to hangup. It is
// owned by the Registry; all mutation goes through registry operations, which
// take the session's own lock. A stale-session sweep takes the same lock
// before deleting, so a sweep and an in-flight call task never race.
type Session struct {
	mu sync.Mutex

	CallID      string
	Tenant      TenantConfig
	CallerPhone string
	CallerName  string

	history []llm.Message

	isPlaying          bool
	isSpeaking         bool
	interruptRequested bool

	startTime    time.Time
	lastActivity time.Time
}

// History returns a copy of the conversation history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// IsPlaying reports whether synthesized audio is currently playing out.
func (s *Session) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPlaying
}

// IsSpeaking reports whether the caller is currently speaking.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSpeaking
}

// InterruptRequested reports whether a barge-in is pending.
func (s *Session) InterruptRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptRequested
}

// StartTime returns when the session was created.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// LastActivity returns the last time a message was appended.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
