package llm

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProviderStatus is the availability state of one provider.
type ProviderStatus string

const (
	StatusAvailable   ProviderStatus = "available"
	StatusRateLimited ProviderStatus = "rate_limited"
	StatusError       ProviderStatus = "error"
)

const (
	rateLimitCooldown = 5 * time.Minute
	errorCooldown     = 1 * time.Minute
)

type providerState struct {
	status ProviderStatus
	until  time.Time
}

// StatusTracker tracks per-provider availability and cooldowns. It is shared
// by every concurrent call: failover decisions are global, so the
// check-then-mark sequence runs under one mutex over the small table.
// Only the orchestrator transitions states.
type StatusTracker struct {
	mu     sync.Mutex
	states map[string]*providerState
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStatusTracker creates a tracker with every provider implicitly available.
func NewStatusTracker(logger *zap.Logger) *StatusTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusTracker{
		states: make(map[string]*providerState),
		logger: logger,
		now:    time.Now,
	}
}

// Available reports whether a provider may be attempted. An expired cooldown
// lazily flips the provider back to available.
func (t *StatusTracker) Available(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok || st.status == StatusAvailable {
		return true
	}
	if t.now().After(st.until) {
		st.status = StatusAvailable
		st.until = time.Time{}
		t.logger.Info("provider cooldown expired", zap.String("provider", name))
		return true
	}
	return false
}

// Status returns the current state and cooldown deadline for a provider.
func (t *StatusTracker) Status(name string) (ProviderStatus, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok {
		return StatusAvailable, time.Time{}
	}
	return st.status, st.until
}

// MarkRateLimited puts a provider on a 5-minute cooldown.
func (t *StatusTracker) MarkRateLimited(name string) {
	t.mark(name, StatusRateLimited, rateLimitCooldown)
}

// MarkError puts a provider on a 1-minute cooldown.
func (t *StatusTracker) MarkError(name string) {
	t.mark(name, StatusError, errorCooldown)
}

// MarkAvailable clears any cooldown for a provider.
func (t *StatusTracker) MarkAvailable(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[name] = &providerState{status: StatusAvailable}
}

func (t *StatusTracker) mark(name string, status ProviderStatus, cooldown time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	until := t.now().Add(cooldown)
	t.states[name] = &providerState{status: status, until: until}
	t.logger.Warn("provider marked unavailable",
		zap.String("provider", name),
		zap.String("status", string(status)),
		zap.Time("until", until))
}
