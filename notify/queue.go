// Package notify enqueues outbound notifications onto a Redis list for a
// separate worker to render and send. The call path only ever enqueues, and
// never blocks on delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notification kinds understood by the downstream sender.
const (
	KindEscalation  = "escalation"
	KindCallSummary = "call_summary"
)

// Notification is the queue payload.
type Notification struct {
	Kind        string            `json:"kind"`
	TenantID    string            `json:"tenant_id"`
	CallID      string            `json:"call_id"`
	CallerPhone string            `json:"caller_phone,omitempty"`
	TargetPhone string            `json:"target_phone,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Config configures the queue connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Key is the list key notifications land on. Defaults to
	// vocalis:notifications.
	Key string
	// MaxTries bounds the enqueue retries. Defaults to 4.
	MaxTries uint
}

// Queue is a fire-and-forget notification queue on a Redis list.
type Queue struct {
	client   *redis.Client
	key      string
	maxTries uint
	logger   *zap.Logger
}

// NewQueue connects and verifies the Redis backend.
func NewQueue(cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Key == "" {
		cfg.Key = "vocalis:notifications"
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Queue{
		client:   client,
		key:      cfg.Key,
		maxTries: cfg.MaxTries,
		logger:   logger,
	}, nil
}

// Close closes the underlying connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes one notification, retrying transient Redis failures with
// exponential backoff. The caller is expected to run this off the hot path.
func (q *Queue) Enqueue(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	push := func() (struct{}, error) {
		return struct{}{}, q.client.LPush(ctx, q.key, payload).Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, push,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(q.maxTries))
	if err != nil {
		q.logger.Error("notification enqueue failed",
			zap.String("kind", n.Kind),
			zap.String("call_id", n.CallID),
			zap.Error(err))
		return fmt.Errorf("enqueue notification: %w", err)
	}

	q.logger.Debug("notification enqueued",
		zap.String("kind", n.Kind),
		zap.String("call_id", n.CallID))
	return nil
}

// Len returns the queue depth. Used by health checks and tests.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
