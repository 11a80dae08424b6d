// Package store persists call records and tenant lookups on a gorm-backed
// database. It carries only the fields the call path writes; the wider
// business schema lives elsewhere.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vocalis-ai/vocalis/session"
)

// Call outcomes recorded on CallRecord.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeEscalated = "escalated"
	OutcomeFailed    = "failed"
)

// ErrTenantNotFound reports a called number with no tenant behind it.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is the slice of tenant configuration the call path reads.
type Tenant struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:255"`
	PhoneNumber     string `gorm:"uniqueIndex;size:32"`
	Greeting        string
	SystemPrompt    string
	EscalationPhone string `gorm:"size:32"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CallRecord is one row per call, created at call start and finalized at
// call end.
type CallRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	CallID        string `gorm:"uniqueIndex;size:64"`
	TenantID      string `gorm:"index;size:64"`
	CallerPhone   string `gorm:"size:32"`
	CallerName    string `gorm:"size:255"`
	Outcome       string `gorm:"size:32"`
	Escalated     bool
	TranscriptLen int
	StartedAt     time.Time
	EndedAt       *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store wraps the database handle.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// tables the call path uses. Use ":memory:" for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Tenant{}, &CallRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB exposes the handle for host-program migrations and seeding.
func (s *Store) DB() *gorm.DB { return s.db }

// RecordCallStart creates the call row. A duplicate call id is an error, in
// line with the one-session-per-call invariant.
func (s *Store) RecordCallStart(ctx context.Context, callID, tenantID, callerPhone string, startedAt time.Time) error {
	rec := CallRecord{
		CallID:      callID,
		TenantID:    tenantID,
		CallerPhone: callerPhone,
		StartedAt:   startedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record call start: %w", err)
	}
	return nil
}

// RecordCallEnd finalizes the call row. Unknown call ids are a logged no-op
// so a late hangup after a failed start cannot error the teardown path.
func (s *Store) RecordCallEnd(ctx context.Context, callID, outcome string, escalated bool, transcriptLen int, endedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&CallRecord{}).
		Where("call_id = ?", callID).
		Updates(map[string]any{
			"outcome":        outcome,
			"escalated":      escalated,
			"transcript_len": transcriptLen,
			"ended_at":       endedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("record call end: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("call end for unknown call record", zap.String("call_id", callID))
	}
	return nil
}

// CallByID fetches one call record.
func (s *Store) CallByID(ctx context.Context, callID string) (*CallRecord, error) {
	var rec CallRecord
	err := s.db.WithContext(ctx).Where("call_id = ?", callID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TenantByNumber resolves the called number to its tenant configuration.
func (s *Store) TenantByNumber(ctx context.Context, number string) (*session.TenantConfig, error) {
	var tenant Tenant
	err := s.db.WithContext(ctx).Where("phone_number = ?", number).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	return &session.TenantConfig{
		TenantID:        tenant.ID,
		Name:            tenant.Name,
		Greeting:        tenant.Greeting,
		SystemPrompt:    tenant.SystemPrompt,
		EscalationPhone: tenant.EscalationPhone,
	}, nil
}

// UpsertTenant creates or updates a tenant row. Used by seeding and tests.
func (s *Store) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	return s.db.WithContext(ctx).Save(tenant).Error
}
