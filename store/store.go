// Package store persists agent records and the audit log behind the
// execution core. It uses the embedded sqlite driver; the same gorm models
// work against any dialector.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bleubryce/AgentX-AI-sub000/types"
)

// AgentRecord is the persisted form of an agent.
type AgentRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	OwnerID         string `gorm:"index;size:64;not null"`
	Name            string `gorm:"size:128"`
	AllowedFeatures string `gorm:"size:1024"` // JSON-encoded []string
	RateLimit       int
	UsageLimit      int
	Provider        string `gorm:"size:32"`
	Model           string `gorm:"size:64"`
	Temperature     float64
	MaxTokens       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AgentRecord) TableName() string { return "agents" }

// AuditRecord is one row of the query audit log.
type AuditRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	AgentID    string `gorm:"index;size:64;not null"`
	UserID     string `gorm:"index;size:64"`
	RequestID  string `gorm:"size:64"`
	Prompt     string
	Response   string
	TokensUsed int
	Status     string `gorm:"size:16"`
	Timestamp  time.Time
}

func (AuditRecord) TableName() string { return "audit_log" }

// Store wraps the database behind the agent lookup and audit interfaces.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens the sqlite database at path and migrates the schema.
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
	if err := db.AutoMigrate(&AgentRecord{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}, nil
}

// NewWithDB wraps an already-open gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&AgentRecord{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}, nil
}

func notFound(agentID string) *types.Error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", agentID))
}

// GetAgent loads the agent profile for agentID, scoped to the requesting
// user. A missing agent and an agent owned by someone else yield the same
// NOT_FOUND error, so callers cannot probe for other tenants' agent ids.
func (s *Store) GetAgent(ctx context.Context, agentID, userID string) (*types.AgentProfile, error) {
	var rec AgentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", agentID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(agentID)
		}
		return nil, types.NewError(types.ErrPersistence, "agent lookup failed").WithCause(err)
	}
	if rec.OwnerID != userID {
		return nil, notFound(agentID)
	}

	var features []string
	if rec.AllowedFeatures != "" {
		if err := json.Unmarshal([]byte(rec.AllowedFeatures), &features); err != nil {
			return nil, types.NewError(types.ErrPersistence, "corrupt agent feature list").WithCause(err)
		}
	}

	return &types.AgentProfile{
		ID:              rec.ID,
		OwnerID:         rec.OwnerID,
		Name:            rec.Name,
		AllowedFeatures: features,
		RateLimit:       rec.RateLimit,
		UsageLimit:      rec.UsageLimit,
		Model: types.ModelConfig{
			Provider:    rec.Provider,
			Model:       rec.Model,
			Temperature: rec.Temperature,
			MaxTokens:   rec.MaxTokens,
		},
	}, nil
}

// SaveAgent inserts or updates an agent profile.
func (s *Store) SaveAgent(ctx context.Context, p *types.AgentProfile) error {
	features, err := json.Marshal(p.AllowedFeatures)
	if err != nil {
		return types.NewError(types.ErrPersistence, "encode agent feature list").WithCause(err)
	}

	rec := AgentRecord{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Name:            p.Name,
		AllowedFeatures: string(features),
		RateLimit:       p.RateLimit,
		UsageLimit:      p.UsageLimit,
		Provider:        p.Model.Provider,
		Model:           p.Model.Model,
		Temperature:     p.Model.Temperature,
		MaxTokens:       p.Model.MaxTokens,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return types.NewError(types.ErrPersistence, "save agent failed").WithCause(err)
	}
	return nil
}

// Append writes one audit row. The write is part of the request's success
// path: a failure here must surface to the caller, not be logged and dropped.
func (s *Store) Append(ctx context.Context, entry *types.AuditEntry) error {
	rec := AuditRecord{
		AgentID:    entry.AgentID,
		UserID:     entry.UserID,
		RequestID:  entry.RequestID,
		Prompt:     entry.Prompt,
		Response:   entry.Response,
		TokensUsed: entry.TokensUsed,
		Status:     entry.Status,
		Timestamp:  entry.Timestamp,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		s.logger.Error("audit append failed",
			zap.String("agent_id", entry.AgentID),
			zap.String("request_id", entry.RequestID),
			zap.Error(err),
		)
		return types.NewError(types.ErrPersistence, "audit append failed").WithCause(err)
	}
	return nil
}

// RecentAudit returns the newest audit rows for an agent, newest first.
func (s *Store) RecentAudit(ctx context.Context, agentID string, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []AuditRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "audit query failed").WithCause(err)
	}

	out := make([]types.AuditEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, types.AuditEntry{
			AgentID:    r.AgentID,
			UserID:     r.UserID,
			RequestID:  r.RequestID,
			Prompt:     r.Prompt,
			Response:   r.Response,
			TokensUsed: r.TokensUsed,
			Status:     r.Status,
			Timestamp:  r.Timestamp,
		})
	}
	return out, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
