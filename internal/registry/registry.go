// Package registry maintains the local table of known peer agents. Rows are
// written by heartbeat processing and read by the outbound client for
// address resolution; task logic never mutates them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentmesh/agentmesh/types"
)

// Registry is a GORM-backed agent registry sharing the store's database.
type Registry struct {
	db     *gorm.DB
	logger *zap.Logger
}

type agentRecord struct {
	AgentID       string `gorm:"primaryKey;size:64"`
	BaseURL       string `gorm:"size:255"`
	Port          int
	Status        string `gorm:"size:16;index"`
	LastHeartbeat time.Time
	Capabilities  string `gorm:"size:1024"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (agentRecord) TableName() string { return "agents" }

// New migrates the agents table and returns a Registry over db.
func New(db *gorm.DB, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&agentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate agent registry: %w", err)
	}
	return &Registry{
		db:     db,
		logger: logger.With(zap.String("component", "agent_registry")),
	}, nil
}

// Get resolves an agent by ID. Returns an AGENT_NOT_FOUND error when the
// agent is unknown; callers treat this as local and non-retryable.
func (r *Registry) Get(ctx context.Context, agentID string) (*types.Agent, error) {
	var rec agentRecord
	err := r.db.WithContext(ctx).First(&rec, "agent_id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("agent %s not registered", agentID))
	}
	if err != nil {
		return nil, err
	}
	return recordToAgent(&rec), nil
}

// ListActive returns every agent whose status is active.
func (r *Registry) ListActive(ctx context.Context) ([]types.Agent, error) {
	var recs []agentRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", string(types.AgentActive)).
		Order("agent_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	agents := make([]types.Agent, 0, len(recs))
	for i := range recs {
		agents = append(agents, *recordToAgent(&recs[i]))
	}
	return agents, nil
}

// Upsert registers or refreshes an agent row. An empty status defaults to
// active.
func (r *Registry) Upsert(ctx context.Context, agent types.Agent) error {
	status := agent.Status
	if status == "" {
		status = types.AgentActive
	}
	now := time.Now().UTC()
	rec := agentRecord{
		AgentID:       agent.AgentID,
		BaseURL:       agent.BaseURL,
		Port:          agent.Port,
		Status:        string(status),
		LastHeartbeat: now,
		Capabilities:  strings.Join(agent.Capabilities, ","),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"base_url", "port", "status", "last_heartbeat", "capabilities", "updated_at",
		}),
	}).Create(&rec).Error
}

// Heartbeat records a liveness tick for agentID, reviving stale rows.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&agentRecord{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]any{
			"status":         string(types.AgentActive),
			"last_heartbeat": now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrAgentNotFound,
			fmt.Sprintf("agent %s not registered", agentID))
	}
	return nil
}

// MarkStale flips active agents whose last heartbeat is older than cutoff to
// stale, returning how many rows changed.
func (r *Registry) MarkStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&agentRecord{}).
		Where("status = ? AND last_heartbeat < ?", string(types.AgentActive), cutoff).
		Updates(map[string]any{
			"status":     string(types.AgentStale),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.logger.Warn("agents marked stale", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// CountByStatus returns the number of agents in the given status, for the
// registry gauges.
func (r *Registry) CountByStatus(ctx context.Context, status types.AgentStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&agentRecord{}).
		Where("status = ?", string(status)).
		Count(&count).Error
	return count, err
}

func recordToAgent(rec *agentRecord) *types.Agent {
	var caps []string
	if rec.Capabilities != "" {
		caps = strings.Split(rec.Capabilities, ",")
	}
	return &types.Agent{
		AgentID:       rec.AgentID,
		BaseURL:       rec.BaseURL,
		Port:          rec.Port,
		Status:        types.AgentStatus(rec.Status),
		LastHeartbeat: rec.LastHeartbeat,
		Capabilities:  caps,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}
