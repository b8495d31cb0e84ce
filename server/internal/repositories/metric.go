package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlesabound/fctrl/server/internal/db"
)

// gormMetricRepository is the GORM implementation of MetricRepository.
type gormMetricRepository struct {
	db *gorm.DB
}

// NewMetricRepository returns a MetricRepository backed by the provided *gorm.DB.
func NewMetricRepository(db *gorm.DB) MetricRepository {
	return &gormMetricRepository{db: db}
}

// BulkCreate inserts multiple metric points in a single statement. RpcHandler
// collects the (name, value) pairs from one "stream" batch and inserts them
// together, grounded on the teacher's BulkCreateLogs pattern of inserting an
// execution's worth of log lines in one round trip.
func (r *gormMetricRepository) BulkCreate(ctx context.Context, points []db.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&points).Error; err != nil {
		return fmt.Errorf("metrics: bulk create: %w", err)
	}
	return nil
}

// ListByAgentAndName returns every metric point for a given agent and metric
// name at or after since, ordered by timestamp ascending so the caller can
// plot or replay the series directly.
func (r *gormMetricRepository) ListByAgentAndName(ctx context.Context, agentID uuid.UUID, name string, since time.Time) ([]db.MetricPoint, error) {
	var points []db.MetricPoint
	if err := r.db.WithContext(ctx).
		Where("agent_id = ? AND name = ? AND timestamp >= ?", agentID, name, since).
		Order("timestamp ASC").
		Find(&points).Error; err != nil {
		return nil, fmt.Errorf("metrics: list by agent and name: %w", err)
	}
	return points, nil
}

// DeleteOlderThan permanently removes metric points older than t. Called by
// the maintenance scheduler's periodic retention sweep to bound the durable
// metric store's growth.
func (r *gormMetricRepository) DeleteOlderThan(ctx context.Context, t time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("timestamp < ?", t).
		Delete(&db.MetricPoint{}).Error; err != nil {
		return fmt.Errorf("metrics: delete older than: %w", err)
	}
	return nil
}
