package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/circlesabound/fctrl/server/internal/db"
)

// gormOperationRepository is the GORM implementation of OperationRepository.
type gormOperationRepository struct {
	db *gorm.DB
}

// NewOperationRepository returns an OperationRepository backed by the
// provided *gorm.DB.
func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &gormOperationRepository{db: db}
}

// Create inserts a new operation ledger entry. Called through opledger by
// the API handler once OperationRouter.Dispatch has returned, with an Ack
// row for a streamed operation or a terminal row for a synchronous one.
func (r *gormOperationRepository) Create(ctx context.Context, op *db.OperationRecord) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		return fmt.Errorf("operations: create: %w", err)
	}
	return nil
}

// GetByID retrieves an operation record by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.OperationRecord, error) {
	var op db.OperationRecord
	err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operations: get by id: %w", err)
	}
	return &op, nil
}

// UpdateStatus updates only the status, ended_at and error columns of an
// operation. Called by opledger when OperationRouter observes a terminal
// frame and by Maintenance's operation GC sweep; Ongoing frames do not
// update the row. Touching only these columns avoids racing a full-row Save
// against concurrently-updated fields.
func (r *gormOperationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.OperationRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   status,
			"ended_at": endedAt,
			"error":    errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("operations: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of operations and the total count, ordered
// by creation time descending (most recent first).
func (r *gormOperationRepository) List(ctx context.Context, opts ListOptions) ([]db.OperationRecord, int64, error) {
	var ops []db.OperationRecord
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.OperationRecord{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("operations: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&ops).Error; err != nil {
		return nil, 0, fmt.Errorf("operations: list: %w", err)
	}

	return ops, total, nil
}

// ListByAgent returns a paginated list of operations dispatched to a given
// agent, ordered by creation time descending.
func (r *gormOperationRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts ListOptions) ([]db.OperationRecord, int64, error) {
	var ops []db.OperationRecord
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.OperationRecord{}).
		Where("agent_id = ?", agentID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("operations: list by agent count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&ops).Error; err != nil {
		return nil, 0, fmt.Errorf("operations: list by agent: %w", err)
	}

	return ops, total, nil
}
