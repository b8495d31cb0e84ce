// Package opledger implements OperationLedger: a durable audit trail of
// every OperationRouter-dispatched operation's lifecycle, recorded against
// repositories.OperationRepository. It is deliberately kept off the hot
// path of dispatch -- Recorder's methods are called from the REST handler
// after OperationRouter has already resolved or handed off the operation,
// and again (best-effort, idempotent) from OperationRouter's OnOutcome hook
// once a streamed operation's terminal frame arrives.
package opledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// Recorder writes OperationRecord rows for the REST-facing OperationHandler
// and the OperationRouter's outcome hook.
type Recorder struct {
	operations repositories.OperationRepository
	logger     *zap.Logger
}

// New creates a Recorder backed by the given OperationRepository.
func New(operations repositories.OperationRepository, logger *zap.Logger) *Recorder {
	return &Recorder{operations: operations, logger: logger.Named("opledger")}
}

// RecordPending inserts a non-terminal ledger row for an operation that
// OperationRouter handed off to a streaming endpoint. The row is later
// completed by RecordOutcome once the terminal frame arrives.
func (r *Recorder) RecordPending(ctx context.Context, operationID string, agentID, requestedBy uuid.UUID, kind string) {
	id, err := uuid.Parse(operationID)
	if err != nil {
		r.logger.Warn("operation id is not a uuid, skipping ledger row", zap.String("operation_id", operationID))
		return
	}
	rec := &db.OperationRecord{
		AgentID:     agentID,
		Kind:        kind,
		Status:      "Ack",
		RequestedBy: requestedBy,
		StartedAt:   time.Now().UTC(),
	}
	rec.ID = id
	if err := r.operations.Create(ctx, rec); err != nil {
		r.logger.Warn("failed to record pending operation", zap.String("operation_id", operationID), zap.Error(err))
	}
}

// RecordTerminal inserts a ledger row that is already resolved — used for
// operations OperationRouter resolved synchronously (no Ack, single
// terminal frame).
func (r *Recorder) RecordTerminal(ctx context.Context, operationID string, agentID, requestedBy uuid.UUID, kind, status, errMsg string) {
	id, err := uuid.Parse(operationID)
	if err != nil {
		r.logger.Warn("operation id is not a uuid, skipping ledger row", zap.String("operation_id", operationID))
		return
	}
	now := time.Now().UTC()
	rec := &db.OperationRecord{
		AgentID:     agentID,
		Kind:        kind,
		Status:      status,
		RequestedBy: requestedBy,
		StartedAt:   now,
		EndedAt:     &now,
		Error:       errMsg,
	}
	rec.ID = id
	if err := r.operations.Create(ctx, rec); err != nil {
		r.logger.Warn("failed to record terminal operation", zap.String("operation_id", operationID), zap.Error(err))
	}
}

// RecordOutcome marks a previously-pending ledger row terminal. Called from
// OperationRouter's OnOutcome hook, which fires for both the synchronous
// and streamed paths — for the synchronous path the row may not exist yet
// because RecordTerminal is invoked by the caller just after Dispatch
// returns, so a not-found result here is expected and logged at debug
// level rather than treated as an error.
func (r *Recorder) RecordOutcome(ctx context.Context, operationID, outcome string) {
	id, err := uuid.Parse(operationID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if err := r.operations.UpdateStatus(ctx, id, outcome, &now, ""); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.logger.Debug("operation outcome raced ledger row creation", zap.String("operation_id", operationID))
			return
		}
		r.logger.Warn("failed to record operation outcome", zap.String("operation_id", operationID), zap.Error(err))
	}
}
