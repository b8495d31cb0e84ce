package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// fakeOperationRepository is an in-memory repositories.OperationRepository
// used to exercise runOperationGCSweep without a database.
type fakeOperationRepository struct {
	records       map[uuid.UUID]*db.OperationRecord
	updateStatErr error
}

func (f *fakeOperationRepository) Create(ctx context.Context, op *db.OperationRecord) error {
	f.records[op.ID] = op
	return nil
}

func (f *fakeOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.OperationRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return rec, nil
}

func (f *fakeOperationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, errMsg string) error {
	if f.updateStatErr != nil {
		return f.updateStatErr
	}
	rec, ok := f.records[id]
	if !ok {
		return repositories.ErrNotFound
	}
	rec.Status = status
	rec.EndedAt = endedAt
	rec.Error = errMsg
	return nil
}

func (f *fakeOperationRepository) List(ctx context.Context, opts repositories.ListOptions) ([]db.OperationRecord, int64, error) {
	var out []db.OperationRecord
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, int64(len(out)), nil
}

func (f *fakeOperationRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts repositories.ListOptions) ([]db.OperationRecord, int64, error) {
	return nil, 0, nil
}

func TestRunOperationGCSweep_MarksStaleNonTerminalOperationsFailed(t *testing.T) {
	staleID := uuid.New()
	freshID := uuid.New()
	endedID := uuid.New()

	staleStart := time.Now().UTC().Add(-(operationrouter.DefaultUnconnectedTimeout + operationGCGrace + time.Minute))
	freshStart := time.Now().UTC().Add(-time.Second)
	endedAt := time.Now().UTC()

	repo := &fakeOperationRepository{records: map[uuid.UUID]*db.OperationRecord{
		staleID: {Kind: "ServerStart", Status: "Ack", StartedAt: staleStart},
		freshID: {Kind: "ServerStart", Status: "Ack", StartedAt: freshStart},
		endedID: {Kind: "ServerStop", Status: "Completed", StartedAt: staleStart, EndedAt: &endedAt},
	}}
	repo.records[staleID].ID = staleID
	repo.records[freshID].ID = freshID
	repo.records[endedID].ID = endedID

	m := &Maintenance{operations: repo, logger: zap.NewNop()}
	m.runOperationGCSweep(context.Background())

	if got := repo.records[staleID].Status; got != "Failed" {
		t.Errorf("stale operation status = %q, want %q", got, "Failed")
	}
	if repo.records[staleID].EndedAt == nil {
		t.Error("stale operation EndedAt = nil, want set")
	}

	if got := repo.records[freshID].Status; got != "Ack" {
		t.Errorf("fresh operation status = %q, want unchanged %q", got, "Ack")
	}

	if got := repo.records[endedID].Status; got != "Completed" {
		t.Errorf("already-terminal operation status = %q, want unchanged %q", got, "Completed")
	}
}

func TestRunOperationGCSweep_ToleratesUpdateFailures(t *testing.T) {
	staleID := uuid.New()
	staleStart := time.Now().UTC().Add(-(operationrouter.DefaultUnconnectedTimeout + operationGCGrace + time.Minute))

	repo := &fakeOperationRepository{
		records:       map[uuid.UUID]*db.OperationRecord{staleID: {Kind: "ServerStart", Status: "Ack", StartedAt: staleStart}},
		updateStatErr: repositories.ErrNotFound,
	}
	repo.records[staleID].ID = staleID

	m := &Maintenance{operations: repo, logger: zap.NewNop()}

	// Must not panic even when the update fails for every row.
	m.runOperationGCSweep(context.Background())

	if got := repo.records[staleID].Status; got != "Ack" {
		t.Errorf("status = %q, want unchanged %q after a failed update", got, "Ack")
	}
}
