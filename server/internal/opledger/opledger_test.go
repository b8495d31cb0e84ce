package opledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// fakeOperationRepository is an in-memory repositories.OperationRepository
// used to exercise Recorder without a database.
type fakeOperationRepository struct {
	records map[uuid.UUID]*db.OperationRecord
}

func newFakeOperationRepository() *fakeOperationRepository {
	return &fakeOperationRepository{records: make(map[uuid.UUID]*db.OperationRecord)}
}

func (f *fakeOperationRepository) Create(ctx context.Context, op *db.OperationRecord) error {
	cp := *op
	f.records[op.ID] = &cp
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
	var out []db.OperationRecord
	for _, rec := range f.records {
		if rec.AgentID == agentID {
			out = append(out, *rec)
		}
	}
	return out, int64(len(out)), nil
}

func TestRecordPending_InsertsAckRow(t *testing.T) {
	repo := newFakeOperationRepository()
	r := New(repo, zap.NewNop())

	opID := uuid.NewString()
	agentID := uuid.New()
	requestedBy := uuid.New()

	r.RecordPending(context.Background(), opID, agentID, requestedBy, "ServerStart")

	id := uuid.MustParse(opID)
	rec, ok := repo.records[id]
	if !ok {
		t.Fatalf("expected a ledger row for %s", opID)
	}
	if rec.Status != "Ack" {
		t.Errorf("Status = %q, want %q", rec.Status, "Ack")
	}
	if rec.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil for a pending row", rec.EndedAt)
	}
	if rec.AgentID != agentID || rec.RequestedBy != requestedBy || rec.Kind != "ServerStart" {
		t.Errorf("unexpected record contents: %+v", rec)
	}
}

func TestRecordPending_SkipsNonUUIDOperationID(t *testing.T) {
	repo := newFakeOperationRepository()
	r := New(repo, zap.NewNop())

	r.RecordPending(context.Background(), "not-a-uuid", uuid.New(), uuid.New(), "ServerStart")

	if len(repo.records) != 0 {
		t.Fatalf("expected no row to be recorded for an invalid operation id, got %d", len(repo.records))
	}
}

func TestRecordTerminal_InsertsResolvedRow(t *testing.T) {
	repo := newFakeOperationRepository()
	r := New(repo, zap.NewNop())

	opID := uuid.NewString()
	agentID := uuid.New()

	r.RecordTerminal(context.Background(), opID, agentID, uuid.New(), "ServerStop", "Completed", "")

	id := uuid.MustParse(opID)
	rec, ok := repo.records[id]
	if !ok {
		t.Fatalf("expected a ledger row for %s", opID)
	}
	if rec.Status != "Completed" {
		t.Errorf("Status = %q, want %q", rec.Status, "Completed")
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt = nil, want set for a terminal row")
	}
}

func TestRecordOutcome_UpdatesExistingRow(t *testing.T) {
	repo := newFakeOperationRepository()
	r := New(repo, zap.NewNop())

	opID := uuid.NewString()
	r.RecordPending(context.Background(), opID, uuid.New(), uuid.New(), "ServerStart")

	r.RecordOutcome(context.Background(), opID, "Completed")

	rec := repo.records[uuid.MustParse(opID)]
	if rec.Status != "Completed" {
		t.Errorf("Status = %q, want %q", rec.Status, "Completed")
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt = nil, want set after RecordOutcome")
	}
}

func TestRecordOutcome_TreatsNotFoundAsBenignRace(t *testing.T) {
	repo := newFakeOperationRepository()
	r := New(repo, zap.NewNop())

	// No RecordPending/RecordTerminal preceded this call — simulates the
	// synchronous-dispatch race where OnOutcome fires before the caller's
	// RecordTerminal has run. Must not panic and must not create a row.
	r.RecordOutcome(context.Background(), uuid.NewString(), "Completed")

	if len(repo.records) != 0 {
		t.Fatalf("expected no row to be created, got %d", len(repo.records))
	}
}
