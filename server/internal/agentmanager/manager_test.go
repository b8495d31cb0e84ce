package agentmanager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// fakeAgentRepository is an in-memory repositories.AgentRepository.
type fakeAgentRepository struct {
	records map[uuid.UUID]*db.AgentRecord
}

func newFakeAgentRepository() *fakeAgentRepository {
	return &fakeAgentRepository{records: make(map[uuid.UUID]*db.AgentRecord)}
}

func (f *fakeAgentRepository) Create(ctx context.Context, agent *db.AgentRecord) error {
	if agent.ID == (uuid.UUID{}) {
		agent.ID = uuid.New()
	}
	cp := *agent
	f.records[agent.ID] = &cp
	return nil
}

func (f *fakeAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return rec, nil
}

func (f *fakeAgentRepository) GetByAddress(ctx context.Context, address string) (*db.AgentRecord, error) {
	for _, rec := range f.records {
		if rec.Address == address {
			return rec, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeAgentRepository) Update(ctx context.Context, agent *db.AgentRecord) error {
	f.records[agent.ID] = agent
	return nil
}

func (f *fakeAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	rec, ok := f.records[id]
	if !ok {
		return repositories.ErrNotFound
	}
	rec.Status = status
	rec.LastSeenAt = &lastSeenAt
	return nil
}

func (f *fakeAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.records, id)
	return nil
}

func (f *fakeAgentRepository) List(ctx context.Context, opts repositories.ListOptions) ([]db.AgentRecord, int64, error) {
	var out []db.AgentRecord
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, int64(len(out)), nil
}

func TestAdd_PersistsRecordAndStartsSupervisor(t *testing.T) {
	repo := newFakeAgentRepository()
	broker := eventbroker.New(zap.NewNop())
	r := New(repo, broker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := r.Add(ctx, "box-1", "box-1:9000")
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if rec.Status != string(agentlink.StatusConnecting) {
		t.Errorf("persisted status = %q, want %q", rec.Status, agentlink.StatusConnecting)
	}

	status, ok := r.Status("box-1:9000")
	if !ok {
		t.Fatal("expected a live Supervisor to be registered for box-1:9000")
	}
	if status != agentlink.StatusConnecting {
		t.Errorf("live status = %q, want %q immediately after Add", status, agentlink.StatusConnecting)
	}

	addrs := r.Addresses()
	if len(addrs) != 1 || addrs[0] != "box-1:9000" {
		t.Errorf("Addresses() = %v, want [box-1:9000]", addrs)
	}
}

func TestStatus_UnknownAddressReportsNotOk(t *testing.T) {
	repo := newFakeAgentRepository()
	broker := eventbroker.New(zap.NewNop())
	r := New(repo, broker, zap.NewNop())

	if _, ok := r.Status("nonexistent:9000"); ok {
		t.Error("expected ok=false for an address with no registered Supervisor")
	}
}

func TestLoadAndConnect_StartsSupervisorForEveryPersistedAgent(t *testing.T) {
	repo := newFakeAgentRepository()
	id1, id2 := uuid.New(), uuid.New()
	repo.records[id1] = &db.AgentRecord{Name: "a", Address: "a:9000", Status: string(agentlink.StatusDead)}
	repo.records[id1].ID = id1
	repo.records[id2] = &db.AgentRecord{Name: "b", Address: "b:9000", Status: string(agentlink.StatusDead)}
	repo.records[id2].ID = id2

	broker := eventbroker.New(zap.NewNop())
	r := New(repo, broker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := r.LoadAndConnect(ctx); err != nil {
		t.Fatalf("LoadAndConnect returned error: %v", err)
	}

	for _, addr := range []string{"a:9000", "b:9000"} {
		if _, ok := r.Status(addr); !ok {
			t.Errorf("expected a live Supervisor for %s after LoadAndConnect", addr)
		}
	}
}

func TestRemove_StopsSupervisorAndDropsFromRegistry(t *testing.T) {
	repo := newFakeAgentRepository()
	broker := eventbroker.New(zap.NewNop())
	r := New(repo, broker, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := r.Add(ctx, "box-2", "box-2:9000"); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	r.Remove("box-2:9000")

	if _, ok := r.Status("box-2:9000"); ok {
		t.Error("expected no live Supervisor after Remove")
	}
}

func TestOnStatusChange_FiresWithAgentIDAndAddress(t *testing.T) {
	repo := newFakeAgentRepository()
	broker := eventbroker.New(zap.NewNop())
	r := New(repo, broker, zap.NewNop())

	changes := make(chan agentlink.Status, 8)
	var gotID uuid.UUID
	var gotAddress string
	r.OnStatusChange(func(id uuid.UUID, address string, status agentlink.Status) {
		gotID, gotAddress = id, address
		changes <- status
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := r.Add(ctx, "box-3", "127.0.0.1:1") // port 1 reliably refuses connections
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	select {
	case <-changes:
		if gotID != rec.ID {
			t.Errorf("onStatusChange id = %v, want %v", gotID, rec.ID)
		}
		if gotAddress != "127.0.0.1:1" {
			t.Errorf("onStatusChange address = %q, want %q", gotAddress, "127.0.0.1:1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a status transition after a failed dial")
	}
}
