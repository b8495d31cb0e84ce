package rpchandler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// fakeAgentRepository resolves exactly one known address; any other lookup
// errors.
type fakeAgentRepository struct {
	agent db.AgentRecord
}

func (f *fakeAgentRepository) Create(ctx context.Context, agent *db.AgentRecord) error { return nil }

func (f *fakeAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentRecord, error) {
	if f.agent.ID != id {
		return nil, repositories.ErrNotFound
	}
	rec := f.agent
	return &rec, nil
}

func (f *fakeAgentRepository) GetByAddress(ctx context.Context, address string) (*db.AgentRecord, error) {
	if f.agent.Address != address {
		return nil, repositories.ErrNotFound
	}
	rec := f.agent
	return &rec, nil
}

func (f *fakeAgentRepository) Update(ctx context.Context, agent *db.AgentRecord) error { return nil }

func (f *fakeAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	return nil
}

func (f *fakeAgentRepository) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeAgentRepository) List(ctx context.Context, opts repositories.ListOptions) ([]db.AgentRecord, int64, error) {
	return nil, 0, nil
}

// fakeMetricRepository records every BulkCreate call.
type fakeMetricRepository struct {
	written [][]db.MetricPoint
}

func (f *fakeMetricRepository) BulkCreate(ctx context.Context, points []db.MetricPoint) error {
	f.written = append(f.written, points)
	return nil
}

func (f *fakeMetricRepository) ListByAgentAndName(ctx context.Context, agentID uuid.UUID, name string, since time.Time) ([]db.MetricPoint, error) {
	return nil, nil
}

func (f *fakeMetricRepository) DeleteOlderThan(ctx context.Context, t time.Time) error { return nil }

func TestValidateMetricName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"tps", false},
		{"entities#count", true},
		{longString(45), true},
		{longString(44), false},
	}

	for _, tc := range cases {
		err := validateMetricName(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateMetricName(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func longString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestHandle_RejectsInvalidCommand(t *testing.T) {
	h := &Handler{logger: zap.NewNop()}
	if err := h.handle(context.Background(), "agent1", "nosuchcommand args"); err == nil {
		t.Fatal("expected error for unrecognised command")
	}
}

func TestHandle_RejectsUnsplittableCommand(t *testing.T) {
	h := &Handler{logger: zap.NewNop()}
	if err := h.handle(context.Background(), "agent1", "streamwithnoargs"); err == nil {
		t.Fatal("expected error when command has no space-separated args")
	}
}

func TestValidateTick(t *testing.T) {
	cases := []struct {
		timestamp int64
		wantErr   bool
	}{
		{0, false},
		{1234567890, false},
		{maxTick, false},
		{maxTick + 1, true},
		{-1, true},
	}

	for _, tc := range cases {
		err := validateTick(tc.timestamp)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateTick(%d) error = %v, wantErr %v", tc.timestamp, err, tc.wantErr)
		}
	}
}

func TestHandleStream_SkipsOutOfRangeTimestamp(t *testing.T) {
	agentID := uuid.New()
	agents := &fakeAgentRepository{agent: db.AgentRecord{Address: "agent1"}}
	agents.agent.ID = agentID
	metrics := &fakeMetricRepository{}
	h := &Handler{agents: agents, metrics: metrics, logger: zap.NewNop()}

	args := `{"timestamp": 9999999999999, "data": {"tps": 60}}`
	if err := h.handleStream(context.Background(), "agent1", args); err != nil {
		t.Fatalf("handleStream returned error, want nil (batch should be skipped, not errored): %v", err)
	}
	if len(metrics.written) != 0 {
		t.Fatalf("expected no metrics written for out-of-range timestamp, got %d calls", len(metrics.written))
	}
}

func TestHandleStream_WritesInRangeTimestamp(t *testing.T) {
	agentID := uuid.New()
	agents := &fakeAgentRepository{agent: db.AgentRecord{Address: "agent1"}}
	agents.agent.ID = agentID
	metrics := &fakeMetricRepository{}
	h := &Handler{agents: agents, metrics: metrics, logger: zap.NewNop()}

	args := `{"timestamp": 1234567890, "data": {"tps": 60}}`
	if err := h.handleStream(context.Background(), "agent1", args); err != nil {
		t.Fatalf("handleStream returned error: %v", err)
	}
	if len(metrics.written) != 1 || len(metrics.written[0]) != 1 {
		t.Fatalf("expected one batch of one metric written, got %v", metrics.written)
	}
}
