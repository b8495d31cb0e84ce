package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/server/internal/opledger"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/repositories"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// fakeAgentRepository is an in-memory repositories.AgentRepository backing a
// single known agent, used to exercise OperationHandler without a database.
type fakeAgentRepository struct {
	agent *db.AgentRecord
}

func (f *fakeAgentRepository) Create(ctx context.Context, agent *db.AgentRecord) error { return nil }

func (f *fakeAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AgentRecord, error) {
	if f.agent == nil || f.agent.ID != id {
		return nil, repositories.ErrNotFound
	}
	return f.agent, nil
}

func (f *fakeAgentRepository) GetByAddress(ctx context.Context, address string) (*db.AgentRecord, error) {
	if f.agent == nil || f.agent.Address != address {
		return nil, repositories.ErrNotFound
	}
	return f.agent, nil
}

func (f *fakeAgentRepository) Update(ctx context.Context, agent *db.AgentRecord) error { return nil }

func (f *fakeAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error {
	return nil
}

func (f *fakeAgentRepository) Delete(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeAgentRepository) List(ctx context.Context, opts repositories.ListOptions) ([]db.AgentRecord, int64, error) {
	return nil, 0, nil
}

// fakeOperationRepository is an in-memory repositories.OperationRepository.
type fakeOperationRepository struct {
	records map[uuid.UUID]*db.OperationRecord
}

func newFakeOperationRepository() *fakeOperationRepository {
	return &fakeOperationRepository{records: make(map[uuid.UUID]*db.OperationRecord)}
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
	return nil, 0, nil
}

func (f *fakeOperationRepository) ListByAgent(ctx context.Context, agentID uuid.UUID, opts repositories.ListOptions) ([]db.OperationRecord, int64, error) {
	return nil, 0, nil
}

// newTestOperationHandler wires a real operationrouter.Router and
// opledger.Recorder over an in-memory broker and agent, mirroring how
// main.go assembles these components.
func newTestOperationHandler(t *testing.T, agent *db.AgentRecord) (*OperationHandler, *eventbroker.Broker) {
	t.Helper()
	broker := eventbroker.New(zap.NewNop())
	router := operationrouter.New(broker, zap.NewNop())
	ledger := opledger.New(newFakeOperationRepository(), zap.NewNop())
	agents := &fakeAgentRepository{agent: agent}
	return NewOperationHandler(agents, router, ledger, zap.NewNop()), broker
}

// replyAsAgent simulates the agent's reply to the next request published on
// agentAddress's outgoing topic with a single terminal frame.
func replyAsAgent(b *eventbroker.Broker, agentAddress string, status protocol.OperationStatus) {
	sub := b.Subscribe(agentlink.OutgoingTopic(agentAddress), func(v string) bool { return true })
	go func() {
		defer sub.Close()
		select {
		case event := <-sub.Events():
			req, ok := event.Content.(protocol.AgentRequestEnvelope)
			if !ok {
				return
			}
			b.Publish(eventbroker.Event{
				Tags:      map[string]string{"operation": req.OperationId},
				Timestamp: time.Now().UTC(),
				Content:   protocol.AgentResponseEnvelope{OperationId: req.OperationId, Status: status},
			})
		case <-time.After(time.Second):
		}
	}()
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestOperationHandler_Dispatch_SynchronousOutcomeRecordedInLedger(t *testing.T) {
	agentID := uuid.New()
	agent := &db.AgentRecord{Name: "box-1", Address: "box-1:9000"}
	agent.ID = agentID

	h, broker := newTestOperationHandler(t, agent)
	replyAsAgent(broker, agent.Address, protocol.StatusCompleted)

	body := strings.NewReader(`"ServerStatus"`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+agentID.String()+"/operations", body)
	req = withURLParam(req, "id", agentID.String())
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"terminal"`) {
		t.Errorf("expected response to contain a terminal field, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"data"`) {
		t.Errorf("expected response wrapped in the standard {\"data\": ...} envelope, got %s", rec.Body.String())
	}
}

func TestOperationHandler_Dispatch_UnknownAgentReturnsNotFound(t *testing.T) {
	agentID := uuid.New()
	agent := &db.AgentRecord{Name: "box-2", Address: "box-2:9000"}
	agent.ID = agentID

	h, _ := newTestOperationHandler(t, agent)
	unknownID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+unknownID.String()+"/operations", strings.NewReader(`"ServerStatus"`))
	req = withURLParam(req, "id", unknownID.String())
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d for an unknown agent id", rec.Code, http.StatusNotFound)
	}
}

func TestOperationHandler_Dispatch_InvalidAgentID(t *testing.T) {
	agent := &db.AgentRecord{Name: "box-3", Address: "box-3:9000"}
	agent.ID = uuid.New()

	h, _ := newTestOperationHandler(t, agent)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/not-a-uuid/operations", strings.NewReader(`"ServerStatus"`))
	req = withURLParam(req, "id", "not-a-uuid")
	rec := httptest.NewRecorder()

	h.Dispatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d for a malformed agent id", rec.Code, http.StatusBadRequest)
	}
}
