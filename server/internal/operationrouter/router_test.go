package operationrouter

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/shared/protocol"
)

func testRouter() (*Router, *eventbroker.Broker) {
	b := eventbroker.New(zap.NewNop())
	r := New(b, zap.NewNop())
	return r, b
}

// replyAsAgent simulates the agent side: it watches the outgoing topic for
// agentAddress, reads the envelope's minted OperationId and republishes a
// terminal response frame tagged to the "operation" topic, exactly as
// AgentLinkSupervisor would relay a real agent's reply.
func replyAsAgent(t *testing.T, b *eventbroker.Broker, agentAddress string, status protocol.OperationStatus) {
	t.Helper()
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
				Content: protocol.AgentResponseEnvelope{
					OperationId: req.OperationId,
					Status:      status,
				},
			})
		case <-time.After(time.Second):
		}
	}()
}

func TestDispatch_SynchronousTerminalResolvesImmediately(t *testing.T) {
	r, b := testRouter()
	replyAsAgent(t, b, "agent-1", protocol.StatusCompleted)

	result, err := r.Dispatch(context.Background(), "agent-1", protocol.RequestMessage{Kind: "ServerStatus"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if result.Terminal == nil {
		t.Fatal("expected a synchronous Terminal result, got nil")
	}
	if result.StreamPath != "" {
		t.Errorf("StreamPath = %q, want empty for a synchronous result", result.StreamPath)
	}
	if result.Terminal.Status != protocol.StatusCompleted {
		t.Errorf("Terminal.Status = %q, want %q", result.Terminal.Status, protocol.StatusCompleted)
	}
}

func TestDispatch_NoAckTimesOut(t *testing.T) {
	r, _ := testRouter()
	r.noAckTimeout = 20 * time.Millisecond

	var timedOut bool
	r.OnTimeout(func() { timedOut = true })

	_, err := r.Dispatch(context.Background(), "agent-unreachable", protocol.RequestMessage{Kind: "ServerStatus"})
	if err == nil {
		t.Fatal("expected ErrAgentTimeout, got nil")
	}
	if !timedOut {
		t.Error("expected OnTimeout callback to fire")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) != 0 {
		t.Errorf("expected pending map to be cleaned up, has %d entries", len(r.pending))
	}
}

func TestDispatch_OnOutcomeReceivesAgentAddressAndKind(t *testing.T) {
	r, b := testRouter()
	replyAsAgent(t, b, "agent-42", protocol.StatusFailed)

	var gotOpID, gotAddress, gotKind, gotOutcome string
	r.OnOutcome(func(operationID, agentAddress, kind, outcome string) {
		gotOpID, gotAddress, gotKind, gotOutcome = operationID, agentAddress, kind, outcome
	})

	result, err := r.Dispatch(context.Background(), "agent-42", protocol.RequestMessage{Kind: "ServerStart"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if gotOpID != result.OperationId {
		t.Errorf("OnOutcome operationID = %q, want %q", gotOpID, result.OperationId)
	}
	if gotAddress != "agent-42" {
		t.Errorf("OnOutcome agentAddress = %q, want %q", gotAddress, "agent-42")
	}
	if gotKind != "ServerStart" {
		t.Errorf("OnOutcome kind = %q, want %q", gotKind, "ServerStart")
	}
	if gotOutcome != "Failed" {
		t.Errorf("OnOutcome outcome = %q, want %q", gotOutcome, "Failed")
	}
}
