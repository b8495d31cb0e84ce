// Package operationrouter implements OperationRouter: it mints an
// OperationId for every outbound agent request, publishes the request
// tagged to the target agent's outgoing topic, and correlates the agent's
// reply stream back to the caller. Short operations (a single terminal
// frame, no Ack) resolve synchronously; long operations (Ack followed by
// zero or more Ongoing frames and a terminal frame) are hande off to a
// dynamically registered one-shot WebSocket endpoint at /operation/{id}
// that a caller must connect to within the unconnected-timeout window.
package operationrouter

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/shared/protocol"
)

const (
	DefaultNoAckTimeout        = 500 * time.Millisecond
	DefaultUnconnectedTimeout  = 300 * time.Second
)

var ErrAgentTimeout = errors.New("operationrouter: agent did not acknowledge the request in time")

// Result is what Dispatch returns to the HTTP handler that called it: either
// a Terminal frame (the operation already finished, short-op style) or a
// StreamPath identifying the one-shot WebSocket endpoint a client must
// connect to in order to observe Ongoing/terminal frames for a long op.
type Result struct {
	OperationId string
	Terminal    *protocol.AgentResponseEnvelope
	StreamPath  string
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Router owns every in-flight operation's correlation state.
type Router struct {
	broker *eventbroker.Broker
	logger *zap.Logger

	noAckTimeout       time.Duration
	unconnectedTimeout time.Duration

	// onOutcome and onTimeout are optional observability hooks; promexport
	// wires onOutcome's (kind, outcome) to its operations_total counter and
	// onTimeout to no_ack_timeouts_total, opledger wires onOutcome's
	// (operationID, outcome) to mark a streamed operation's ledger row
	// terminal, and notification uses agentAddress to page on a Failed
	// outcome -- none of these dependencies need Router to know they exist.
	onOutcome func(operationID, agentAddress, kind, outcome string)
	onTimeout func()

	mu      sync.Mutex
	pending map[string]*pendingOp
}

type pendingOp struct {
	kind      string
	address   string
	sub       *eventbroker.Subscription
	events    chan protocol.AgentResponseEnvelope
	connected chan struct{}
	once      sync.Once
	gcTimer   *time.Timer
}

func New(broker *eventbroker.Broker, logger *zap.Logger) *Router {
	return &Router{
		broker:             broker,
		logger:             logger.Named("operationrouter"),
		noAckTimeout:       DefaultNoAckTimeout,
		unconnectedTimeout: DefaultUnconnectedTimeout,
		pending:            make(map[string]*pendingOp),
	}
}

// OnOutcome registers a callback invoked with the operation id, target agent
// address, request kind and terminal status string every time a dispatched
// operation resolves synchronously or its stream observes a terminal frame.
func (r *Router) OnOutcome(f func(operationID, agentAddress, kind, outcome string)) { r.onOutcome = f }

// OnTimeout registers a callback invoked every time Dispatch gives up
// waiting for the agent's first reply frame.
func (r *Router) OnTimeout(f func()) { r.onTimeout = f }

// Dispatch mints an OperationId, publishes msg to agentAddress, and waits up
// to the no-ack timeout for the first reply frame. A terminal first frame
// (no Ack) resolves synchronously; an Ack frame hands off to a dynamic
// streaming endpoint whose path is returned for the caller to connect to.
func (r *Router) Dispatch(ctx context.Context, agentAddress string, msg protocol.RequestMessage) (*Result, error) {
	opID := uuid.NewString()

	op := &pendingOp{
		kind:      msg.Kind,
		address:   agentAddress,
		events:    make(chan protocol.AgentResponseEnvelope, eventbroker.TopicCapacity),
		connected: make(chan struct{}),
	}
	op.sub = r.broker.Subscribe("operation", func(v string) bool { return v == opID })

	r.mu.Lock()
	r.pending[opID] = op
	r.mu.Unlock()

	go r.pumpEvents(op)

	r.broker.Publish(eventbroker.Event{
		Tags:      map[string]string{agentlink.OutgoingTopic(agentAddress): "x"},
		Timestamp: time.Now().UTC(),
		Content:   protocol.AgentRequestEnvelope{OperationId: opID, Message: msg},
	})

	select {
	case env := <-op.events:
		if env.Status.IsTerminal() {
			r.cleanup(opID, op)
			if r.onOutcome != nil {
				r.onOutcome(opID, agentAddress, msg.Kind, string(env.Status))
			}
			return &Result{OperationId: opID, Terminal: &env}, nil
		}
		// Ack observed: hand off to the dynamic streaming endpoint. The
		// unconnected-timeout GC runs from here; ServeOperationWS cancels it
		// once a client actually connects.
		op.gcTimer = time.AfterFunc(r.unconnectedTimeout, func() {
			select {
			case <-op.connected:
				return
			default:
				r.logger.Warn("operation stream never connected, GC'ing", zap.String("operation_id", opID))
				r.cleanup(opID, op)
			}
		})
		return &Result{OperationId: opID, StreamPath: "/operation/" + opID}, nil
	case <-time.After(r.noAckTimeout):
		r.cleanup(opID, op)
		if r.onTimeout != nil {
			r.onTimeout()
		}
		return nil, ErrAgentTimeout
	case <-ctx.Done():
		r.cleanup(opID, op)
		return nil, ctx.Err()
	}
}

func (r *Router) pumpEvents(op *pendingOp) {
	for event := range op.sub.Events() {
		env, ok := event.Content.(protocol.AgentResponseEnvelope)
		if !ok {
			continue
		}
		select {
		case op.events <- env:
		default:
			r.logger.Warn("operation event buffer full, dropping frame")
		}
	}
}

func (r *Router) cleanup(opID string, op *pendingOp) {
	op.once.Do(func() {
		op.sub.Close()
		if op.gcTimer != nil {
			op.gcTimer.Stop()
		}
		r.mu.Lock()
		delete(r.pending, opID)
		r.mu.Unlock()
	})
}

// ServeOperationWS is the dynamically-registered one-shot endpoint:
// /operation/{id}. It upgrades the connection and streams every subsequent
// Ongoing/terminal frame for that operation until the terminal frame
// arrives, then closes. A request for an unknown id (never registered,
// already terminal, or GC'd after the unconnected timeout) gets 404; a
// second request while the first connection is still streaming gets 409.
func (r *Router) ServeOperationWS(w http.ResponseWriter, req *http.Request, operationID string) {
	r.mu.Lock()
	op, ok := r.pending[operationID]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}

	select {
	case <-op.connected:
		http.Error(w, "operation stream already consumed", http.StatusConflict)
		return
	default:
		close(op.connected)
	}
	if op.gcTimer != nil {
		op.gcTimer.Stop()
	}

	conn, err := wsUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("operation stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for env := range op.events {
		if err := conn.WriteJSON(env); err != nil {
			break
		}
		if env.Status.IsTerminal() {
			if r.onOutcome != nil {
				r.onOutcome(operationID, op.address, op.kind, string(env.Status))
			}
			break
		}
	}

	r.cleanup(operationID, op)
}
