// Package agentlink implements AgentLinkSupervisor: the Management Server's
// reconnecting WebSocket link to one Agent. The connection direction here is
// the inverse of both reference repos' own gRPC client -- the teacher's
// agent/internal/connection.Manager dials out from the long-running process
// to a central server; here the Management Server dials out to the Agent,
// because the Agent is the WebSocket server. The flat run-loop/connect/
// reconnect shape is kept from that file; its exponential backoff is
// replaced with the specification's fixed 3-second retry delay, and its
// single gRPC stream pair is replaced with three cooperating goroutines
// sharing one send mutex: keep-alive, outgoing forwarder, incoming
// publisher.
package agentlink

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/shared/protocol"
)

const (
	reconnectDelay   = 3 * time.Second
	keepAliveInterval = 15 * time.Second
	maxMissedPings    = 3
)

// Status is the live connectivity state of one Agent's link, reported to
// the AgentRegistry.
type Status string

const (
	StatusConnecting Status = "Connecting"
	StatusConnected  Status = "Connected"
	StatusDead       Status = "Dead"
)

// Supervisor owns the reconnecting link to a single Agent. outgoing traffic
// is whatever the OperationRouter publishes tagged with this agent's
// address; incoming traffic (responses, streaming stdout) is classified and
// republished onto the broker for the OperationRouter and RpcHandler to
// consume.
type Supervisor struct {
	address        string
	url            string
	broker         *eventbroker.Broker
	logger         *zap.Logger
	onStatusChange func(address string, status Status)

	mu     sync.RWMutex
	status Status
}

// New builds a Supervisor for one agent. onStatusChange, if non-nil, is
// invoked on every status transition -- the AgentRegistry uses it to
// persist AgentRecord.Status/LastSeenAt, and promexport uses it to update
// the agentlink_status gauge; Supervisor itself stays unaware of either.
func New(address, url string, broker *eventbroker.Broker, logger *zap.Logger, onStatusChange func(address string, status Status)) *Supervisor {
	return &Supervisor{
		address:        address,
		url:            url,
		broker:         broker,
		logger:         logger.Named("agentlink").With(zap.String("agent", address)),
		onStatusChange: onStatusChange,
		status:         StatusConnecting,
	}
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.onStatusChange != nil {
		s.onStatusChange(s.address, st)
	}
}

// Run connects, runs the three cooperating goroutines, and on any of them
// exiting tears the whole session down and reconnects after a flat delay --
// no exponential backoff, per the specification. Blocks until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.setStatus(StatusDead)
			return
		}

		s.setStatus(StatusConnecting)
		s.logger.Info("connecting to agent", zap.String("url", s.url))

		if err := s.session(ctx); err != nil {
			s.logger.Warn("agent session ended", zap.Error(err))
		}

		if ctx.Err() != nil {
			s.setStatus(StatusDead)
			return
		}

		s.setStatus(StatusDead)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one connected lifetime: dial, then run keep-alive, outgoing
// forwarder and incoming publisher concurrently until the first of them
// exits.
func (s *Supervisor) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sendMu sync.Mutex
	send := func(v any) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return conn.WriteJSON(v)
	}

	s.setStatus(StatusConnected)
	s.logger.Info("agent link connected")

	missedPings := 0
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 3)
	go func() { errCh <- s.keepAlive(sessionCtx, conn, send, pongCh, &missedPings) }()
	go func() { errCh <- s.outgoingForwarder(sessionCtx, send) }()
	go func() { errCh <- s.incomingPublisher(sessionCtx, conn) }()

	err = <-errCh
	cancel()
	return err
}

// keepAlive pings every keepAliveInterval; if maxMissedPings consecutive
// pongs fail to arrive, the session is torn down and the outer loop
// reconnects.
func (s *Supervisor) keepAlive(ctx context.Context, conn *websocket.Conn, send func(any) error, pongCh <-chan struct{}, missed *int) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-pongCh:
				*missed = 0
			default:
				*missed++
				if *missed >= maxMissedPings {
					return errUnresponsive
				}
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return err
			}
		}
	}
}

var errUnresponsive = unresponsiveError{}

type unresponsiveError struct{}

func (unresponsiveError) Error() string { return "agentlink: agent missed too many keep-alive pings" }

// outgoingForwarder subscribes to this agent's outgoing-request topic and
// writes every published request straight through to the WebSocket, tagged
// by OperationRouter with this agent's address.
func (s *Supervisor) outgoingForwarder(ctx context.Context, send func(any) error) error {
	sub := s.broker.Subscribe(OutgoingTopic(s.address), func(string) bool { return true })
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := send(event.Content); err != nil {
				return err
			}
		}
	}
}

// incomingPublisher reads frames from the agent and republishes them,
// classified, onto the broker. AgentResponseEnvelope frames are tagged with
// topic "operation" = operation id for OperationRouter; AgentStreamingMessage
// frames are classified via ClassifyStdoutTags and published under "rpc" /
// "stdout" / etc per §4.9.
func (s *Supervisor) incomingPublisher(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.publishInbound(data)
	}
}

func (s *Supervisor) publishInbound(data []byte) {
	var probe struct {
		OperationId *string `json:"operation_id"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.OperationId != nil {
		var env protocol.AgentResponseEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("failed to parse response envelope", zap.Error(err))
			return
		}
		s.broker.Publish(eventbroker.Event{
			Tags:      map[string]string{"operation": env.OperationId, "agent": s.address},
			Timestamp: env.Timestamp,
			Content:   env,
		})
		return
	}

	var msg protocol.AgentStreamingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("failed to parse streaming message", zap.Error(err))
		return
	}
	tags := ClassifyStdoutTags(s.address, msg.Content.ServerStdout)
	s.broker.Publish(eventbroker.Event{Tags: tags, Timestamp: msg.Timestamp, Content: msg})
}

// OutgoingTopic is the topic name OperationRouter publishes an agent's
// outgoing requests to, and the topic this Supervisor forwards from.
func OutgoingTopic(agentAddress string) string { return "outgoing:" + agentAddress }
