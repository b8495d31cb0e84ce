// Package controller implements the per-WebSocket-peer request/response
// dispatcher (AgentController): for every inbound AgentRequestEnvelope it
// dispatches on the variant tag and emits the Ack / Ongoing* / terminal
// discipline described in §4.5 of the specification.
//
// The sequential long-op choreographies (VersionInstall, SaveCreate) are
// grounded on the teacher's agent/internal/executor.execute() -- a flat
// script of awaited steps with local log/fail closures and early return on
// the first failure.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/agent/internal/install"
	"github.com/circlesabound/fctrl/agent/internal/process"
	"github.com/circlesabound/fctrl/agent/internal/stdoutclassifier"
	"github.com/circlesabound/fctrl/agent/internal/store"
	"github.com/circlesabound/fctrl/agent/internal/sysmetrics"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// Config bundles everything a Controller needs to dispatch requests. One
// Config is shared by every peer connection; only the WebSocket conn and
// its send mutex are per-peer (constructed in New).
type Config struct {
	Supervisor    *process.Supervisor
	InstallMgr    *install.Manager
	Savefiles     *store.Savefiles
	ConfigFiles   *store.ConfigFiles
	BuildVersion  string
	RconAddr      func() string // resolves the current RCON bind for attach
	RconPassword  func() string
	NewBuilder    func() *process.Builder
	Logger        *zap.Logger
	// Sink receives every classified stdout line for publication to peers
	// as an AgentStreamingMessage. Wired by AgentServer; nil in tests that
	// only exercise request/response dispatch.
	Sink StdoutEventSink
}

// Controller is constructed once per accepted WebSocket connection.
type Controller struct {
	cfg    Config
	conn   *websocket.Conn
	sendMu sync.Mutex
	logger *zap.Logger
}

func New(conn *websocket.Conn, cfg Config) *Controller {
	return &Controller{conn: conn, cfg: cfg, logger: cfg.Logger.Named("controller")}
}

// Run loops over inbound frames until the connection closes or ctx is
// cancelled. Ping frames are answered with Pong; close frames terminate
// the loop; binary frames are ignored with a warning.
func (c *Controller) Run(ctx context.Context) {
	c.conn.SetPingHandler(func(appData string) error {
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleFrame(ctx, data)
		case websocket.BinaryMessage:
			c.logger.Warn("ignoring unexpected binary frame")
		case websocket.CloseMessage:
			return
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, data []byte) {
	var req protocol.AgentRequestEnvelope
	if err := json.Unmarshal(data, &req); err != nil {
		c.logger.Warn("failed to parse inbound frame, ignoring", zap.Error(err))
		return
	}
	c.dispatch(ctx, req)
}

// send writes one AgentResponseEnvelope, serialized by sendMu so frames for
// concurrently-running long ops never interleave mid-write.
func (c *Controller) send(op string, status protocol.OperationStatus, content protocol.ResponseContent) {
	env := protocol.AgentResponseEnvelope{
		OperationId: op,
		Timestamp:   time.Now().UTC(),
		Status:      status,
		Content:     content,
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		c.logger.Warn("failed to write response frame", zap.String("operation_id", op), zap.Error(err))
	}
}

// WriteRaw serializes v and writes it as a text frame, guarded by the same
// sendMu as every response frame -- gorilla/websocket permits at most one
// concurrent writer per connection, so AgentServer's stdout-broadcast pump
// must go through this rather than writing to the conn directly.
func (c *Controller) WriteRaw(v any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Controller) ack(op string)                    { c.send(op, protocol.StatusAck, protocol.OkContent()) }
func (c *Controller) ongoing(op, msg string)            { c.send(op, protocol.StatusOngoing, protocol.MessageContent(msg)) }
func (c *Controller) completed(op string, content protocol.ResponseContent) {
	c.send(op, protocol.StatusCompleted, content)
}
func (c *Controller) failed(op string, reason string) {
	c.send(op, protocol.StatusFailed, protocol.ErrorContent(reason))
}
func (c *Controller) failedContent(op string, content protocol.ResponseContent) {
	c.send(op, protocol.StatusFailed, content)
}

func (c *Controller) dispatch(ctx context.Context, req protocol.AgentRequestEnvelope) {
	op := req.OperationId
	switch req.Message.Kind {
	case protocol.KindServerStatus:
		c.handleServerStatus(op)
	case protocol.KindServerStart:
		c.handleServerStart(op, req.Message.Payload)
	case protocol.KindServerStop:
		c.handleServerStop(op)
	case protocol.KindRconCommand:
		c.handleRconCommand(op, req.Message.Payload)
	case protocol.KindBuildVersion:
		c.completed(op, protocol.ResponseContent{Kind: protocol.ContentBuildVersion, Payload: c.cfg.BuildVersion})
	case protocol.KindSystemResources:
		c.handleSystemResources(ctx, op)
	case protocol.KindSaveList:
		c.handleSaveList(op)
	case protocol.KindSaveCreate:
		go c.handleSaveCreate(ctx, op)
	case protocol.KindSaveDelete:
		c.handleSaveDelete(op, req.Message.Payload)
	case protocol.KindSaveGet:
		c.handleSaveGet(op, req.Message.Payload)
	case protocol.KindSaveSet:
		c.handleSaveSet(op, req.Message.Payload)
	case protocol.KindVersionGet:
		c.handleVersionGet(op)
	case protocol.KindVersionInstall:
		go c.handleVersionInstall(ctx, op, req.Message.Payload)
	case protocol.KindConfigAdminListGet:
		c.handleConfigGet(op, store.ConfigAdminList, protocol.ContentConfigAdminList)
	case protocol.KindConfigAdminListSet:
		c.handleConfigSetStringList(op, store.ConfigAdminList, req.Message.Payload)
	case protocol.KindConfigBanListGet:
		c.handleConfigGet(op, store.ConfigBanList, protocol.ContentConfigBanList)
	case protocol.KindConfigBanListSet:
		c.handleConfigSetStringList(op, store.ConfigBanList, req.Message.Payload)
	case protocol.KindConfigWhiteListGet:
		c.handleConfigGet(op, store.ConfigWhiteList, protocol.ContentConfigWhiteList)
	case protocol.KindConfigWhiteListSet:
		c.handleConfigSetRaw(op, store.ConfigWhiteList, req.Message.Payload)
	case protocol.KindConfigRconGet:
		c.handleConfigGet(op, store.ConfigRcon, protocol.ContentConfigRcon)
	case protocol.KindConfigRconSet:
		c.handleConfigSetRaw(op, store.ConfigRcon, req.Message.Payload)
	case protocol.KindConfigSecretsGet:
		c.handleSecretsGet(op)
	case protocol.KindConfigSecretsSet:
		c.handleConfigSetRaw(op, store.ConfigSecrets, req.Message.Payload)
	case protocol.KindConfigServerSettingsGet:
		c.handleConfigGet(op, store.ConfigServerSettings, protocol.ContentConfigServerSettings)
	case protocol.KindConfigServerSettingsSet:
		c.handleConfigSetRaw(op, store.ConfigServerSettings, req.Message.Payload)
	case protocol.KindModListGet, protocol.KindModListSet, protocol.KindModListExtractFromSave,
		protocol.KindModSettingsGet, protocol.KindModSettingsSet:
		c.handleModOperation(op, req.Message)
	default:
		c.failed(op, fmt.Sprintf("unrecognised request kind %q", req.Message.Kind))
	}
}

// StdoutEventSink receives classified stdout events for publication to the
// broker (wired by AgentServer; absent in unit tests that exercise only
// the dispatch surface).
type StdoutEventSink interface {
	PublishStdout(raw string, result stdoutclassifier.Result)
}
