package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/opledger"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/repositories"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// OperationHandler dispatches agent requests through the OperationRouter and
// exposes the one-shot streaming endpoint a caller connects to for long-
// running operations (Ack followed by Ongoing/terminal frames).
type OperationHandler struct {
	agents repositories.AgentRepository
	router *operationrouter.Router
	ledger *opledger.Recorder
	logger *zap.Logger
}

// NewOperationHandler creates a new OperationHandler.
func NewOperationHandler(agents repositories.AgentRepository, router *operationrouter.Router, ledger *opledger.Recorder, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		agents: agents,
		router: router,
		ledger: ledger,
		logger: logger.Named("operation_handler"),
	}
}

// dispatchResponse is returned for both synchronous and streamed outcomes.
// Terminal is populated when the operation already resolved; StreamPath is
// populated when the caller must connect to the WebSocket endpoint to
// observe the rest of the operation's lifecycle.
type dispatchResponse struct {
	OperationId string                          `json:"operation_id"`
	Terminal    *protocol.AgentResponseEnvelope `json:"terminal,omitempty"`
	StreamPath  string                          `json:"stream_path,omitempty"`
}

// Dispatch handles POST /api/v1/agents/{id}/operations.
// The request body is a protocol.RequestMessage in its wire representation —
// a bare JSON string for no-argument kinds, or a single-key object for kinds
// that carry a payload, e.g. {"ServerStart":{"savefile":{"kind":"Latest"}}}.
func (h *OperationHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for dispatch", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	var msg protocol.RequestMessage
	if !decodeJSON(w, r, &msg) {
		return
	}

	result, err := h.router.Dispatch(r.Context(), agent.Address, msg)
	if err != nil {
		if errors.Is(err, operationrouter.ErrAgentTimeout) {
			ErrInternal(w)
			return
		}
		h.logger.Error("dispatch failed",
			zap.String("agent_id", id.String()),
			zap.String("kind", msg.Kind),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	var requestedBy uuid.UUID
	if claims := claimsFromCtx(r.Context()); claims != nil {
		requestedBy, _ = uuid.Parse(claims.UserID)
	}

	resp := dispatchResponse{OperationId: result.OperationId}
	if result.Terminal != nil {
		resp.Terminal = result.Terminal
		h.ledger.RecordTerminal(r.Context(), result.OperationId, agent.ID, requestedBy, msg.Kind, string(result.Terminal.Status), "")
		Ok(w, resp)
		return
	}
	h.ledger.RecordPending(r.Context(), result.OperationId, agent.ID, requestedBy, msg.Kind)
	resp.StreamPath = result.StreamPath
	JSON(w, http.StatusAccepted, envelope{"data": resp})
}

// ServeStream handles GET /operation/{id}, the dynamic one-shot WebSocket
// endpoint returned in StreamPath by Dispatch.
func (h *OperationHandler) ServeStream(w http.ResponseWriter, r *http.Request, operationID string) {
	h.router.ServeOperationWS(w, r, operationID)
}
