package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentmanager"
	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// AgentHandler groups all agent-related HTTP handlers. List/GetByID read the
// durable AgentRepository; Create/Delete also drive the live AgentRegistry
// so a new agent's AgentLinkSupervisor starts (or stops) immediately.
type AgentHandler struct {
	repo     repositories.AgentRepository
	registry *agentmanager.Registry
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(repo repositories.AgentRepository, registry *agentmanager.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		repo:     repo,
		registry: registry,
		logger:   logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
// Status reflects the live AgentLinkSupervisor state when the registry has
// one running, falling back to the durable last-known value otherwise.
type agentResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Address    string  `json:"address"`
	Status     string  `json:"status"`
	Labels     string  `json:"labels"`
	LastSeenAt *string `json:"last_seen_at"`
	CreatedAt  string  `json:"created_at"`
}

func (h *AgentHandler) agentToResponse(a *db.AgentRecord) agentResponse {
	status := a.Status
	if live, ok := h.registry.Status(a.Address); ok {
		status = string(live)
	}
	resp := agentResponse{
		ID:        a.ID.String(),
		Name:      a.Name,
		Address:   a.Address,
		Status:    status,
		Labels:    a.Labels,
		CreatedAt: a.CreatedAt.UTC().String(),
	}
	if a.LastSeenAt != nil {
		s := a.LastSeenAt.UTC().String()
		resp.LastSeenAt = &s
	}
	return resp
}

// listAgentsResponse wraps a paginated list of agents.
type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	agents, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = h.agentToResponse(&agents[i])
	}

	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// createAgentRequest is the JSON body expected by POST /api/v1/agents.
type createAgentRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"` // host:port of the Agent's WebSocket listener
}

// Create handles POST /api/v1/agents.
// Registers a new agent's durable record and starts its AgentLinkSupervisor.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if req.Address == "" {
		ErrBadRequest(w, "address is required")
		return
	}

	agent, err := h.registry.Add(r.Context(), req.Name, req.Address)
	if err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, h.agentToResponse(agent))
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.agentToResponse(agent))
}

// updateAgentRequest is the JSON body expected by PATCH /api/v1/agents/{id}.
// All fields are optional — only fields present in the body are applied. An
// empty name is rejected; an empty labels string is stored as given.
type updateAgentRequest struct {
	Name   *string `json:"name"`
	Labels *string `json:"labels"`
}

// Update handles PATCH /api/v1/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		agent.Name = *req.Name
	}
	if req.Labels != nil {
		agent.Labels = *req.Labels
	}

	if err := h.repo.Update(r.Context(), agent); err != nil {
		h.logger.Error("failed to update agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, h.agentToResponse(agent))
}

// Delete handles DELETE /api/v1/agents/{id}.
// Stops the agent's live Supervisor and soft-deletes its durable record.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent for delete", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete agent", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.registry.Remove(agent.Address)

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a UUID from a plain string, e.g. a JWT claim that is
// not a path parameter.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
