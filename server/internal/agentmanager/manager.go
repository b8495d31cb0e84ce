// Package agentmanager implements AgentRegistry: the durable directory of
// every Agent this Management Server knows about, and the in-memory set of
// AgentLinkSupervisor goroutines that keep each one's WebSocket link alive.
//
// Unlike the teacher's Manager (a registry of inbound gRPC streams pushed to
// by agents that dial in), the connection direction here is reversed -- the
// Management Server dials out to each Agent's WebSocket listener -- so this
// package owns the Supervisor lifetimes instead of a map of server-side
// streams. The durable AgentRecord (address, label, last-seen, link state)
// is persisted via AgentRepository; the live link itself is held only in
// memory and rebuilt from the database on every restart.
package agentmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/server/internal/repositories"
)

// entry bundles one agent's durable ID with its live Supervisor.
type entry struct {
	id         uuid.UUID
	supervisor *agentlink.Supervisor
	cancel     context.CancelFunc
}

// Registry is the in-memory set of running AgentLinkSupervisor goroutines,
// keyed by agent address, backed by the durable AgentRepository.
//
// Safe for concurrent use -- the REST API and Maintenance's offline sweep
// read agent status from it while Add and Remove modify its entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	repo   repositories.AgentRepository
	broker *eventbroker.Broker
	logger *zap.Logger

	// onStatusChange is an optional hook fired every time an agent's
	// Supervisor transitions status, after the durable record has been
	// updated. Wired by main.go to push agent.status frames onto the
	// GUI-facing websocket.Hub and to promexport's link-status gauge.
	onStatusChange func(id uuid.UUID, address string, status agentlink.Status)
}

// New creates an empty Registry. Call LoadAndConnect to populate it from the
// database and start each agent's Supervisor.
func New(repo repositories.AgentRepository, broker *eventbroker.Broker, logger *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		repo:    repo,
		broker:  broker,
		logger:  logger.Named("agentmanager"),
	}
}

// OnStatusChange registers a callback invoked after every Supervisor status
// transition, once the durable AgentRecord has been persisted.
func (r *Registry) OnStatusChange(f func(id uuid.UUID, address string, status agentlink.Status)) {
	r.onStatusChange = f
}

// LoadAndConnect reads every known AgentRecord and starts an
// AgentLinkSupervisor for each one, running until ctx is cancelled.
func (r *Registry) LoadAndConnect(ctx context.Context) error {
	records, _, err := r.repo.List(ctx, repositories.ListOptions{Limit: 10_000})
	if err != nil {
		return fmt.Errorf("agentmanager: load agents: %w", err)
	}
	for _, rec := range records {
		r.start(ctx, rec)
	}
	return nil
}

// Add registers a brand new agent: persists its AgentRecord and starts its
// Supervisor. Used by the REST API's agent-creation endpoint.
func (r *Registry) Add(ctx context.Context, name, address string) (*db.AgentRecord, error) {
	rec := &db.AgentRecord{
		Name:    name,
		Address: address,
		Status:  string(agentlink.StatusConnecting),
	}
	if err := r.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	r.start(ctx, *rec)
	return rec, nil
}

func (r *Registry) start(ctx context.Context, rec db.AgentRecord) {
	sessionCtx, cancel := context.WithCancel(ctx)
	url := "ws://" + rec.Address + "/agent"

	sup := agentlink.New(rec.Address, url, r.broker, r.logger, func(address string, status agentlink.Status) {
		now := time.Now().UTC()
		if err := r.repo.UpdateStatus(context.Background(), rec.ID, string(status), now); err != nil {
			r.logger.Warn("failed to persist agent status", zap.String("agent", address), zap.Error(err))
		}
		if r.onStatusChange != nil {
			r.onStatusChange(rec.ID, address, status)
		}
	})

	r.mu.Lock()
	r.entries[rec.Address] = &entry{id: rec.ID, supervisor: sup, cancel: cancel}
	r.mu.Unlock()

	go sup.Run(sessionCtx)
}

// Remove stops an agent's Supervisor and removes it from the in-memory
// registry. The durable AgentRecord is left to the caller (typically soft
// deleted via AgentRepository.Delete before or after calling Remove).
func (r *Registry) Remove(address string) {
	r.mu.Lock()
	e, ok := r.entries[address]
	if ok {
		delete(r.entries, address)
	}
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Status returns the live Supervisor status for an agent, and whether a
// Supervisor is currently running for that address at all.
func (r *Registry) Status(address string) (agentlink.Status, bool) {
	r.mu.RLock()
	e, ok := r.entries[address]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return e.supervisor.Status(), true
}

// Addresses returns every agent address currently registered.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for addr := range r.entries {
		out = append(out, addr)
	}
	return out
}
