package process

import (
	"sync"
	"sync/atomic"

	"github.com/circlesabound/fctrl/agent/internal/rcon"
	"github.com/circlesabound/fctrl/shared/protocol"
)

// StateHolder is the shared, read/write-locked reference to ServerState
// mutated exclusively by the stdout reader in response to a classified
// state-change line -- no other component writes it directly.
type StateHolder struct {
	mu    sync.RWMutex
	state protocol.ServerState
}

func newStateHolder() *StateHolder {
	return &StateHolder{state: protocol.ServerStateReady}
}

func (h *StateHolder) Get() protocol.ServerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *StateHolder) Set(s protocol.ServerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// RconHolder is the shared, optional reference to the RCON connection. It
// starts nil and is populated once a state-change event signals the RCON
// port is up. Callers attempting to send before attachment observe
// ErrRconNotConnected.
type RconHolder struct {
	mu     sync.RWMutex
	client *rcon.Client
}

var ErrRconNotConnected = rconNotConnectedError{}

type rconNotConnectedError struct{}

func (rconNotConnectedError) Error() string { return "rcon not connected" }

func (h *RconHolder) Attach(c *rcon.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client = c
}

func (h *RconHolder) Send(cmd string) (string, error) {
	h.mu.RLock()
	c := h.client
	h.mu.RUnlock()
	if c == nil {
		return "", ErrRconNotConnected
	}
	return c.Send(cmd)
}

func (h *RconHolder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		h.client.Close()
		h.client = nil
	}
}

func (h *RconHolder) Attached() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client != nil
}

// PlayerCount is an atomic counter maintained by the stdout reader as Join
// and Leave lines are classified.
type PlayerCount struct {
	n atomic.Int32
}

func (p *PlayerCount) Inc() { p.n.Add(1) }
func (p *PlayerCount) Dec() {
	for {
		cur := p.n.Load()
		if cur == 0 {
			return
		}
		if p.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
func (p *PlayerCount) Get() int32 { return p.n.Load() }
