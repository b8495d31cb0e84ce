package server

import (
	"sync"

	"github.com/circlesabound/fctrl/shared/protocol"
)

const stdoutBusCapacity = 256

// stdoutBus fans out every AgentStreamingMessage to every currently
// connected peer. A slow peer's channel filling up drops the message for
// that peer only -- it never blocks the one supervised process's stdout
// reader, mirroring the broker's own lag-drop semantics on the Management
// Server side.
type stdoutBus struct {
	mu   sync.Mutex
	subs map[chan protocol.AgentStreamingMessage]struct{}
}

func newStdoutBus() *stdoutBus {
	return &stdoutBus{subs: make(map[chan protocol.AgentStreamingMessage]struct{})}
}

func (b *stdoutBus) subscribe() chan protocol.AgentStreamingMessage {
	ch := make(chan protocol.AgentStreamingMessage, stdoutBusCapacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *stdoutBus) unsubscribe(ch chan protocol.AgentStreamingMessage) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *stdoutBus) publish(msg protocol.AgentStreamingMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			// Lag-drop: a slow peer misses this line rather than stalling
			// the publisher.
		}
	}
}
