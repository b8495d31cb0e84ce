// Package rcon is a thin wrapper around github.com/gorcon/rcon, the
// ecosystem's Source-RCON client, adding the one behaviour that library
// doesn't know about: Factorio's RCON server hangs forever on an empty
// command, where a Source/Minecraft server would just reply empty.
// gorcon/rcon implements the wire protocol correctly for Factorio -- the
// auth handshake and packet framing Factorio speaks is the plain Source
// RCON protocol, not a variant -- so the only real Factorio quirk is this
// server-behaviour one, which has to be guarded by the caller regardless of
// which client library puts bytes on the wire.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gorcon "github.com/gorcon/rcon"
)

// ErrEmptyCommand is returned immediately, without any network traffic, for
// an empty command string.
var ErrEmptyCommand = errors.New("rcon: empty command")

// Client serializes command/response round-trips over a single
// gorcon.Conn. Send is serialized by mu so concurrent callers never
// interleave packets on the wire.
type Client struct {
	mu   sync.Mutex
	conn *gorcon.Conn
}

// Connect dials addr and authenticates with password via gorcon.Dial. ctx
// is accepted for call-site symmetry with the rest of this agent's
// context-threaded API; gorcon.Dial itself has no context-aware variant.
func Connect(ctx context.Context, addr, password string) (*Client, error) {
	conn, err := gorcon.Dial(addr, password)
	if err != nil {
		return nil, fmt.Errorf("rcon: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Send transmits cmd and returns the server's textual response. Serialized
// by a per-connection mutex: only one command is ever in flight.
//
// An empty cmd short-circuits to ErrEmptyCommand before any bytes reach the
// wire -- Factorio's RCON is known to hang on empty input.
func (c *Client) Send(cmd string) (string, error) {
	if cmd == "" {
		return "", ErrEmptyCommand
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.conn.Execute(cmd)
	if err != nil {
		return "", fmt.Errorf("rcon: executing command: %w", err)
	}
	return resp, nil
}

// Close closes the underlying TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
