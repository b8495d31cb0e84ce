package rcon

import "testing"

func TestSend_EmptyCommandShortCircuits(t *testing.T) {
	// No connection is established: if this reached the network it would
	// panic on a nil conn, proving the empty-command check runs first.
	c := &Client{}
	_, err := c.Send("")
	if err != ErrEmptyCommand {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
}
