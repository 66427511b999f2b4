// ABOUTME: Represents a single connected agent and its transport handle.
// ABOUTME: Owns frame encoding and the per-cycle liveness flag.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// Socket abstracts the underlying WebSocket so connection logic and tests
// do not depend on a network transport.
type Socket interface {
	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error
	// Ping sends a liveness probe and blocks until the peer acknowledges
	// it or ctx expires. A nil return means the probe was answered.
	Ping(ctx context.Context) error
	// Close terminates the transport with a reason visible to the agent.
	Close(reason string) error
}

// writeTimeout bounds a single frame write so a stalled peer cannot block
// senders.
const writeTimeout = 10 * time.Second

// Connection is a registered agent transport. Exactly one Connection exists
// per agent id at any time; the Registry enforces that.
type Connection struct {
	ID   string
	Name string

	sock   Socket
	alive  atomic.Bool
	logger *slog.Logger
}

// NewConnection wraps a socket for a handshaken agent. The liveness flag
// starts armed; the first sweep clears it.
func NewConnection(id, name string, sock Socket, logger *slog.Logger) *Connection {
	c := &Connection{
		ID:     id,
		Name:   name,
		sock:   sock,
		logger: logger,
	}
	c.alive.Store(true)
	return c
}

// Send encodes and transmits a command frame.
func (c *Connection) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command %s: %w", cmd.Type, err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.sock.Write(wctx, data); err != nil {
		return fmt.Errorf("sending %s to %s: %w", cmd.Type, c.ID, err)
	}
	return nil
}

// Ping sends a transport-level probe and waits for the acknowledgement.
func (c *Connection) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.sock.Ping(pctx)
}

// MarkAlive re-arms the liveness flag. Called for every inbound frame and
// for every acknowledged probe.
func (c *Connection) MarkAlive() {
	c.alive.Store(true)
}

// ClearAlive clears the flag and reports whether it was set. The sweep uses
// the returned value to decide eviction.
func (c *Connection) ClearAlive() bool {
	return c.alive.Swap(false)
}

// Close terminates the transport. Errors are logged, not surfaced; a close
// races with the peer disconnecting and either way the handle is dead.
func (c *Connection) Close(reason string) {
	if err := c.sock.Close(reason); err != nil {
		c.logger.Debug("closing agent socket", "agent_id", c.ID, "error", err)
	}
}
