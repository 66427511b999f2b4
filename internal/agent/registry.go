// ABOUTME: Registry of live agent connections keyed by agent id.
// ABOUTME: Handles atomic replace on reconnect and the periodic liveness sweep.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// ErrAgentOffline indicates no open connection exists for the agent.
// Sends against a missing or closed transport fail immediately; nothing
// is ever queued.
var ErrAgentOffline = errors.New("agent offline")

// Registry owns the live transport handles, exactly one per agent id.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a connection. If an entry already exists for the same agent
// id the stale transport is closed and replaced atomically, so two active
// handles for one logical agent can never coexist.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	prev, existed := r.conns[conn.ID]
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if existed {
		r.logger.Warn("agent reconnected, replacing stale connection", "agent_id", conn.ID)
		prev.Close("replaced by a newer connection")
	}
	r.logger.Info("agent connected",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", total,
	)
}

// Get retrieves the connection for an agent, if one is open.
func (r *Registry) Get(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	return conn, ok
}

// Remove drops a connection only if it is still the registered handle for
// its id. A reconnect may already have replaced it, in which case the newer
// entry must survive.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	current, ok := r.conns[conn.ID]
	if ok && current == conn {
		delete(r.conns, conn.ID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok && current == conn {
		r.logger.Info("agent disconnected",
			"agent_id", conn.ID,
			"name", conn.Name,
			"total_agents", total,
		)
	}
}

// Send transmits a command to an agent. Fails fast with ErrAgentOffline when
// no connection exists or the write fails; a failed write also evicts the
// connection since the transport is unusable.
func (r *Registry) Send(ctx context.Context, agentID string, cmd protocol.Command) error {
	conn, ok := r.Get(agentID)
	if !ok {
		return ErrAgentOffline
	}

	if err := conn.Send(ctx, cmd); err != nil {
		r.logger.Warn("send failed, evicting connection", "agent_id", agentID, "error", err)
		r.Remove(conn)
		conn.Close("write failed")
		return ErrAgentOffline
	}
	return nil
}

// IsConnected reports whether an open connection exists for the agent.
// Implements presence.ConnChecker.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// List returns the currently connected agents.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// Sweep runs one liveness cycle: connections whose flag was not re-armed
// since the previous cycle are evicted and closed; the rest have their flag
// cleared and are probed. A probe that returns nil was acknowledged by the
// peer, so it re-arms the flag itself; an idle agent that answers every
// probe survives indefinitely.
func (r *Registry) Sweep(ctx context.Context) {
	for _, conn := range r.List() {
		if !conn.ClearAlive() {
			r.logger.Warn("agent failed liveness probe, evicting", "agent_id", conn.ID, "name", conn.Name)
			r.Remove(conn)
			conn.Close("liveness probe timed out")
			continue
		}
		if err := conn.Ping(ctx); err != nil {
			r.logger.Debug("liveness probe failed", "agent_id", conn.ID, "error", err)
			continue
		}
		conn.MarkAlive()
	}
}
