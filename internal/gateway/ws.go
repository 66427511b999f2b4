// ABOUTME: WebSocket endpoint where agents attach their control channel.
// ABOUTME: Handles the identify handshake, the read loop, and disconnect cleanup.

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// wsSocket adapts a coder/websocket connection to the agent.Socket interface.
type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleAgentConnect upgrades an agent's control channel. Agents identify via
// query parameters; a connection without an id is closed immediately since it
// can never be addressed.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	name := r.URL.Query().Get("name")

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	if agentID == "" {
		g.logger.Warn("agent connected without an id, rejecting", "remote", r.RemoteAddr)
		_ = wsConn.Close(websocket.StatusPolicyViolation, "agent_id required")
		return
	}
	if name == "" {
		name = agentID
	}

	conn := agent.NewConnection(agentID, name, &wsSocket{conn: wsConn}, g.logger.With("component", "agent-conn", "agent_id", agentID))
	g.registry.Register(conn)
	g.presence.Touch(agentID, name, g.config.Agents.PresenceTTL)
	if err := g.store.RecordAgentSeen(r.Context(), agentID, name); err != nil {
		g.logger.Warn("recording agent sighting", "agent_id", agentID, "error", err)
	}

	g.readLoop(r.Context(), conn, wsConn)
	g.dropConnection(conn)
}

// dropConnection tears down a dead connection once its read loop has exited.
// Pending commands fail now rather than waiting out their deadlines, unless
// a reconnect already registered a newer handle for the same agent: that
// connection's commands are not ours to fail.
func (g *Gateway) dropConnection(conn *agent.Connection) {
	g.registry.Remove(conn)
	if _, ok := g.registry.Get(conn.ID); ok {
		return
	}
	g.correlator.FailAgent(conn.ID)
}

// readLoop consumes result frames until the connection dies. Every inbound
// frame, valid or not, re-arms the liveness flag: a peer that talks is alive.
func (g *Gateway) readLoop(ctx context.Context, conn *agent.Connection, wsConn *websocket.Conn) {
	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			g.logger.Info("agent channel closed", "agent_id", conn.ID, "error", err)
			return
		}
		conn.MarkAlive()
		g.presence.Touch(conn.ID, conn.Name, g.config.Agents.PresenceTTL)

		if typ != websocket.MessageText {
			continue
		}

		res, err := protocol.DecodeResult(data)
		if err != nil {
			g.logger.Warn("dropping malformed frame", "agent_id", conn.ID, "error", err)
			continue
		}
		g.correlator.HandleResult(conn.ID, res)
	}
}
