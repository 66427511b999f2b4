// ABOUTME: Tests for the agent WebSocket endpoint: liveness over a real
// ABOUTME: transport and disconnect teardown racing a reconnect.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// dialAgent attaches a real websocket client to the connect endpoint. The
// returned connection answers transport pings in the background.
func dialAgent(t *testing.T, g *Gateway, agentID, name string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(g.handleAgentConnect))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect?agent_id=" + agentID + "&name=" + name

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test over") })

	// Keep a read pending so the library answers inbound pings.
	_ = conn.CloseRead(ctx)

	require.Eventually(t, func() bool {
		return g.registry.IsConnected(agentID)
	}, 2*time.Second, 10*time.Millisecond, "agent never registered")

	return conn
}

func TestSweepKeepsIdleAgentOverWebsocket(t *testing.T) {
	g := newTestGateway(t)
	dialAgent(t, g, "idle-agent", "Idle")

	ctx := context.Background()

	// Two full cycles with no application traffic at all. The agent answers
	// every transport probe, so it must survive both.
	g.registry.Sweep(ctx)
	time.Sleep(200 * time.Millisecond)
	g.registry.Sweep(ctx)

	assert.True(t, g.registry.IsConnected("idle-agent"),
		"idle agent answering probes must not be evicted")
}

func TestStaleTeardownDoesNotFailReplacementCommands(t *testing.T) {
	g := newTestGateway(t)
	logger := slog.New(slog.DiscardHandler)

	old := agent.NewConnection("agent-1", "Box", nullSocket{}, logger)
	g.registry.Register(old)

	// A reconnect registers a newer handle before the old read loop unwinds.
	replacement := agent.NewConnection("agent-1", "Box", nullSocket{}, logger)
	g.registry.Register(replacement)

	type issued struct {
		res *agent.CommandResult
		err error
	}
	done := make(chan issued, 1)
	go func() {
		res, err := g.correlator.Issue(context.Background(), "agent-1",
			protocol.CmdListDir, "/tmp", agent.Exclusive, time.Second)
		done <- issued{res, err}
	}()

	require.Eventually(t, func() bool {
		return g.correlator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	// The old connection's delayed teardown fires now. It must not touch the
	// replacement's pending slot.
	g.dropConnection(old)

	payload, err := json.Marshal(protocol.DirListing{Path: "/tmp"})
	require.NoError(t, err)
	g.correlator.HandleResult("agent-1", protocol.Result{Type: protocol.ResDir, Payload: payload})

	got := <-done
	require.NoError(t, got.err, "stale teardown leaked into the new connection's correlation")
	assert.Equal(t, protocol.ResDir, got.res.Type)
	assert.True(t, g.registry.IsConnected("agent-1"))
}

func TestTeardownFailsPendingWhenAgentStaysGone(t *testing.T) {
	g := newTestGateway(t)
	logger := slog.New(slog.DiscardHandler)

	conn := agent.NewConnection("agent-1", "Box", nullSocket{}, logger)
	g.registry.Register(conn)

	done := make(chan error, 1)
	go func() {
		_, err := g.correlator.Issue(context.Background(), "agent-1",
			protocol.CmdGetDrives, "", agent.Exclusive, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return g.correlator.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	g.dropConnection(conn)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, agent.ErrAgentOffline)
	case <-time.After(time.Second):
		t.Fatal("pending command was not failed after the last connection dropped")
	}
	assert.False(t, g.registry.IsConnected("agent-1"))
}
