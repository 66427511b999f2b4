// ABOUTME: Matches asynchronous agent results to the commands that asked for them.
// ABOUTME: Gives callers a synchronous, deadline-bounded view of a fire-and-forget channel.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// Correlation errors surfaced to callers.
var (
	// ErrBusy indicates the agent already has an outstanding exclusive
	// request. The second command is rejected, never queued or overwritten.
	ErrBusy = errors.New("agent busy with a pending request")
	// ErrTimedOut indicates the deadline elapsed before a matching result
	// arrived. The pending slot is discarded; a late answer is dropped.
	ErrTimedOut = errors.New("command timed out")
)

// AgentError carries an error string reported by the agent itself. It is
// relayed verbatim, never interpreted.
type AgentError struct {
	AgentID string
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s reported: %s", e.AgentID, e.Message)
}

// Mode selects the correlation key discipline for an issued command.
type Mode int

const (
	// Exclusive keys the pending slot by agent id: at most one outstanding
	// command per agent, a second issue fails with ErrBusy. Used by the chat
	// flow, where the next screen always answers the last tap.
	Exclusive Mode = iota
	// Concurrent keys the slot by a generated request id, so independent
	// callers may target the same agent simultaneously. Results are matched
	// by payload identity. Used by the synchronous API.
	Concurrent
)

// CommandResult is a successfully correlated agent answer.
type CommandResult struct {
	Type    protocol.ResultType
	Payload json.RawMessage
}

type outcome struct {
	result *CommandResult
	err    error
}

type pending struct {
	key       string
	agentID   string
	expect    protocol.ResultType
	matchKey  string
	createdAt time.Time
	ch        chan outcome
}

// Correlator tracks pending requests and resolves them from inbound frames.
// Each pending slot is resolved at most once: by a matching result, by agent
// disconnect, or by the caller's deadline, whichever comes first.
type Correlator struct {
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	table map[string]*pending
}

// NewCorrelator creates a correlator dispatching through the registry.
func NewCorrelator(registry *Registry, logger *slog.Logger) *Correlator {
	return &Correlator{
		registry: registry,
		logger:   logger,
		table:    make(map[string]*pending),
	}
}

// Issue sends a command to one agent and blocks until a matching result
// arrives, the timeout elapses, or the context is canceled. path is empty
// for commands without one (get_drives).
//
// Timing out does not cancel the command on the agent side; there is no
// cancellation signal on the wire. The agent may still answer, and that
// answer is logged and dropped.
func (c *Correlator) Issue(ctx context.Context, agentID string, typ protocol.CommandType, path string, mode Mode, timeout time.Duration) (*CommandResult, error) {
	if _, ok := c.registry.Get(agentID); !ok {
		return nil, ErrAgentOffline
	}

	expect, ok := protocol.ExpectedResult(typ)
	if !ok {
		return nil, fmt.Errorf("command %s has no correlated result", typ)
	}

	var payload any
	if path != "" {
		payload = protocol.PathPayload{Path: path}
	}
	cmd, err := protocol.NewCommand(typ, payload)
	if err != nil {
		return nil, err
	}

	p := &pending{
		agentID:   agentID,
		expect:    expect,
		matchKey:  protocol.CommandMatchKey(typ, path),
		createdAt: time.Now(),
		ch:        make(chan outcome, 1),
	}
	switch mode {
	case Exclusive:
		p.key = agentID
	case Concurrent:
		p.key = uuid.New().String()
	}

	c.mu.Lock()
	if mode == Exclusive {
		if _, busy := c.table[agentID]; busy {
			c.mu.Unlock()
			return nil, ErrBusy
		}
	}
	c.table[p.key] = p
	c.mu.Unlock()

	if err := c.registry.Send(ctx, agentID, cmd); err != nil {
		c.remove(p)
		return nil, err
	}

	c.logger.Debug("command issued",
		"agent_id", agentID,
		"type", typ,
		"key", p.key,
		"timeout", timeout,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-timer.C:
		c.remove(p)
		c.logger.Warn("command timed out", "agent_id", agentID, "type", typ, "key", p.key)
		return nil, ErrTimedOut
	case <-ctx.Done():
		c.remove(p)
		return nil, ctx.Err()
	}
}

// HandleResult dispatches an inbound frame to the pending slot it answers.
// Unmatched frames are logged and dropped; they never block later
// correlation. Pongs carry no correlation and are ignored here.
func (c *Correlator) HandleResult(agentID string, res protocol.Result) {
	if res.Type == protocol.ResPong {
		return
	}

	p := c.claim(agentID, res)
	if p == nil {
		c.logger.Debug("unmatched result dropped", "agent_id", agentID, "type", res.Type)
		return
	}

	if res.Error != "" {
		p.ch <- outcome{err: &AgentError{AgentID: agentID, Message: res.Error}}
		return
	}
	p.ch <- outcome{result: &CommandResult{Type: res.Type, Payload: res.Payload}}
}

// claim finds, removes and returns the pending slot a result answers, or nil.
// Matching is by agent and expected result kind; when the result carries a
// payload identity (listing path, file name), an identity match is required
// ahead of arrival order so concurrent requests resolve correctly. Error
// results and identity-free payloads fall back to the oldest candidate.
func (c *Correlator) claim(agentID string, res protocol.Result) *pending {
	resKey := ""
	if res.Error == "" {
		resKey = res.MatchKey()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest *pending
	candidates := 0
	for _, p := range c.table {
		if p.agentID != agentID || p.expect != res.Type {
			continue
		}
		if resKey != "" && p.matchKey == resKey {
			delete(c.table, p.key)
			return p
		}
		candidates++
		if oldest == nil || p.createdAt.Before(oldest.createdAt) {
			oldest = p
		}
	}

	// Identity-free results resolve the oldest candidate. An identity-bearing
	// result that matched nothing (an agent echoing a normalized path) may
	// still resolve a lone candidate, but never guesses between several.
	if oldest != nil && (resKey == "" || candidates == 1) {
		delete(c.table, oldest.key)
		return oldest
	}
	return nil
}

// FailAgent resolves every pending slot for an agent with ErrAgentOffline.
// Called when the agent's connection is torn down so waiters do not sit out
// their full deadline against a dead transport.
func (c *Correlator) FailAgent(agentID string) {
	c.mu.Lock()
	var failed []*pending
	for key, p := range c.table {
		if p.agentID == agentID {
			delete(c.table, key)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.ch <- outcome{err: ErrAgentOffline}
	}
}

// PendingCount reports the number of outstanding slots.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// remove deletes a slot only if it is still the registered entry for its
// key. After an exclusive timeout a fresh request may reuse the same key;
// the stale waiter must not remove the new slot.
func (c *Correlator) remove(p *pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.table[p.key]; ok && current == p {
		delete(c.table, p.key)
	}
}
