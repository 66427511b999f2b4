// ABOUTME: Store interface and record types for deskgate persistence.
// ABOUTME: Covers app statistics, the active broadcast, and the agent sighting log.

package store

import (
	"context"
	"time"
)

// BroadcastType distinguishes plain text from pre-rendered HTML broadcasts.
type BroadcastType string

// Broadcast content types.
const (
	BroadcastText BroadcastType = "text"
	BroadcastHTML BroadcastType = "html"
)

// Broadcast is the message served to every app install at /latest-message.
// At most one broadcast is active at a time; setting a new one replaces it.
type Broadcast struct {
	ID        int64
	Type      BroadcastType
	Content   string
	CreatedAt time.Time
}

// Stats aggregates app-open counters reported by installs.
type Stats struct {
	TotalPings int64
	Versions   map[string]int64
}

// Sighting is the durable record of when an agent was last heard from,
// by either signal. Live reachability comes from the presence store; this
// survives restarts for auditing.
type Sighting struct {
	AgentID     string
	DisplayName string
	LastSeen    time.Time
}

// Store is the persistence interface for the gateway.
type Store interface {
	// RecordPing increments the total and per-version open counters.
	RecordPing(ctx context.Context, version string) error
	// GetStats returns the aggregated counters.
	GetStats(ctx context.Context) (*Stats, error)

	// SetBroadcast replaces the active broadcast.
	SetBroadcast(ctx context.Context, typ BroadcastType, content string) (*Broadcast, error)
	// ActiveBroadcast returns the active broadcast, or nil when none is set.
	ActiveBroadcast(ctx context.Context) (*Broadcast, error)
	// ClearBroadcast removes the active broadcast.
	ClearBroadcast(ctx context.Context) error

	// RecordAgentSeen upserts the sighting record for an agent.
	RecordAgentSeen(ctx context.Context, agentID, displayName string) error
	// AgentsSeen lists sightings, most recent first.
	AgentsSeen(ctx context.Context) ([]Sighting, error)

	// Close releases the underlying database.
	Close() error
}
