// ABOUTME: Short-lived presence records for agents, refreshed from two signals.
// ABOUTME: Reconciles health pings and live connections into one tri-state status.

package presence

import (
	"sort"
	"sync"
	"time"
)

// Status is the best-known reachability of an agent.
type Status int

const (
	// Offline means no record and no connection.
	Offline Status = iota
	// Limited means a health signal was seen recently but no control channel is open.
	Limited
	// Full means an open connection exists. Connection presence always wins.
	Full
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case Full:
		return "full"
	case Limited:
		return "limited"
	default:
		return "offline"
	}
}

// Record is a liveness record for one agent.
type Record struct {
	AgentID     string
	DisplayName string
	LastSeen    time.Time
	ExpiresAt   time.Time
}

// ConnChecker reports whether a live control connection is open for an agent.
// Implemented by the agent registry.
type ConnChecker interface {
	IsConnected(agentID string) bool
}

// Store holds presence records with TTL expiry. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	conns   ConnChecker
	done    chan struct{}
	closed  bool
}

// New creates a presence store. A background goroutine drops expired records.
func New(conns ConnChecker) *Store {
	s := &Store{
		records: make(map[string]Record),
		conns:   conns,
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Touch creates or refreshes the record for an agent. A fresher display name
// replaces the stored one outright; names are never merged.
func (s *Store) Touch(agentID, displayName string, ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[agentID] = Record{
		AgentID:     agentID,
		DisplayName: displayName,
		LastSeen:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

// Status reports the reachability of one agent. An open connection means Full
// regardless of record staleness; a live record without a connection means
// Limited; neither means Offline.
func (s *Store) Status(agentID string) Status {
	if s.conns != nil && s.conns.IsConnected(agentID) {
		return Full
	}
	s.mu.RLock()
	rec, ok := s.records[agentID]
	s.mu.RUnlock()
	if ok && time.Now().Before(rec.ExpiresAt) {
		return Limited
	}
	return Offline
}

// Name returns the last known display name for an agent, if any.
func (s *Store) Name(agentID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	return rec.DisplayName, ok
}

// List returns all unexpired records ordered by agent id.
func (s *Store) List() []Record {
	now := time.Now()
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if now.Before(rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Remove drops the record for an agent immediately.
func (s *Store) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, agentID)
}

// cleanup periodically removes expired records.
func (s *Store) cleanup() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, rec := range s.records {
				if now.After(rec.ExpiresAt) {
					delete(s.records, id)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
