// ABOUTME: TTL cache mapping short opaque tokens to structured view actions.
// ABOUTME: Exists because inline keyboard callbacks cannot carry the full tuple.

package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Kind identifies what a stored action does when its token is clicked.
type Kind string

// Action kinds minted by the view engine and the chat surface.
const (
	KindOpenDir     Kind = "open_dir"     // descend into a directory (fresh listing)
	KindFetchFile   Kind = "fetch_file"   // retrieve a file from the agent
	KindRender      Kind = "render"       // re-render a cached snapshot page
	KindSelectAgent Kind = "select_agent" // open the drive list for an agent
)

// Action is the structured payload a token stands in for.
type Action struct {
	Kind     Kind
	AgentID  string
	Path     string
	Sort     string
	Page     int
	HideDirs bool
}

type entry struct {
	action    Action
	expiresAt time.Time
}

// Cache stores actions under short collision-resistant tokens with TTL
// expiry. Tokens are not consumed on read; a clicked action may be clicked
// again until it expires. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	done    chan struct{}
	closed  bool
}

// New creates a token cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Create stores the action and returns a fresh token for it.
func (c *Cache) Create(action Action) (string, error) {
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.entries[tok] = entry{action: action, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return tok, nil
}

// Resolve returns the action stored under a token. ok is false for unknown
// or expired tokens; callers treat that as a recoverable "session expired"
// condition, not a failure.
func (c *Cache) Resolve(tok string) (Action, bool) {
	c.mu.RLock()
	e, ok := c.entries[tok]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return Action{}, false
	}
	return e.action, true
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// newToken generates a short URL-safe identifier. 9 random bytes give a
// 12-character token, well under the callback payload limit and with enough
// entropy that collisions within one TTL window are not a concern.
func newToken() (string, error) {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for tok, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, tok)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
