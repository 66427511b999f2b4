// ABOUTME: Caches directory snapshots per (agent, path) and renders sorted,
// ABOUTME: paginated, filtered pages with token-backed navigation affordances.

package dirview

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/hillelkingqt/deskgate/internal/protocol"
	"github.com/hillelkingqt/deskgate/internal/token"
)

// ErrSessionExpired indicates the snapshot for a view is gone. The caller
// shows a "start over" screen; this is a user condition, not a fault.
var ErrSessionExpired = errors.New("browsing session expired")

// SortKey names a column plus direction for rendering.
type SortKey string

// Recognized sort keys.
const (
	SortNameAsc     SortKey = "name_asc"
	SortNameDesc    SortKey = "name_desc"
	SortCreatedAsc  SortKey = "created_asc"
	SortCreatedDesc SortKey = "created_desc"
	SortSizeAsc     SortKey = "size_asc"
	SortSizeDesc    SortKey = "size_desc"
)

// DefaultSort is the ordering applied to a freshly listed directory.
const DefaultSort = SortNameAsc

// Column returns the column part of the key ("name", "created", "size").
func (k SortKey) Column() string {
	s := string(k)
	if i := strings.LastIndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

// Ascending reports the direction of the key.
func (k SortKey) Ascending() bool {
	return strings.HasSuffix(string(k), "_asc")
}

// Toggle returns the key produced by clicking a column header: the active
// column flips direction, any other column resets to ascending.
func (k SortKey) Toggle(column string) SortKey {
	if k.Column() == column {
		if k.Ascending() {
			return SortKey(column + "_desc")
		}
		return SortKey(column + "_asc")
	}
	return SortKey(column + "_asc")
}

// normalize falls back to the default ordering for unknown keys, which can
// only come from a stale or hand-built token.
func (k SortKey) normalize() SortKey {
	switch k {
	case SortNameAsc, SortNameDesc, SortCreatedAsc, SortCreatedDesc, SortSizeAsc, SortSizeDesc:
		return k
	default:
		return DefaultSort
	}
}

// Button is one clickable affordance on a rendered page. Callback is either
// a static action name or a minted view token.
type Button struct {
	Label    string
	Callback string
}

// Page is a rendered directory view.
type Page struct {
	AgentID    string
	Path       string
	Sort       SortKey
	HideDirs   bool
	PageNum    int
	TotalPages int
	Total      int              // item count after filtering
	Entries    []protocol.Entry // the visible window
	Keyboard   [][]Button
}

type snapshot struct {
	entries   []protocol.Entry
	expiresAt time.Time
}

// Engine owns the snapshot cache and the rendering pipeline. Safe for
// concurrent use; rendering never mutates a snapshot.
type Engine struct {
	tokens   *token.Cache
	pageSize int
	ttl      time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]snapshot

	collMu sync.Mutex
	coll   *collate.Collator

	done   chan struct{}
	closed bool
}

// New creates a view engine rendering pageSize entries per page, holding
// snapshots for ttl.
func New(tokens *token.Cache, pageSize int, ttl time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		tokens:    tokens,
		pageSize:  pageSize,
		ttl:       ttl,
		logger:    logger,
		snapshots: make(map[string]snapshot),
		coll:      collate.New(language.Und, collate.Loose),
		done:      make(chan struct{}),
	}
	go e.cleanup()
	return e
}

func snapKey(agentID, path string) string {
	return agentID + "\x00" + path
}

// Ingest replaces the snapshot for (agent, path) wholesale and arms a fresh
// TTL. Entries keep their arrival order; that order is the sort tiebreaker.
func (e *Engine) Ingest(agentID, path string, entries []protocol.Entry) {
	snap := snapshot{
		entries:   append([]protocol.Entry(nil), entries...),
		expiresAt: time.Now().Add(e.ttl),
	}
	e.mu.Lock()
	e.snapshots[snapKey(agentID, path)] = snap
	e.mu.Unlock()

	e.logger.Debug("snapshot ingested", "agent_id", agentID, "path", path, "entries", len(entries))
}

// Render produces one deterministic page from the cached snapshot, or
// ErrSessionExpired when no live snapshot exists for (agent, path).
func (e *Engine) Render(agentID, path string, sortKey SortKey, page int, hideDirs bool) (*Page, error) {
	e.mu.RLock()
	snap, ok := e.snapshots[snapKey(agentID, path)]
	e.mu.RUnlock()
	if !ok || time.Now().After(snap.expiresAt) {
		return nil, ErrSessionExpired
	}

	sortKey = sortKey.normalize()

	// Filter first, then order. Dropping directories removes the
	// directories-first partition entirely.
	items := make([]protocol.Entry, 0, len(snap.entries))
	for _, en := range snap.entries {
		if hideDirs && en.IsDir {
			continue
		}
		items = append(items, en)
	}
	e.order(items, sortKey, !hideDirs)

	totalPages := (len(items) + e.pageSize - 1) / e.pageSize
	if totalPages < 1 {
		totalPages = 1
	}
	// A page beyond the end (a filter may have shrunk the set since the
	// token was minted) clamps back to the first page.
	if page < 1 || page > totalPages {
		page = 1
	}

	start := (page - 1) * e.pageSize
	end := start + e.pageSize
	if end > len(items) {
		end = len(items)
	}

	p := &Page{
		AgentID:    agentID,
		Path:       path,
		Sort:       sortKey,
		HideDirs:   hideDirs,
		PageNum:    page,
		TotalPages: totalPages,
		Total:      len(items),
		Entries:    items[start:end],
	}
	if err := e.buildKeyboard(p); err != nil {
		return nil, err
	}
	return p, nil
}

// order sorts entries in place: directories partitioned ahead of files when
// shown, the requested key within each partition, snapshot order for ties.
func (e *Engine) order(items []protocol.Entry, key SortKey, partitionDirs bool) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if partitionDirs && a.IsDir != b.IsDir {
			return a.IsDir
		}

		var cmp int
		switch key.Column() {
		case "created":
			switch {
			case a.CreatedAt.Before(b.CreatedAt):
				cmp = -1
			case a.CreatedAt.After(b.CreatedAt):
				cmp = 1
			}
		case "size":
			switch {
			case a.Size < b.Size:
				cmp = -1
			case a.Size > b.Size:
				cmp = 1
			}
		default:
			cmp = e.compareNames(a.Name, b.Name)
		}

		if cmp == 0 {
			return false // stable sort keeps snapshot order
		}
		if key.Ascending() {
			return cmp < 0
		}
		return cmp > 0
	})
}

// compareNames is a locale-aware string comparison. The collator is not safe
// for concurrent use, hence the lock.
func (e *Engine) compareNames(a, b string) int {
	e.collMu.Lock()
	defer e.collMu.Unlock()
	return e.coll.CompareString(a, b)
}

// buildKeyboard attaches the navigation affordances: up-one-level, sort
// toggles, the directory filter toggle, one button per visible entry, and
// bounded prev/next. Every callback goes through the token cache.
func (e *Engine) buildKeyboard(p *Page) error {
	var rows [][]Button

	if parent, ok := parentPath(p.Path); ok {
		tok, err := e.tokens.Create(token.Action{
			Kind:    token.KindOpenDir,
			AgentID: p.AgentID,
			Path:    parent,
		})
		if err != nil {
			return err
		}
		rows = append(rows, []Button{{Label: "⬆️ Up", Callback: tok}})
	}

	sortRow, err := e.sortRow(p)
	if err != nil {
		return err
	}
	rows = append(rows, sortRow)

	dirLabel := "🙈 Hide folders"
	if p.HideDirs {
		dirLabel = "👁 Show folders"
	}
	dirTok, err := e.renderToken(p, p.Sort, 1, !p.HideDirs)
	if err != nil {
		return err
	}
	rows = append(rows, []Button{{Label: dirLabel, Callback: dirTok}})

	for _, en := range p.Entries {
		kind := token.KindFetchFile
		icon := "📄"
		if en.IsDir {
			kind = token.KindOpenDir
			icon = "📁"
		}
		tok, err := e.tokens.Create(token.Action{
			Kind:    kind,
			AgentID: p.AgentID,
			Path:    en.Path,
		})
		if err != nil {
			return err
		}
		rows = append(rows, []Button{{Label: fmt.Sprintf("%s %s", icon, en.Name), Callback: tok}})
	}

	var nav []Button
	if p.PageNum > 1 {
		tok, err := e.renderToken(p, p.Sort, p.PageNum-1, p.HideDirs)
		if err != nil {
			return err
		}
		nav = append(nav, Button{Label: "‹ Prev", Callback: tok})
	}
	if p.PageNum < p.TotalPages {
		tok, err := e.renderToken(p, p.Sort, p.PageNum+1, p.HideDirs)
		if err != nil {
			return err
		}
		nav = append(nav, Button{Label: "Next ›", Callback: tok})
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}

	p.Keyboard = rows
	return nil
}

// sortRow builds the three column-toggle buttons, marking the active column
// with its direction.
func (e *Engine) sortRow(p *Page) ([]Button, error) {
	columns := []struct{ id, label string }{
		{"name", "Name"},
		{"created", "Created"},
		{"size", "Size"},
	}

	row := make([]Button, 0, len(columns))
	for _, col := range columns {
		label := col.label
		if p.Sort.Column() == col.id {
			if p.Sort.Ascending() {
				label += " ↑"
			} else {
				label += " ↓"
			}
		}
		tok, err := e.renderToken(p, p.Sort.Toggle(col.id), 1, p.HideDirs)
		if err != nil {
			return nil, err
		}
		row = append(row, Button{Label: label, Callback: tok})
	}
	return row, nil
}

// renderToken mints a token that re-renders this view with new parameters,
// without any agent round-trip.
func (e *Engine) renderToken(p *Page, sortKey SortKey, page int, hideDirs bool) (string, error) {
	return e.tokens.Create(token.Action{
		Kind:     token.KindRender,
		AgentID:  p.AgentID,
		Path:     p.Path,
		Sort:     string(sortKey),
		Page:     page,
		HideDirs: hideDirs,
	})
}

// parentPath returns the directory one level up, handling both Windows
// (`C:\Users`) and POSIX (`/home`) style paths. ok is false at a root.
func parentPath(path string) (string, bool) {
	if path == "" || path == "/" {
		return "", false
	}
	// Windows drive roots look like `C:\`.
	if len(path) == 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/') {
		return "", false
	}

	trimmed := strings.TrimRight(path, "/\\")
	idx := strings.LastIndexAny(trimmed, "/\\")
	if idx < 0 {
		return "", false
	}
	parent := trimmed[:idx]
	switch {
	case parent == "":
		return "/", true
	case len(parent) == 2 && parent[1] == ':':
		return parent + `\`, true
	}
	return parent, true
}

// cleanup periodically removes expired snapshots.
func (e *Engine) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			e.mu.Lock()
			for key, snap := range e.snapshots {
				if now.After(snap.expiresAt) {
					delete(e.snapshots, key)
				}
			}
			e.mu.Unlock()
		case <-e.done:
			return
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		close(e.done)
		e.closed = true
	}
}
