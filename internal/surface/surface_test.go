// ABOUTME: Tests for the chat surface: menu navigation, browsing flows,
// ABOUTME: broadcast composition and session-expiry handling.

package surface

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillelkingqt/deskgate/internal/agent"
	"github.com/hillelkingqt/deskgate/internal/dirview"
	"github.com/hillelkingqt/deskgate/internal/presence"
	"github.com/hillelkingqt/deskgate/internal/protocol"
	"github.com/hillelkingqt/deskgate/internal/store"
	"github.com/hillelkingqt/deskgate/internal/token"
)

// recordingSender captures everything the surface sends.
type recordingSender struct {
	mu      sync.Mutex
	sent    []Screen
	edited  []Screen
	docs    []string
	docData [][]byte
}

func (r *recordingSender) SendScreen(ctx context.Context, s Screen) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
	return nil
}

func (r *recordingSender) EditScreen(ctx context.Context, messageID int, s Screen) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edited = append(r.edited, s)
	return nil
}

func (r *recordingSender) SendDocument(ctx context.Context, filename string, data []byte, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, filename)
	r.docData = append(r.docData, data)
	return nil
}

func (r *recordingSender) lastEdit(t *testing.T) Screen {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.edited, "expected at least one edited screen")
	return r.edited[len(r.edited)-1]
}

// echoSocket answers every command from a canned table, keyed by command
// type, as a live agent would.
type echoSocket struct {
	correlator *agent.Correlator
	agentID    string
	answers    map[protocol.CommandType]protocol.Result
}

func (s *echoSocket) Write(ctx context.Context, data []byte) error {
	var cmd protocol.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	res, ok := s.answers[cmd.Type]
	if !ok {
		return nil
	}
	go s.correlator.HandleResult(s.agentID, res)
	return nil
}

func (s *echoSocket) Ping(ctx context.Context) error { return nil }
func (s *echoSocket) Close(reason string) error      { return nil }

type fixture struct {
	surface  *Surface
	sender   *recordingSender
	tokens   *token.Cache
	views    *dirview.Engine
	registry *agent.Registry
	presence *presence.Store
	store    *store.SQLiteStore
	sock     *echoSocket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	reg := agent.NewRegistry(logger)
	correlator := agent.NewCorrelator(reg, logger)
	pres := presence.New(reg)
	t.Cleanup(pres.Close)
	tokens := token.New(time.Minute)
	t.Cleanup(tokens.Close)
	views := dirview.New(tokens, 10, time.Minute, logger)
	t.Cleanup(views.Close)

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sender := &recordingSender{}
	surf := New(Options{
		Registry:        reg,
		Correlator:      correlator,
		Presence:        pres,
		Views:           views,
		Tokens:          tokens,
		Store:           s,
		Sender:          sender,
		CommandTimeout:  time.Second,
		DownloadTimeout: time.Second,
		Logger:          logger,
	})

	sock := &echoSocket{correlator: correlator, agentID: "agent-1", answers: map[protocol.CommandType]protocol.Result{}}
	conn := agent.NewConnection("agent-1", "Alice Desktop", sock, logger)
	reg.Register(conn)
	pres.Touch("agent-1", "Alice Desktop", time.Minute)

	return &fixture{
		surface:  surf,
		sender:   sender,
		tokens:   tokens,
		views:    views,
		registry: reg,
		presence: pres,
		store:    s,
		sock:     sock,
	}
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestPlainMessageShowsMainMenu(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.surface.HandleMessage(context.Background(), Update{Text: "hi"}))

	require.Len(t, f.sender.sent, 1)
	screen := f.sender.sent[0]
	assert.Contains(t, screen.Text, "control panel")
	require.Len(t, screen.Keyboard, 3)
	assert.Equal(t, ActManageClients, screen.Keyboard[0][0].Callback)
}

func TestClientListShowsPresence(t *testing.T) {
	f := newFixture(t)
	f.presence.Touch("agent-2", "Bob Laptop", time.Minute) // no connection: limited

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: ActManageClients}))

	screen := f.sender.lastEdit(t)
	var labels, callbacks []string
	for _, row := range screen.Keyboard {
		for _, b := range row {
			labels = append(labels, b.Label)
			callbacks = append(callbacks, b.Callback)
		}
	}
	assert.Contains(t, labels, "🟢 Alice Desktop")
	assert.Contains(t, callbacks, "select_client:agent-1")
	// Limited agents are listed but not selectable.
	found := false
	for i, l := range labels {
		if strings.HasPrefix(l, "🟡 Bob Laptop") {
			found = true
			assert.Equal(t, ActNoop, callbacks[i])
		}
	}
	assert.True(t, found, "limited agent must appear in the list")
}

func TestSelectClientShowsDrives(t *testing.T) {
	f := newFixture(t)
	f.sock.answers[protocol.CmdGetDrives] = protocol.Result{
		Type:    protocol.ResDrives,
		Payload: mustPayload(t, protocol.DriveList{Drives: []string{"C:\\", "D:\\"}}),
	}

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: "select_client:agent-1"}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "Alice Desktop")
	require.GreaterOrEqual(t, len(screen.Keyboard), 3)
	assert.Equal(t, "💽 C:\\", screen.Keyboard[0][0].Label)

	// Drive buttons are minted tokens that open the drive.
	act, ok := f.tokens.Resolve(screen.Keyboard[0][0].Callback)
	require.True(t, ok)
	assert.Equal(t, token.KindOpenDir, act.Kind)
	assert.Equal(t, "C:\\", act.Path)
}

func TestSelectOfflineClient(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: "select_client:ghost"}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "offline")
}

func TestOpenDirRendersListing(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.sock.answers[protocol.CmdListDir] = protocol.Result{
		Type: protocol.ResDir,
		Payload: mustPayload(t, protocol.DirListing{
			Path: "C:\\Users",
			Items: []protocol.Entry{
				{Name: "me", Path: "C:\\Users\\me", IsDir: true, CreatedAt: now},
				{Name: "readme.txt", Path: "C:\\Users\\readme.txt", Size: 12, CreatedAt: now},
			},
		}),
	}

	tok, err := f.tokens.Create(token.Action{Kind: token.KindOpenDir, AgentID: "agent-1", Path: "C:\\Users"})
	require.NoError(t, err)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: tok}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "C:\\Users")
	assert.Contains(t, screen.Text, "page 1/1")

	// The listing was ingested: a render token must now work without
	// another agent round trip.
	page, err := f.views.Render("agent-1", "C:\\Users", dirview.DefaultSort, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestFetchFileSendsDocument(t *testing.T) {
	f := newFixture(t)
	f.sock.answers[protocol.CmdGetFile] = protocol.Result{
		Type:    protocol.ResFile,
		Payload: mustPayload(t, protocol.FileContent{Name: "notes.txt", Data: []byte("contents")}),
	}

	tok, err := f.tokens.Create(token.Action{Kind: token.KindFetchFile, AgentID: "agent-1", Path: "/home/notes.txt"})
	require.NoError(t, err)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: tok}))

	require.Len(t, f.sender.docs, 1)
	assert.Equal(t, "notes.txt", f.sender.docs[0])
	assert.Equal(t, []byte("contents"), f.sender.docData[0])
}

func TestAgentErrorShownToOperator(t *testing.T) {
	f := newFixture(t)
	f.sock.answers[protocol.CmdGetFile] = protocol.Result{
		Type:  protocol.ResFile,
		Error: "EACCES: permission denied",
	}

	tok, err := f.tokens.Create(token.Action{Kind: token.KindFetchFile, AgentID: "agent-1", Path: "/etc/shadow"})
	require.NoError(t, err)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: tok}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "EACCES: permission denied")
	assert.Empty(t, f.sender.docs)
}

func TestUnknownTokenShowsExpiredScreen(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: "bogus-token"}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "expired")
}

func TestExpiredRenderTokenShowsExpiredScreen(t *testing.T) {
	f := newFixture(t)

	// A render token whose snapshot never existed.
	tok, err := f.tokens.Create(token.Action{Kind: token.KindRender, AgentID: "agent-1", Path: "/gone", Sort: "name_asc", Page: 1})
	require.NoError(t, err)

	require.NoError(t, f.surface.HandleCallback(context.Background(), Update{MessageID: 1, Callback: tok}))

	screen := f.sender.lastEdit(t)
	assert.Contains(t, screen.Text, "expired")
}

func TestBroadcastComposeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Tap "send plain text", then send the message body.
	require.NoError(t, f.surface.HandleCallback(ctx, Update{MessageID: 1, Callback: ActComposeText}))
	require.NoError(t, f.surface.HandleMessage(ctx, Update{Text: "maintenance at noon"}))

	b, err := f.store.ActiveBroadcast(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, store.BroadcastText, b.Type)
	assert.Equal(t, "maintenance at noon", b.Content)

	require.NotEmpty(t, f.sender.sent)
	assert.Contains(t, f.sender.sent[len(f.sender.sent)-1].Text, "Success")
}

func TestBroadcastMarkdownRenderedToHTML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.surface.HandleCallback(ctx, Update{MessageID: 1, Callback: ActComposeMarkdown}))
	require.NoError(t, f.surface.HandleMessage(ctx, Update{Text: "# Update\n\nNew *release* out."}))

	b, err := f.store.ActiveBroadcast(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, store.BroadcastHTML, b.Type)
	assert.Contains(t, b.Content, "<h1")
	assert.Contains(t, b.Content, "<em>release</em>")
}

func TestComposeStateClearedAfterUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.surface.HandleCallback(ctx, Update{MessageID: 1, Callback: ActComposeText}))
	require.NoError(t, f.surface.HandleMessage(ctx, Update{Text: "first"}))

	// The next plain message is not a broadcast; it brings up the menu.
	require.NoError(t, f.surface.HandleMessage(ctx, Update{Text: "second"}))

	b, err := f.store.ActiveBroadcast(ctx)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "first", b.Content)
}

func TestDeleteBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.SetBroadcast(ctx, store.BroadcastText, "old news")
	require.NoError(t, err)

	require.NoError(t, f.surface.HandleCallback(ctx, Update{MessageID: 1, Callback: ActDeleteBroadcast}))

	b, err := f.store.ActiveBroadcast(ctx)
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestNotifyLoginFormat(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.surface.NotifyLogin(context.Background(), "a@b.c", "hunter2", "1.2.3.4", false))

	require.Len(t, f.sender.sent, 1)
	text := f.sender.sent[0].Text
	assert.Contains(t, text, "Failed")
	assert.Contains(t, text, "a@b.c")
	assert.Contains(t, text, "1.2.3.4")
}
