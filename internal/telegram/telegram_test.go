// ABOUTME: Tests for the webhook handler: prompt acknowledgement, chat
// ABOUTME: authorization and malformed update handling.

package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillelkingqt/deskgate/internal/surface"
)

const testChatID = 42

// slowHandler hands each update to the test and then blocks until released,
// standing in for a dispatch that spans a long agent round-trip.
type slowHandler struct {
	got     chan surface.Update
	release chan struct{}
}

func (h *slowHandler) HandleMessage(ctx context.Context, up surface.Update) error {
	h.got <- up
	<-h.release
	return nil
}

func (h *slowHandler) HandleCallback(ctx context.Context, up surface.Update) error {
	h.got <- up
	return nil
}

func newTestClient(h Handler) *Client {
	c := &Client{chatID: testChatID, logger: slog.New(slog.DiscardHandler)}
	c.SetHandler(h)
	return c
}

func postUpdate(c *Client, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/telegram/secret", strings.NewReader(body))
	c.WebhookHandler()(rec, req)
	return rec
}

func TestWebhookAcksBeforeDispatchCompletes(t *testing.T) {
	h := &slowHandler{got: make(chan surface.Update), release: make(chan struct{})}
	c := newTestClient(h)

	// The handler has not even started consuming the update when the 200
	// comes back; a slow dispatch never holds the webhook call open.
	rec := postUpdate(c, `{"message":{"message_id":7,"chat":{"id":42},"text":"hello"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case up := <-h.got:
		assert.Equal(t, "hello", up.Text)
		assert.Equal(t, 7, up.MessageID)
	case <-time.After(time.Second):
		t.Fatal("update was never dispatched")
	}
	close(h.release)
}

func TestWebhookDropsOtherChats(t *testing.T) {
	h := &slowHandler{got: make(chan surface.Update, 1), release: make(chan struct{})}
	close(h.release)
	c := newTestClient(h)

	rec := postUpdate(c, `{"message":{"message_id":1,"chat":{"id":99},"text":"intruder"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case up := <-h.got:
		t.Fatalf("update from an unauthorized chat was dispatched: %+v", up)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	c := newTestClient(&slowHandler{got: make(chan surface.Update, 1), release: make(chan struct{})})

	rec := postUpdate(c, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
