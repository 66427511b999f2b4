// ABOUTME: Telegram Bot API transport for the chat control surface.
// ABOUTME: Implements surface.Sender and serves the secret-path webhook.

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hillelkingqt/deskgate/internal/dirview"
	"github.com/hillelkingqt/deskgate/internal/surface"
)

// Handler consumes operator interactions delivered by the webhook.
// Implemented by the chat surface.
type Handler interface {
	HandleMessage(ctx context.Context, up surface.Update) error
	HandleCallback(ctx context.Context, up surface.Update) error
}

// Client talks to the Telegram Bot API for one admin chat.
type Client struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	handler Handler
	logger  *slog.Logger
}

// New connects to the Bot API and verifies the token.
func New(botToken string, adminChatID int64, logger *slog.Logger) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Client{bot: bot, chatID: adminChatID, logger: logger}, nil
}

// SetHandler wires in the interaction consumer. Must be called before the
// webhook receives traffic.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// RegisterWebhook points Telegram at the public webhook URL.
func (c *Client) RegisterWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("building webhook config: %w", err)
	}
	if _, err := c.bot.Request(wh); err != nil {
		return fmt.Errorf("registering webhook: %w", err)
	}
	c.logger.Info("telegram webhook registered", "url", url)
	return nil
}

// SendScreen sends a new message to the admin chat.
func (c *Client) SendScreen(ctx context.Context, s surface.Screen) error {
	msg := tgbotapi.NewMessage(c.chatID, s.Text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if len(s.Keyboard) > 0 {
		msg.ReplyMarkup = toMarkup(s.Keyboard)
	}
	_, err := c.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// EditScreen rewrites an existing message in place.
func (c *Client) EditScreen(ctx context.Context, messageID int, s surface.Screen) error {
	var err error
	if len(s.Keyboard) > 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(c.chatID, messageID, s.Text, toMarkup(s.Keyboard))
		edit.ParseMode = tgbotapi.ModeMarkdown
		_, err = c.bot.Send(edit)
	} else {
		edit := tgbotapi.NewEditMessageText(c.chatID, messageID, s.Text)
		edit.ParseMode = tgbotapi.ModeMarkdown
		_, err = c.bot.Send(edit)
	}
	if err != nil {
		return fmt.Errorf("editing message %d: %w", messageID, err)
	}
	return nil
}

// SendDocument delivers file bytes as an attachment.
func (c *Client) SendDocument(ctx context.Context, filename string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(c.chatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption
	doc.ParseMode = tgbotapi.ModeMarkdown
	if _, err := c.bot.Send(doc); err != nil {
		return fmt.Errorf("sending document %s: %w", filename, err)
	}
	return nil
}

// WebhookHandler returns the HTTP handler mounted on the secret path.
// Updates from anyone but the admin chat are acknowledged and dropped.
func (c *Client) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var update tgbotapi.Update
		if err := json.Unmarshal(body, &update); err != nil {
			c.logger.Warn("malformed webhook update", "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Telegram redelivers updates whose webhook call does not return
		// promptly, so acknowledge first and handle in the background. A
		// dispatch can span a full file transfer; it must not hold the
		// request open, and it outlives the request context.
		w.WriteHeader(http.StatusOK)
		go c.dispatch(context.Background(), update)
	}
}

func (c *Client) dispatch(ctx context.Context, update tgbotapi.Update) {
	if c.handler == nil {
		return
	}

	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message == nil || cb.Message.Chat.ID != c.chatID {
			c.logger.Warn("callback from unauthorized chat", "data_len", len(cb.Data))
			return
		}
		if _, err := c.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			c.logger.Debug("acking callback failed", "error", err)
		}
		up := surface.Update{MessageID: cb.Message.MessageID, Callback: cb.Data}
		if err := c.handler.HandleCallback(ctx, up); err != nil {
			c.logger.Error("callback handling failed", "error", err)
		}

	case update.Message != nil:
		msg := update.Message
		if msg.Chat.ID != c.chatID {
			c.logger.Warn("message from unauthorized chat", "chat_id", msg.Chat.ID)
			return
		}
		up := surface.Update{MessageID: msg.MessageID, Text: msg.Text}
		if err := c.handler.HandleMessage(ctx, up); err != nil {
			c.logger.Error("message handling failed", "error", err)
		}
	}
}

// toMarkup converts surface keyboard rows to Telegram inline keyboard rows.
func toMarkup(rows [][]dirview.Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Callback))
		}
		out = append(out, btns)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: out}
}
