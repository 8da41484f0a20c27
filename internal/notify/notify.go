// Package notify sends operator notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrNotConfigured is returned when a Telegram notifier is built without
// a token or chat id.
var ErrNotConfigured = errors.New("notify: telegram token or chat id not set")

// Notifier delivers a plain-text message to operators.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards every message.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string) error { return nil }

// Telegram sends messages to one admin chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram connects to the Bot API and verifies the token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, chatID, &http.Client{Timeout: 15 * time.Second})
}

// NewTelegramWithEndpoint is NewTelegram against a custom API endpoint of
// the form "https://host/bot%s/%s".
func NewTelegramWithEndpoint(token, endpoint string, chatID int64, client *http.Client) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, ErrNotConfigured
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends text to the admin chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
