// Package telegram delivers user and admin notifications through the bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrRecipientUnavailable means the chat is gone or blocked the bot; retrying
// will not help.
var ErrRecipientUnavailable = errors.New("telegram: recipient unavailable")

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Button is an inline keyboard button that sends CallbackData back to the bot.
type Button struct {
	Text         string
	CallbackData string
}

type Notifier struct {
	api         Sender
	adminChatID int64
	log         *slog.Logger
}

// NewNotifier returns a notifier. A nil api yields a notifier that only logs,
// for deployments without a bot token.
func NewNotifier(api Sender, adminChatID int64, log *slog.Logger) *Notifier {
	return &Notifier{api: api, adminChatID: adminChatID, log: log.With("component", "telegram")}
}

// NotifyUser sends an HTML message to chatID with optional buttons, one per row.
func (n *Notifier) NotifyUser(ctx context.Context, chatID int64, text string, buttons ...Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.api == nil {
		n.log.Debug("notification skipped, bot not configured", "chat_id", chatID)
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}

	if _, err := n.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == 403 || apiErr.Code == 400) {
			n.log.Warn("recipient unavailable", "chat_id", chatID, "err", err)
			return fmt.Errorf("%w: %v", ErrRecipientUnavailable, err)
		}
		n.log.Error("send notification", "chat_id", chatID, "err", err)
		return fmt.Errorf("send notification to %d: %w", chatID, err)
	}
	return nil
}

// NotifyAdmin sends text to the admin chat, if one is configured.
func (n *Notifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminChatID == 0 {
		return nil
	}
	return n.NotifyUser(ctx, n.adminChatID, text)
}
