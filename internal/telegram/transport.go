// Package telegram is the chat-platform layer: a notify.Transport backed
// by the Bot API plus the command, callback, and free-text handlers. Only
// the single configured user is ever answered.
package telegram

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"conductor/internal/notify"
)

// Transport adapts the Bot API to the notifier's surface.
type Transport struct {
	bot    *bot.Bot
	chatID int64
}

func NewTransport(b *bot.Bot, chatID int64) *Transport {
	return &Transport{bot: b, chatID: chatID}
}

func (t *Transport) SendMessage(ctx context.Context, text string, silent bool, buttons [][]notify.Button) (int64, error) {
	params := &bot.SendMessageParams{
		ChatID:              t.chatID,
		Text:                text,
		DisableNotification: silent,
	}
	if kb := keyboard(buttons); kb != nil {
		params.ReplyMarkup = kb
	}
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, classifySendErr(err)
	}
	return int64(msg.ID), nil
}

// Ping is the liveness probe: the cheapest authenticated API call there is.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.bot.GetMe(ctx)
	return err
}

// classifySendErr surfaces Telegram 429s with their retry-after delay so
// the notifier's backoff honors the server's pacing.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		return &backoff.RetryAfterError{Duration: time.Duration(tooMany.RetryAfter) * time.Second}
	}
	return err
}

func keyboard(buttons [][]notify.Button) *models.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		btns := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, models.InlineKeyboardButton{Text: b.Label, CallbackData: b.Data})
		}
		rows = append(rows, btns)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
