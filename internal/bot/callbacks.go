package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdStatus    = "status"
	cmdUpdateNow = "update_now"
	cmdFallback  = "fallback"
	cmdFiles     = "files"

	cbDelete = "delete"
	cbNoop   = "noop"

	// Telegram rejects callback data longer than this many bytes.
	maxCallbackData = 64
)

func callbackData(action, arg string) string {
	return action + ":" + arg
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, arg, _ := strings.Cut(cb.Data, ":")

	b.log.Info("callback",
		"action", action,
		"arg", arg,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdUpdateNow:
		b.handleUpdateNow(ctx, chatID)
	case cmdFallback:
		b.handleFallback(ctx, chatID)
	case cmdFiles:
		b.handleFiles(chatID)
	case cbDelete:
		b.replyResponse(chatID, b.admin.DeleteFile(arg))
	}
}
