package bot

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdApprove = "approve"
	cmdSend    = "send"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, issueStr, ok := strings.Cut(data, ":")
	if !ok {
		return
	}
	if _, err := strconv.Atoi(issueStr); err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"issue", issueStr,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdApprove:
		b.handleApprove(ctx, chatID, issueStr, actorName(cb.From))
	case cmdSend:
		b.handleSend(ctx, chatID, issueStr, actorName(cb.From))
	}
}
