package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nri_digest/internal/delivery"
	"nri_digest/internal/model"
)

// NotifyPendingReview asks the admin chat to review a freshly compiled issue.
func (b *Bot) NotifyPendingReview(n *model.Newsletter) {
	if b.cfg.TelegramAdminChat == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.cfg.TelegramAdminChat, FormatPendingReview(n))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("%s:%d", cmdApprove, n.IssueNumber)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send review notification", "issue", n.IssueNumber, "error", err)
	}
}

// NotifySent reports a finished send to the admin chat.
func (b *Bot) NotifySent(sum delivery.Summary) {
	if b.cfg.TelegramAdminChat != 0 {
		b.SendMessage(b.cfg.TelegramAdminChat, FormatSendSummary(sum))
	}
}

// NotifySendFailed reports a send that stopped with an error.
func (b *Bot) NotifySendFailed(issue int, err error) {
	if b.cfg.TelegramAdminChat != 0 {
		b.SendMessage(b.cfg.TelegramAdminChat, FormatSendError(issue, err))
	}
}
