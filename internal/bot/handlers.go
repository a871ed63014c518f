package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nri_digest/internal/delivery"
	"nri_digest/internal/model"
	"nri_digest/internal/storage"
)

// actionable lists the statuses /pending reports, in review order.
var actionable = []model.NewsletterStatus{
	model.NewsletterPendingReview,
	model.NewsletterError,
	model.NewsletterApproved,
	model.NewsletterScheduled,
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `NRI Wealth Weekly admin bot

Newsletters:
/pending — issues waiting for review, approval or a retry
/approve <issue> — approve an issue (or re-arm one that failed or was interrupted)
/send <issue> — send an approved issue now
/stats <issue> — delivery and engagement counters

Sources:
/sources — list content sources and their fetch health
/pause <source_id> — stop collecting from a source
/resume <source_id> — collect from a source again`)
}

func (b *Bot) handlePending(ctx context.Context, chatID int64) {
	var out []model.Newsletter
	for _, status := range actionable {
		ns, err := b.store.ListNewsletters(ctx, status)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		out = append(out, ns...)
	}
	b.reply(chatID, FormatNewsletterList(out))
}

func (b *Bot) handleApprove(ctx context.Context, chatID int64, args, actor string) {
	issue, err := ParseIssueArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /approve <issue>")
		return
	}

	n, err := delivery.Approve(ctx, b.store, issue, actor)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("Issue #%d not found.", issue))
		return
	case errors.Is(err, model.ErrInvalidTransition):
		b.reply(chatID, fmt.Sprintf("Issue #%d cannot be approved in its current status.", issue))
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Issue #%d \"%s\" approved.", n.IssueNumber, n.Title))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Send now", fmt.Sprintf("%s:%d", cmdSend, n.IssueNumber)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send approval confirmation", "error", err)
	}
}

func (b *Bot) handleSend(ctx context.Context, chatID int64, args, actor string) {
	issue, err := ParseIssueArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /send <issue>")
		return
	}

	n, err := b.store.GetNewsletterByIssue(ctx, issue)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Issue #%d not found.", issue))
		return
	}

	b.reply(chatID, fmt.Sprintf("Sending issue #%d...", issue))
	sum, err := b.sender.Send(ctx, n.ID, actor)
	if errors.Is(err, delivery.ErrInvalidStatus) {
		b.reply(chatID, fmt.Sprintf("Issue #%d is %s; approve it first.", issue, n.Status))
		return
	}
	if err != nil {
		b.reply(chatID, FormatSendError(issue, err))
		return
	}
	b.reply(chatID, FormatSendSummary(sum))
}

func (b *Bot) handleStats(ctx context.Context, chatID int64, args string) {
	issue, err := ParseIssueArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /stats <issue>")
		return
	}

	n, err := b.store.GetNewsletterByIssue(ctx, issue)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Issue #%d not found.", issue))
		return
	}
	b.reply(chatID, FormatStats(n))
}

func (b *Bot) handleSources(ctx context.Context, chatID int64) {
	sources, err := b.store.ListSources(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSourceList(sources))
}

func (b *Bot) handleSetActive(ctx context.Context, chatID int64, args string, active bool) {
	verb, usage := "paused", "Usage: /pause <source_id>"
	if active {
		verb, usage = "resumed", "Usage: /resume <source_id>"
	}

	id, err := ParseSourceArg(args)
	if err != nil {
		b.reply(chatID, usage)
		return
	}

	if err := b.store.SetSourceActive(ctx, id, active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Source %q not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source %q %s.", id, verb))
}
