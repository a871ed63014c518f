// Package bot is the Telegram admin bot: review notifications and pipeline commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nri_digest/internal/config"
	"nri_digest/internal/delivery"
	"nri_digest/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sender delivers an approved newsletter.
type Sender interface {
	Send(ctx context.Context, newsletterID, actor string) (delivery.Summary, error)
}

// Bot handles admin commands and posts pipeline notifications to the admin chat.
type Bot struct {
	api    telegramAPI
	store  storage.Storage
	sender Sender
	cfg    *config.Config
	log    *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, sender and config.
func New(token string, store storage.Storage, sender Sender, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:    api,
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID
	actor := actorName(msg.From)

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start", "help":
		b.handleHelp(chatID)
	case "pending":
		b.handlePending(ctx, chatID)
	case cmdApprove:
		b.handleApprove(ctx, chatID, args, actor)
	case cmdSend:
		b.handleSend(ctx, chatID, args, actor)
	case "stats":
		b.handleStats(ctx, chatID, args)
	case "sources":
		b.handleSources(ctx, chatID)
	case "pause":
		b.handleSetActive(ctx, chatID, args, false)
	case "resume":
		b.handleSetActive(ctx, chatID, args, true)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func actorName(u *tgbotapi.User) string {
	if u == nil {
		return "telegram"
	}
	if u.UserName != "" {
		return "telegram:" + u.UserName
	}
	return fmt.Sprintf("telegram:%d", u.ID)
}
