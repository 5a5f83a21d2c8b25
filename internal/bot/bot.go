// Package bot is the Telegram admin surface of the pipeline.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ferrysync/internal/admin"
	"ferrysync/internal/config"
	"ferrysync/internal/fetcher"
)

// maxUploadSize matches the Bot API limit for files a bot can download.
const maxUploadSize = 20 << 20

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Bot is the Telegram bot that handles admin commands and sends cycle reports.
type Bot struct {
	api   telegramAPI
	admin *admin.Service
	cfg   *config.Config
	http  fetcher.HTTPClient
	loc   *time.Location
	log   *slog.Logger

	mu    sync.Mutex
	chats []int64
}

// New creates a Bot with the given Telegram token.
func New(token string, svc *admin.Service, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		admin: svc,
		cfg:   cfg,
		http:  &http.Client{Timeout: 60 * time.Second},
		loc:   cfg.Location(),
		log:   log,
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
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || !b.cfg.IsUserAllowed(cb.From.ID) {
			return
		}
		b.handleCallback(ctx, cb)
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.Document == nil && !msg.IsCommand() {
		return
	}
	if !b.cfg.IsUserAllowed(msg.From.ID) {
		b.log.Warn("access denied", "user_id", msg.From.ID, "username", msg.From.UserName)
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.remember(msg.Chat.ID)

	if msg.Document != nil {
		b.handleDocument(ctx, msg.Chat.ID, msg.Document)
		return
	}
	b.handleCommand(ctx, msg)
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

// Broadcast sends text to every allowed user, or to every chat that has used
// the bot when no allow list is configured.
func (b *Bot) Broadcast(text string) {
	targets := b.cfg.AllowedUsers
	if len(targets) == 0 {
		b.mu.Lock()
		targets = slices.Clone(b.chats)
		b.mu.Unlock()
	}
	for _, chatID := range targets {
		b.SendMessage(chatID, text)
	}
}

func (b *Bot) remember(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.chats, chatID) {
		b.chats = append(b.chats, chatID)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdStatus:
		b.handleStatus(ctx, chatID)
	case "schedule_on":
		b.replyResponse(chatID, b.admin.Start())
	case "schedule_off":
		b.replyResponse(chatID, b.admin.Stop())
	case cmdUpdateNow:
		b.handleUpdateNow(ctx, chatID)
	case cmdFallback:
		b.handleFallback(ctx, chatID)
	case "set":
		b.handleSet(chatID, args)
	case "config":
		b.reply(chatID, FormatConfig(b.admin.Config()))
	case "next":
		b.handleNext(chatID)
	case cmdFiles:
		b.handleFiles(chatID)
	case "fileinfo":
		b.handleFileInfo(chatID, args)
	case "delete":
		b.handleDeleteConfirm(chatID, args)
	case "historical":
		b.handleHistorical(ctx, chatID, args)
	case "download":
		b.handleDownload(ctx, chatID, args)
	case "testmail":
		b.replyResponse(chatID, b.admin.TestConnection(ctx))
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

// fetchDocument downloads an uploaded file through the Bot API.
func (b *Bot) fetchDocument(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxUploadSize {
		return nil, fmt.Errorf("file is larger than %d MB", maxUploadSize>>20)
	}
	return data, nil
}
