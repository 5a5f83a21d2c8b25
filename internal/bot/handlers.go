package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"ferrysync/internal/admin"
	"ferrysync/internal/gtfs"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to the ferry timetable admin bot!

The bot checks the update mailbox on schedule and loads new timetable files.

Quick start:
1. /status — scheduler state and loaded rows
2. /update_now — check the mailbox now
3. Send a .json file — load it directly

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Scheduler:
/status — state, next update and row counts
/schedule_on — start scheduled updates
/schedule_off — stop scheduled updates
/next — next scheduled update
/update_now — check the mailbox now
/fallback — reload the newest valid stored file
/testmail — test the mailbox connection

Configuration:
/config — show the update configuration
/set <key> <value> — change a setting
  keys: time, days, subject, sender, days_back, directory, historical

Files:
/files — stored update files
/fileinfo <name> — routes, vessels and ports in a file
/delete <name> — delete a stored file
/download <url> — download and load a feed
Send a .json document to upload and load it.

Historical data:
/historical <origin> - <destination> — past operating dates`)
}

func (b *Bot) replyResponse(chatID int64, r admin.Response) {
	b.reply(chatID, FormatResponse(r, b.loc))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	st, err := b.admin.Status(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatStatus(st, b.loc))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Update now", cmdUpdateNow),
			tgbotapi.NewInlineKeyboardButtonData("Fallback", cmdFallback),
			tgbotapi.NewInlineKeyboardButtonData("Files", cmdFiles),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send status", "error", err)
	}
}

func (b *Bot) handleUpdateNow(ctx context.Context, chatID int64) {
	b.reply(chatID, "Checking the mailbox...")
	b.replyResponse(chatID, b.admin.RunNow(ctx))
}

func (b *Bot) handleFallback(ctx context.Context, chatID int64) {
	b.replyResponse(chatID, b.admin.Fallback(ctx))
}

func (b *Bot) handleSet(chatID int64, args string) {
	patch, err := ParseSetArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	r := b.admin.UpdateConfig(patch)
	if r.Success {
		r.Message += "\n\n" + FormatConfig(b.admin.Config())
	}
	b.replyResponse(chatID, r)
}

func (b *Bot) handleNext(chatID int64) {
	next, ok := b.admin.NextUpdate()
	if !ok {
		b.reply(chatID, "No update days are configured. Use /set days <list>.")
		return
	}
	b.reply(chatID, "Next update: "+formatTime(next, b.loc))
}

func (b *Bot) handleFiles(chatID int64) {
	files, err := b.admin.ListFiles()
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatFileList(files, b.loc))
}

func (b *Bot) handleFileInfo(chatID int64, args string) {
	name, err := ParseFileArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /fileinfo <name>")
		return
	}
	stats, err := b.admin.FileStats(name)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Cannot read %s: %v", name, err))
		return
	}
	b.reply(chatID, FormatFileStats(stats))
}

func (b *Bot) handleDeleteConfirm(chatID int64, args string) {
	name, err := ParseFileArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /delete <name>")
		return
	}

	data := callbackData(cbDelete, name)
	if len(data) > maxCallbackData {
		b.reply(chatID, "File name is too long to delete from chat.")
		return
	}

	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete %s? This cannot be undone.", name))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, delete", data),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send delete confirmation", "error", err)
	}
}

func (b *Bot) handleHistorical(ctx context.Context, chatID int64, args string) {
	q, err := ParseHistoricalArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	ranges, err := b.admin.Historical(ctx, q)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatHistorical(q, ranges))
}

func (b *Bot) handleDownload(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /download <url>")
		return
	}
	b.replyResponse(chatID, b.admin.Download(ctx, args, true))
}

func (b *Bot) handleDocument(ctx context.Context, chatID int64, doc *tgbotapi.Document) {
	if !gtfs.IsFeedFile(doc.FileName) {
		b.reply(chatID, "Only .json timetable files can be uploaded.")
		return
	}
	if doc.FileSize > maxUploadSize {
		b.reply(chatID, fmt.Sprintf("File is too large, the limit is %d MB.", maxUploadSize>>20))
		return
	}

	data, err := b.fetchDocument(ctx, doc.FileID)
	if err != nil {
		b.log.Error("fetch uploaded document", "file", doc.FileName, "error", err)
		b.reply(chatID, fmt.Sprintf("Failed to receive %s: %v", doc.FileName, err))
		return
	}
	b.replyResponse(chatID, b.admin.SaveUpload(ctx, doc.FileName, data))
}
