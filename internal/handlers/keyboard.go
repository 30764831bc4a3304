package handlers

import (
	"fmt"

	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback data prefixes
const (
	cbPage   = "page"
	cbMenu   = "menu"
	cbSwitch = "switch"
	cbClear  = "clear"
	cbNoop   = "noop"

	clearCancel = "cancel"
)

func (h *CommandHandler) createMainMenuKeyboard(lang string) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnPrivate, nil), cbPage+":"+string(models.PageMain)),
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnGroup, nil), cbPage+":"+string(models.PageGroup)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnBots, nil), cbMenu+":bots"),
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnTopics, nil), cbMenu+":topics"),
		),
	)
	return &kb
}

// createTopicsKeyboard offers one button per version; the current one is marked and inert
func (h *CommandHandler) createTopicsKeyboard(mode models.Mode, versions []models.VersionInfo) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(versions))
	for _, v := range versions {
		label := fmt.Sprintf("%d. %s (%d)", v.Index+1, v.Name, v.MessageCount)
		data := fmt.Sprintf("%s:%s:%d", cbSwitch, mode, v.Index)
		if v.Current {
			label = "✅ " + label
			data = cbNoop
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data)))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func (h *CommandHandler) createClearKeyboard(lang string, mode models.Mode) *tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnConfirm, nil), cbClear+":"+string(mode)),
			tgbotapi.NewInlineKeyboardButtonData(h.localizer.Get(lang, i18n.BtnCancel, nil), cbClear+":"+clearCancel),
		),
	)
	return &kb
}
