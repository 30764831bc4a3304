package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/ai"
	"github.com/multibot-chat-go/internal/services/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// commandFunc handles one command inside the user's session
type commandFunc func(m *session.Manager, lang, args string) (response, error)

// ModelLister lists the models offered by the configured endpoints
type ModelLister interface {
	AvailableModels() []ai.ModelOption
}

// CommandHandler handles telegram commands
type CommandHandler struct {
	base
	models   ModelLister
	commands map[string]commandFunc
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	bot Sender,
	sessions *session.Service,
	modelLister ModelLister,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
	metrics *middleware.Metrics,
) *CommandHandler {
	h := &CommandHandler{
		base: base{
			bot:       bot,
			sessions:  sessions,
			localizer: localizer,
			logger:    logger,
			metrics:   metrics,
		},
		models: modelLister,
	}

	h.commands = map[string]commandFunc{
		"bots":            h.listBots,
		"addbot":          h.addBot,
		"editbot":         h.editBot,
		"enable":          h.setBotEnabled(true),
		"disable":         h.setBotEnabled(false),
		"removebot":       h.removeBot,
		"reorder":         h.reorderBots,
		"private":         h.setPage(models.PageMain),
		"group":           h.setPage(models.PageGroup),
		"topic":           h.newTopic,
		"topics":          h.listTopics,
		"switch":          h.switchTopic,
		"clear":           h.confirmClear,
		"config":          h.showConfig,
		"forceprompt":     h.setPrompt(false),
		"relayprompt":     h.setPrompt(true),
		"historylen":      h.setLength("historylen", false),
		"grouphistorylen": h.setLength("grouphistorylen", true),
	}
	return h
}

// HandleCommand processes telegram commands
func (h *CommandHandler) HandleCommand(ctx context.Context, message *tgbotapi.Message) error {
	if message == nil || message.From == nil || message.Chat == nil {
		return nil
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	command := message.Command()
	lang := h.localizer.Match(message.From.LanguageCode)
	args := strings.TrimSpace(message.CommandArguments())

	switch command {
	case "start":
		return h.send(chatID, response{
			text:     h.localizer.Get(lang, i18n.MsgWelcome, nil),
			markdown: true,
			keyboard: h.createMainMenuKeyboard(lang),
		})
	case "help":
		return h.send(chatID, response{text: h.localizer.Get(lang, i18n.MsgHelp, nil), markdown: true})
	case "models":
		return h.send(chatID, h.listModels(lang))
	}

	fn, ok := h.commands[command]
	if !ok {
		return h.send(chatID, response{text: h.localizer.Get(lang, i18n.MsgUnknownCommand, nil)})
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"command": command,
	}).Debug("Handling command")

	return h.send(chatID, h.run(ctx, userID, lang, func(m *session.Manager) (response, error) {
		return fn(m, lang, args)
	}))
}

// HandleCallbackQuery processes inline keyboard callbacks
func (h *CommandHandler) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	// Answer callback to remove loading state
	defer func() {
		if _, err := h.bot.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
			h.logger.WithError(err).Debug("Failed to answer callback")
		}
	}()

	if callback.Message == nil || callback.From == nil {
		return nil
	}

	parts := strings.Split(callback.Data, ":")
	userID := callback.From.ID
	chatID := callback.Message.Chat.ID
	messageID := callback.Message.MessageID
	lang := h.localizer.Match(callback.From.LanguageCode)

	var fn func(*session.Manager) (response, error)
	switch {
	case parts[0] == cbPage && len(parts) == 2:
		fn = func(m *session.Manager) (response, error) {
			return h.setPage(models.Page(parts[1]))(m, lang, "")
		}
	case parts[0] == cbMenu && len(parts) == 2 && parts[1] == "bots":
		fn = func(m *session.Manager) (response, error) {
			return h.listBots(m, lang, "")
		}
	case parts[0] == cbMenu && len(parts) == 2 && parts[1] == "topics":
		fn = func(m *session.Manager) (response, error) {
			return h.listTopics(m, lang, "")
		}
	case parts[0] == cbSwitch && len(parts) == 3:
		mode, ok := parseMode(parts[1])
		i, err := strconv.Atoi(parts[2])
		if !ok || err != nil {
			return nil
		}
		fn = func(m *session.Manager) (response, error) {
			return h.switchTo(m, lang, mode, i)
		}
	case parts[0] == cbClear && len(parts) == 2 && parts[1] == clearCancel:
		return h.edit(chatID, messageID, response{text: h.localizer.Get(lang, i18n.MsgCancelled, nil)})
	case parts[0] == cbClear && len(parts) == 2:
		mode, ok := parseMode(parts[1])
		if !ok {
			return nil
		}
		fn = func(m *session.Manager) (response, error) {
			return h.clearHistories(m, lang, mode), nil
		}
	default:
		return nil
	}

	return h.edit(chatID, messageID, h.run(ctx, userID, lang, fn))
}

func parseMode(s string) (models.Mode, bool) {
	switch models.Mode(s) {
	case models.ModePrivate, models.ModeGroup:
		return models.Mode(s), true
	}
	return "", false
}

func (h *CommandHandler) listModels(lang string) response {
	var options []ai.ModelOption
	if h.models != nil {
		options = h.models.AvailableModels()
	}
	if len(options) == 0 {
		return response{text: h.localizer.Get(lang, i18n.MsgModelsEmpty, nil)}
	}

	var sb strings.Builder
	for _, o := range options {
		fmt.Fprintf(&sb, "%s / %s", o.EndpointName, o.ID)
		if o.Name != "" && o.Name != o.ID {
			fmt.Fprintf(&sb, " - %s", o.Name)
		}
		sb.WriteString("\n")
	}
	return response{text: h.localizer.Get(lang, i18n.MsgModelsList, map[string]interface{}{
		"Models": strings.TrimRight(sb.String(), "\n"),
	})}
}

func (h *CommandHandler) setPage(page models.Page) commandFunc {
	return func(m *session.Manager, lang, _ string) (response, error) {
		if err := m.SetLastVisitedPage(page); err != nil {
			return response{}, err
		}
		msgID := i18n.MsgModePrivate
		if page.Mode() == models.ModeGroup {
			msgID = i18n.MsgModeGroup
		}
		return response{text: h.localizer.Get(lang, msgID, nil)}, nil
	}
}

func (h *CommandHandler) newTopic(m *session.Manager, lang, args string) (response, error) {
	i, err := m.CreateNewHistoryVersion(m.LastVisitedPage().Mode(), args)
	if models.IsNoOp(err) {
		return response{text: h.localizer.Get(lang, i18n.MsgTopicNothing, nil)}, nil
	}
	if err != nil {
		return response{}, err
	}
	return response{text: h.localizer.Get(lang, i18n.MsgTopicCreated, map[string]interface{}{"Index": i + 1})}, nil
}

func (h *CommandHandler) listTopics(m *session.Manager, lang, _ string) (response, error) {
	return h.topicsResponse(m, lang, m.LastVisitedPage().Mode()), nil
}

func (h *CommandHandler) topicsResponse(m *session.Manager, lang string, mode models.Mode) response {
	versions := m.HistoryVersions(mode)

	var sb strings.Builder
	for _, v := range versions {
		mark := "  "
		if v.Current {
			mark = "▶"
		}
		fmt.Fprintf(&sb, "%s %d. %s (%d)\n", mark, v.Index+1, v.Name, v.MessageCount)
	}
	return response{
		text:     h.localizer.Get(lang, i18n.MsgTopicsList, map[string]interface{}{"Topics": strings.TrimRight(sb.String(), "\n")}),
		keyboard: h.createTopicsKeyboard(mode, versions),
	}
}

// switchTopic takes the 1-based topic number shown by /topics
func (h *CommandHandler) switchTopic(m *session.Manager, lang, args string) (response, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return response{}, &usageError{usage: usageSwitch}
	}
	mode := m.LastVisitedPage().Mode()
	if count := len(m.HistoryVersions(mode)); n < 1 || n > count {
		return response{}, &models.RangeError{What: "topic", Value: n, Min: 1, Max: count}
	}
	return h.switchTo(m, lang, mode, n-1)
}

func (h *CommandHandler) switchTo(m *session.Manager, lang string, mode models.Mode, i int) (response, error) {
	participants, err := m.SwitchHistoryVersion(mode, i)
	if err != nil {
		return response{}, err
	}
	name := m.HistoryVersions(mode)[i].Name

	h.logger.WithFields(logrus.Fields{
		"user_id":      m.UserID(),
		"mode":         mode,
		"version":      i,
		"participants": len(participants),
	}).Info("Topic switched")

	return response{text: h.localizer.Get(lang, i18n.MsgTopicSwitched, map[string]interface{}{
		"Index": i + 1,
		"Name":  name,
	})}, nil
}

func (h *CommandHandler) confirmClear(m *session.Manager, lang, _ string) (response, error) {
	mode := m.LastVisitedPage().Mode()
	label := h.localizer.Get(lang, i18n.BtnPrivate, nil)
	if mode == models.ModeGroup {
		label = h.localizer.Get(lang, i18n.BtnGroup, nil)
	}
	return response{
		text:     h.localizer.Get(lang, i18n.MsgClearConfirm, map[string]interface{}{"Mode": label}),
		keyboard: h.createClearKeyboard(lang, mode),
	}, nil
}

func (h *CommandHandler) clearHistories(m *session.Manager, lang string, mode models.Mode) response {
	if mode == models.ModeGroup {
		m.ClearAllGroupHistories()
		return response{text: h.localizer.Get(lang, i18n.MsgGroupHistoryCleared, nil)}
	}
	m.ClearAllHistories()
	return response{text: h.localizer.Get(lang, i18n.MsgHistoryCleared, nil)}
}

func (h *CommandHandler) showConfig(m *session.Manager, lang, _ string) (response, error) {
	cfg := m.ChatConfig()
	return response{text: h.localizer.Get(lang, i18n.MsgConfigShow, map[string]interface{}{
		"ForcePrompt":        orDash(cfg.ForceSystemPrompt),
		"HistoryLength":      cfg.HistoryLength,
		"GroupHistoryLength": cfg.GroupHistoryLength,
		"RelayPrompt":        orDash(cfg.GroupRelayPrompt),
	})}, nil
}

// setPrompt sets the forced system prompt or, for relay, the group relay prompt.
// No argument clears it.
func (h *CommandHandler) setPrompt(relay bool) commandFunc {
	return func(m *session.Manager, lang, args string) (response, error) {
		var upd models.ChatConfigUpdate
		if relay {
			upd.GroupRelayPrompt = &args
		} else {
			upd.ForceSystemPrompt = &args
		}
		if _, err := m.UpdateChatConfig(upd); err != nil {
			return response{}, err
		}
		return response{text: h.localizer.Get(lang, i18n.MsgConfigUpdated, nil)}, nil
	}
}

func (h *CommandHandler) setLength(command string, group bool) commandFunc {
	return func(m *session.Manager, lang, args string) (response, error) {
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil {
			return response{}, &usageError{usage: fmt.Sprintf(usageHistLen, command)}
		}
		var upd models.ChatConfigUpdate
		if group {
			upd.GroupHistoryLength = &n
		} else {
			upd.HistoryLength = &n
		}
		if _, err := m.UpdateChatConfig(upd); err != nil {
			return response{}, err
		}
		return response{text: h.localizer.Get(lang, i18n.MsgConfigUpdated, nil)}, nil
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
