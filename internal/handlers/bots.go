package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/session"
)

const (
	usageAddBot  = "/addbot\nname: Ada\nmodel: gpt-4o-mini\nprompt: You are helpful."
	usageEditBot = "/editbot N\nkey: value"
	usageBotRef  = "/%s N"
	usageReorder = "/reorder N M ..."
	usageHistLen = "/%s N"
	usageSwitch  = "/switch N"
)

// parseFields reads one "key: value" pair per line. Keys are case-insensitive.
func parseFields(text string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, &inputError{reason: fmt.Sprintf("expected key: value, got %q", line)}
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		if key == "" {
			return nil, &inputError{reason: fmt.Sprintf("missing key in %q", line)}
		}
		fields[key] = strings.TrimSpace(parts[1])
	}
	return fields, nil
}

// botUpdateFromFields converts parsed fields into a partial bot update
func botUpdateFromFields(fields map[string]string) (models.BotUpdate, error) {
	var upd models.BotUpdate
	for key, value := range fields {
		v := value
		switch key {
		case "name":
			upd.Name = &v
		case "avatar":
			upd.Avatar = &v
		case "prompt", "system_prompt":
			upd.SystemPrompt = &v
		case "endpoint", "base_url":
			upd.Endpoint = &v
		case "api_key":
			upd.APIKey = &v
		case "model":
			upd.Model = &v
		case "temperature", "top_p":
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return upd, &inputError{reason: fmt.Sprintf("%s must be a number", key)}
			}
			f32 := float32(f)
			if key == "temperature" {
				upd.Temperature = &f32
			} else {
				upd.TopP = &f32
			}
		case "max_tokens", "history_length":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return upd, &inputError{reason: fmt.Sprintf("%s must be a non-negative integer", key)}
			}
			if key == "max_tokens" {
				upd.MaxTokens = &n
			} else {
				upd.HistoryLength = &n
			}
		case "enabled", "enable":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return upd, &inputError{reason: fmt.Sprintf("%s must be true or false", key)}
			}
			upd.Enabled = &b
		default:
			return upd, &inputError{reason: fmt.Sprintf("unknown field %q", key)}
		}
	}
	return upd, nil
}

// resolveBot finds a bot by its 1-based position in the list or by id
func resolveBot(m *session.Manager, ref string) (models.Bot, error) {
	bots := m.Bots()
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(bots) {
			return bots[n-1], nil
		}
		return models.Bot{}, &models.NotFoundError{Entity: "bot", ID: ref}
	}
	for _, b := range bots {
		if b.ID == ref {
			return b, nil
		}
	}
	return models.Bot{}, &models.NotFoundError{Entity: "bot", ID: ref}
}

func formatBots(bots []models.Bot) string {
	var sb strings.Builder
	for i, b := range bots {
		mark := "⏸"
		if b.Enabled {
			mark = "✅"
		}
		fmt.Fprintf(&sb, "%d. %s %s %s (%s)\n", i+1, mark, b.Avatar, b.Name, b.Backend.Model)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (h *CommandHandler) listBots(m *session.Manager, lang, _ string) (response, error) {
	bots := m.Bots()
	if len(bots) == 0 {
		return response{text: h.localizer.Get(lang, i18n.MsgBotsEmpty, nil)}, nil
	}
	return response{text: h.localizer.Get(lang, i18n.MsgBotsList, map[string]interface{}{"Bots": formatBots(bots)})}, nil
}

func (h *CommandHandler) addBot(m *session.Manager, lang, args string) (response, error) {
	fields, err := parseFields(args)
	if err != nil {
		return response{}, err
	}
	if fields["name"] == "" {
		return response{}, &usageError{usage: usageAddBot}
	}
	upd, err := botUpdateFromFields(fields)
	if err != nil {
		return response{}, err
	}

	bot := models.Bot{Enabled: true}
	upd.Apply(&bot)
	added, err := m.AddBot(bot)
	if err != nil {
		return response{}, err
	}
	return response{text: h.localizer.Get(lang, i18n.MsgBotAdded, map[string]interface{}{"Name": added.Name})}, nil
}

func (h *CommandHandler) editBot(m *session.Manager, lang, args string) (response, error) {
	ref, rest := splitFirst(args)
	if ref == "" || rest == "" {
		return response{}, &usageError{usage: usageEditBot}
	}
	bot, err := resolveBot(m, ref)
	if err != nil {
		return response{}, err
	}
	fields, err := parseFields(rest)
	if err != nil {
		return response{}, err
	}
	upd, err := botUpdateFromFields(fields)
	if err != nil {
		return response{}, err
	}
	updated, err := m.UpdateBot(bot.ID, upd)
	if err != nil {
		return response{}, err
	}
	return response{text: h.localizer.Get(lang, i18n.MsgBotUpdated, map[string]interface{}{"Name": updated.Name})}, nil
}

func (h *CommandHandler) setBotEnabled(enabled bool) commandFunc {
	command, msgID := "disable", i18n.MsgBotDisabled
	if enabled {
		command, msgID = "enable", i18n.MsgBotEnabled
	}
	return func(m *session.Manager, lang, args string) (response, error) {
		ref, _ := splitFirst(args)
		if ref == "" {
			return response{}, &usageError{usage: fmt.Sprintf(usageBotRef, command)}
		}
		bot, err := resolveBot(m, ref)
		if err != nil {
			return response{}, err
		}
		if _, err := m.UpdateBot(bot.ID, models.BotUpdate{Enabled: &enabled}); err != nil {
			return response{}, err
		}
		return response{text: h.localizer.Get(lang, msgID, map[string]interface{}{"Name": bot.Name})}, nil
	}
}

func (h *CommandHandler) removeBot(m *session.Manager, lang, args string) (response, error) {
	ref, _ := splitFirst(args)
	if ref == "" {
		return response{}, &usageError{usage: fmt.Sprintf(usageBotRef, "removebot")}
	}
	bot, err := resolveBot(m, ref)
	if err != nil {
		return response{}, err
	}
	if err := m.RemoveBot(bot.ID); err != nil {
		return response{}, err
	}
	return response{text: h.localizer.Get(lang, i18n.MsgBotRemoved, map[string]interface{}{"Name": bot.Name})}, nil
}

// reorderBots takes the new order as list positions, e.g. "/reorder 3 1 2"
func (h *CommandHandler) reorderBots(m *session.Manager, lang, args string) (response, error) {
	refs := strings.Fields(args)
	if len(refs) == 0 {
		return response{}, &usageError{usage: usageReorder}
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		bot, err := resolveBot(m, ref)
		if err != nil {
			return response{}, err
		}
		ids = append(ids, bot.ID)
	}
	if err := m.ReorderBots(ids); err != nil {
		return response{}, err
	}
	return response{text: h.localizer.Get(lang, i18n.MsgBotsReordered, nil)}, nil
}

// splitFirst returns the first word of s and the trimmed remainder
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
