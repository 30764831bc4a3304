package i18n

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/multibot-chat-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	languages       []string
	matcher         language.Matcher
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the message files in cfg.Directory
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	def, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	// the default language goes first so the matcher falls back to it
	languages := []string{cfg.DefaultLanguage}
	for _, lang := range cfg.Languages {
		if lang != cfg.DefaultLanguage {
			languages = append(languages, lang)
		}
	}

	dir := cfg.Directory
	if dir == "" {
		dir = "configs/i18n"
	}

	tags := make([]language.Tag, 0, len(languages))
	localizers := make(map[string]*i18n.Localizer, len(languages))
	for _, lang := range languages {
		file := filepath.Join(dir, lang+".json")
		if _, err := bundle.LoadMessageFile(file); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", file, err)
		}
		tags = append(tags, language.Make(lang))
		localizers[lang] = i18n.NewLocalizer(bundle, lang)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		languages:       languages,
		matcher:         language.NewMatcher(tags),
		localizers:      localizers,
	}, nil
}

// Match picks the supported language closest to a client language code such as "zh-hans"
func (l *Localizer) Match(code string) string {
	if code == "" {
		return l.defaultLanguage
	}
	_, idx, conf := l.matcher.Match(language.Make(code))
	if conf == language.No {
		return l.defaultLanguage
	}
	return l.languages[idx]
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgHelp              = "help"
	MsgUnknownCommand    = "unknown_command"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgError             = "error"
	MsgProcessing        = "processing"
	MsgInvalidInput      = "invalid_input"
	MsgUsage             = "usage"
	MsgInvalidValue      = "invalid_value"
	MsgStateCorrupt      = "state_corrupt"

	MsgBotsList      = "bots_list"
	MsgBotsEmpty     = "bots_empty"
	MsgBotAdded      = "bot_added"
	MsgBotUpdated    = "bot_updated"
	MsgBotRemoved    = "bot_removed"
	MsgBotEnabled    = "bot_enabled"
	MsgBotDisabled   = "bot_disabled"
	MsgBotsReordered = "bots_reordered"
	MsgBotNotFound   = "bot_not_found"
	MsgModelsList    = "models_list"
	MsgModelsEmpty   = "models_empty"

	MsgModePrivate  = "mode_private"
	MsgModeGroup    = "mode_group"
	MsgNoEnabledBot = "no_enabled_bot"
	MsgBotFailed    = "bot_failed"

	MsgTopicCreated  = "topic_created"
	MsgTopicNothing  = "topic_nothing"
	MsgTopicsList    = "topics_list"
	MsgTopicSwitched = "topic_switched"

	MsgClearConfirm        = "clear_confirm"
	MsgHistoryCleared      = "history_cleared"
	MsgGroupHistoryCleared = "group_history_cleared"
	MsgCancelled           = "cancelled"

	MsgConfigShow    = "config_show"
	MsgConfigUpdated = "config_updated"

	BtnPrivate = "btn_private"
	BtnGroup   = "btn_group"
	BtnBots    = "btn_bots"
	BtnTopics  = "btn_topics"
	BtnConfirm = "btn_confirm"
	BtnCancel  = "btn_cancel"
)
