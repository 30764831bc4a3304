package i18n

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/multibot-chat-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShippedLocalizer(t *testing.T) *Localizer {
	t.Helper()
	l, err := NewLocalizer(&config.I18nConfig{
		DefaultLanguage: "en",
		Languages:       []string{"en", "zh"},
		Directory:       filepath.Join("..", "..", "configs", "i18n"),
	})
	require.NoError(t, err)
	return l
}

func TestGetWithTemplateData(t *testing.T) {
	l := newShippedLocalizer(t)

	assert.Equal(t, "✅ Added bot Ada.", l.Get("en", MsgBotAdded, map[string]interface{}{"Name": "Ada"}))
	assert.Equal(t, "✅ 已添加机器人 Ada。", l.Get("zh", MsgBotAdded, map[string]interface{}{"Name": "Ada"}))
}

func TestGetFallsBack(t *testing.T) {
	l := newShippedLocalizer(t)

	assert.Equal(t, l.Get("en", MsgCancelled, nil), l.Get("fr", MsgCancelled, nil))
	assert.Equal(t, "no.such.message", l.Get("en", "no.such.message", nil))
}

func TestMatch(t *testing.T) {
	l := newShippedLocalizer(t)

	tests := []struct {
		code string
		want string
	}{
		{"", "en"},
		{"en", "en"},
		{"en-GB", "en"},
		{"zh", "zh"},
		{"zh-hans", "zh"},
		{"fr", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Match(tt.code))
		})
	}
}

func TestShippedFilesDefineEveryMessage(t *testing.T) {
	ids := []string{
		MsgWelcome, MsgHelp, MsgUnknownCommand, MsgRateLimitExceeded, MsgError, MsgProcessing,
		MsgInvalidInput, MsgUsage, MsgInvalidValue, MsgStateCorrupt,
		MsgBotsList, MsgBotsEmpty, MsgBotAdded, MsgBotUpdated, MsgBotRemoved, MsgBotEnabled,
		MsgBotDisabled, MsgBotsReordered, MsgBotNotFound, MsgModelsList, MsgModelsEmpty,
		MsgModePrivate, MsgModeGroup, MsgNoEnabledBot, MsgBotFailed,
		MsgTopicCreated, MsgTopicNothing, MsgTopicsList, MsgTopicSwitched,
		MsgClearConfirm, MsgHistoryCleared, MsgGroupHistoryCleared, MsgCancelled,
		MsgConfigShow, MsgConfigUpdated,
		BtnPrivate, BtnGroup, BtnBots, BtnTopics, BtnConfirm, BtnCancel,
	}

	for _, lang := range []string{"en", "zh"} {
		raw, err := os.ReadFile(filepath.Join("..", "..", "configs", "i18n", lang+".json"))
		require.NoError(t, err)
		var messages map[string]string
		require.NoError(t, json.Unmarshal(raw, &messages))
		for _, id := range ids {
			assert.NotEmpty(t, messages[id], "%s is missing %s", lang, id)
		}
	}
}

func TestNewLocalizerErrors(t *testing.T) {
	_, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Directory: t.TempDir()})
	assert.Error(t, err)

	_, err = NewLocalizer(&config.I18nConfig{DefaultLanguage: "not a tag!"})
	assert.Error(t, err)
}

func TestCustomDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "de.json"), []byte(`{"cancelled": "Abgebrochen."}`), 0o644))

	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "de", Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, "Abgebrochen.", l.Get("de", MsgCancelled, nil))
	assert.Equal(t, "de", l.Match("en"))
}
