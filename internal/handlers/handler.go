package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// maxMessageLength is Telegram's limit for one text message, in characters
const maxMessageLength = 4096

// Sender is the part of the Telegram bot API the handlers use
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// response is what a handler shows the user
type response struct {
	text     string
	markdown bool
	keyboard *tgbotapi.InlineKeyboardMarkup
}

// usageError is returned when a command is called with malformed arguments
type usageError struct {
	usage string
}

func (e *usageError) Error() string {
	return "usage: " + e.usage
}

// inputError is returned when a command argument has an unacceptable value
type inputError struct {
	reason string
}

func (e *inputError) Error() string {
	return e.reason
}

// base holds what every handler shares
type base struct {
	bot       Sender
	sessions  *session.Service
	localizer *i18n.Localizer
	logger    *logrus.Logger
	metrics   *middleware.Metrics
}

// userKey turns a Telegram user id into the session user id
func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// run executes fn inside the user's session and renders a failure as a localized notice
func (b *base) run(ctx context.Context, userID int64, lang string, fn func(*session.Manager) (response, error)) response {
	var resp response
	err := b.sessions.WithSession(ctx, userKey(userID), func(m *session.Manager) error {
		var err error
		resp, err = fn(m)
		return err
	})
	if err != nil {
		b.logFailure(userID, err)
		return response{text: b.notice(lang, err)}
	}
	return resp
}

func (b *base) logFailure(userID int64, err error) {
	entry := b.logger.WithError(err).WithField("user_id", userID)

	var integrity *models.IntegrityError
	switch {
	case errors.As(err, &integrity):
		entry.Error("Session state rejected")
	case rejected(err):
		entry.Debug("Command rejected")
	default:
		entry.Error("Command failed")
	}
}

// rejected reports whether err is a refusal of the request rather than a failure
func rejected(err error) bool {
	var (
		rangeErr *models.RangeError
		conflict *models.ConflictError
		usage    *usageError
		input    *inputError
	)
	return errors.As(err, &rangeErr) || errors.As(err, &conflict) || errors.As(err, &usage) ||
		errors.As(err, &input) || models.IsNoOp(err) || models.IsNotFound(err)
}

// notice maps an error to the message shown to the user
func (b *base) notice(lang string, err error) string {
	var (
		integrity *models.IntegrityError
		notFound  *models.NotFoundError
		rangeErr  *models.RangeError
		conflict  *models.ConflictError
		noop      *models.NoOpError
		usage     *usageError
		input     *inputError
	)

	switch {
	case errors.As(err, &integrity):
		return b.localizer.Get(lang, i18n.MsgStateCorrupt, nil)
	case errors.As(err, &usage):
		return b.localizer.Get(lang, i18n.MsgUsage, map[string]interface{}{"Usage": usage.usage})
	case errors.As(err, &notFound) && notFound.Entity == "bot":
		return b.localizer.Get(lang, i18n.MsgBotNotFound, map[string]interface{}{"Ref": notFound.ID})
	case errors.As(err, &input):
		return b.localizer.Get(lang, i18n.MsgInvalidValue, map[string]interface{}{"Reason": input.reason})
	case errors.As(err, &rangeErr), errors.As(err, &conflict), errors.As(err, &notFound), errors.As(err, &noop):
		return b.localizer.Get(lang, i18n.MsgInvalidValue, map[string]interface{}{"Reason": err.Error()})
	default:
		return b.localizer.Get(lang, i18n.MsgError, nil)
	}
}

func (b *base) send(chatID int64, resp response) error {
	var first error
	chunks := splitMessage(resp.text, maxMessageLength)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if resp.markdown {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		if resp.keyboard != nil && i == len(chunks)-1 {
			msg.ReplyMarkup = *resp.keyboard
		}
		if _, err := b.bot.Send(msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *base) edit(chatID int64, messageID int, resp response) error {
	chunks := splitMessage(resp.text, maxMessageLength)
	edit := tgbotapi.NewEditMessageText(chatID, messageID, chunks[0])
	if resp.markdown {
		edit.ParseMode = tgbotapi.ModeMarkdown
	}
	edit.ReplyMarkup = resp.keyboard
	if _, err := b.bot.Send(edit); err != nil {
		return err
	}
	if len(chunks) > 1 {
		return b.send(chatID, response{text: strings.Join(chunks[1:], "")})
	}
	return nil
}

// splitMessage cuts text into pieces of at most limit characters, preferring line breaks
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
