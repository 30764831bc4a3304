package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/multibot-chat-go/internal/services/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// PageHandler runs one user turn for the page the user is on
type PageHandler func(ctx context.Context, m *session.Manager, text string) ([]router.Outcome, error)

// PageHandlers maps every page to the turn it runs
func PageHandlers() map[models.Page]PageHandler {
	return map[models.Page]PageHandler{
		models.PageMain: func(ctx context.Context, m *session.Manager, text string) ([]router.Outcome, error) {
			return m.SendUserMessage(ctx, text)
		},
		models.PageGroup: func(ctx context.Context, m *session.Manager, text string) ([]router.Outcome, error) {
			return m.SendGroupMessage(ctx, text)
		},
	}
}

// MessageHandler handles regular messages
type MessageHandler struct {
	base
	username    string
	pages       map[models.Page]PageHandler
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
}

// NewMessageHandler creates a new message handler. username is the Telegram bot's own
// username; in group chats only messages mentioning it are answered.
func NewMessageHandler(
	bot Sender,
	username string,
	sessions *session.Service,
	rateLimiter middleware.RateLimiter,
	security *middleware.SecurityMiddleware,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
	metrics *middleware.Metrics,
) *MessageHandler {
	return &MessageHandler{
		base: base{
			bot:       bot,
			sessions:  sessions,
			localizer: localizer,
			logger:    logger,
			metrics:   metrics,
		},
		username:    username,
		pages:       PageHandlers(),
		rateLimiter: rateLimiter,
		security:    security,
	}
}

// HandleMessage processes regular messages
func (h *MessageHandler) HandleMessage(ctx context.Context, message *tgbotapi.Message) error {
	if message == nil || message.IsCommand() || message.From == nil || message.Text == "" {
		return nil
	}

	chatID := message.Chat.ID
	userID := message.From.ID
	lang := h.localizer.Match(message.From.LanguageCode)

	text, ok := h.addressedText(message)
	if !ok {
		return nil
	}

	if !h.rateLimiter.Allow(userKey(userID)) {
		msg := tgbotapi.NewMessage(chatID, h.localizer.Get(lang, i18n.MsgRateLimitExceeded, nil))
		msg.ReplyToMessageID = message.MessageID
		_, err := h.bot.Send(msg)
		return err
	}

	if err := h.security.ValidateInput(text); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Warn("Input validation failed")
		return h.send(chatID, response{text: h.localizer.Get(lang, i18n.MsgInvalidInput, map[string]interface{}{"Reason": err.Error()})})
	}

	// Send thinking message
	thinkingMsg := tgbotapi.NewMessage(chatID, h.localizer.Get(lang, i18n.MsgProcessing, nil))
	thinkingMsg.ReplyToMessageID = message.MessageID
	sent, err := h.bot.Send(thinkingMsg)
	if err != nil {
		return fmt.Errorf("failed to send thinking message: %w", err)
	}

	start := time.Now()
	var (
		outcomes []router.Outcome
		page     models.Page
	)
	err = h.sessions.WithSession(ctx, userKey(userID), func(m *session.Manager) error {
		page = m.LastVisitedPage()
		handler, ok := h.pages[page]
		if !ok {
			handler = h.pages[models.PageMain]
		}
		var err error
		outcomes, err = handler(ctx, m, text)
		return err
	})

	h.metrics.RecordMessageReceived(string(page.Mode()))
	entry := h.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"mode":     page.Mode(),
		"bots":     len(outcomes),
		"duration": time.Since(start),
	})

	if err != nil {
		var noop *models.NoOpError
		if errors.As(err, &noop) {
			entry.WithField("reason", noop.Reason).Info("Turn skipped")
			return h.edit(chatID, sent.MessageID, response{text: h.localizer.Get(lang, i18n.MsgNoEnabledBot, nil)})
		}
		h.logFailure(userID, err)
		return h.edit(chatID, sent.MessageID, response{text: h.notice(lang, err)})
	}
	entry.Info("Turn completed")

	return h.deliver(chatID, sent.MessageID, lang, outcomes)
}

// addressedText returns the text meant for the bot. Private chats are always addressed;
// group chats only when a mention entity names the bot, and the mention is removed.
func (h *MessageHandler) addressedText(message *tgbotapi.Message) (string, bool) {
	if message.Chat == nil || message.Chat.IsPrivate() {
		return message.Text, true
	}
	if h.username == "" {
		return "", false
	}

	// Entity offsets count UTF-16 code units
	units := utf16.Encode([]rune(message.Text))
	for _, e := range message.Entities {
		if e.Type != "mention" || e.Offset < 0 || e.Offset+e.Length > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
		if !strings.EqualFold(mention, "@"+h.username) {
			continue
		}
		rest := append(append([]uint16{}, units[:e.Offset]...), units[e.Offset+e.Length:]...)
		return strings.TrimSpace(string(utf16.Decode(rest))), true
	}
	return "", false
}

// deliver shows one message per bot: the first replaces the thinking message
func (h *MessageHandler) deliver(chatID int64, thinkingID int, lang string, outcomes []router.Outcome) error {
	if len(outcomes) == 0 {
		return h.edit(chatID, thinkingID, response{text: h.localizer.Get(lang, i18n.MsgNoEnabledBot, nil)})
	}

	var errs []error
	for i, o := range outcomes {
		resp := response{text: h.security.SanitizeOutput(h.renderOutcome(lang, o))}
		var err error
		if i == 0 {
			err = h.edit(chatID, thinkingID, resp)
		} else {
			err = h.send(chatID, resp)
		}
		if err != nil {
			h.logger.WithError(err).WithField("bot_id", o.Bot.ID).Error("Failed to send response")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MessageHandler) renderOutcome(lang string, o router.Outcome) string {
	name := strings.TrimSpace(o.Bot.Avatar + " " + o.Bot.Name)
	if o.Err != nil {
		reason := o.Err.Error()
		var backendErr *models.BackendError
		if errors.As(o.Err, &backendErr) && errors.Is(backendErr.Cause, context.DeadlineExceeded) {
			reason = "timeout"
		}
		return h.localizer.Get(lang, i18n.MsgBotFailed, map[string]interface{}{"Name": name, "Reason": reason})
	}
	return name + "\n" + o.Reply.Content
}
