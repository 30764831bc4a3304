package router

import (
	"context"
	"fmt"
	"time"

	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/history"
	"github.com/sirupsen/logrus"
)

// Backend sends one request to a bot's language model
type Backend interface {
	Send(ctx context.Context, systemPrompt string, history []models.Message, userMessage string) (string, error)
}

// BackendFactory resolves the backend of a bot
type BackendFactory interface {
	ForBot(bot models.Bot) (Backend, error)
}

// GroupHistory is the shared sequence a group turn appends to and reads from
type GroupHistory interface {
	Append(msg models.Message) error
	Window(n int) []models.Message
}

// Outcome is the result of routing a turn to one bot. Exactly one of Reply and Err is set.
type Outcome struct {
	Bot   models.Bot
	Reply *models.Message
	Err   error
}

// Router dispatches user messages to bot backends
type Router struct {
	factory BackendFactory
	timeout time.Duration
	logger  *logrus.Logger
	metrics *middleware.Metrics
	now     func() time.Time
}

// New creates a router. timeout bounds every single backend call; zero means no bound.
func New(factory BackendFactory, timeout time.Duration, logger *logrus.Logger, metrics *middleware.Metrics) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		factory: factory,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for message timestamps
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// SystemPrompt returns the forced prompt when set, otherwise the bot's own
func SystemPrompt(bot models.Bot, cfg models.ChatConfig) string {
	if cfg.ForceSystemPrompt != "" {
		return cfg.ForceSystemPrompt
	}
	return bot.SystemPrompt
}

// PrivateWindow returns the private history window for bot
func PrivateWindow(bot models.Bot, cfg models.ChatConfig) int {
	if bot.HistoryLength > 0 {
		return bot.HistoryLength
	}
	return cfg.HistoryLength
}

// RouteSingle sends userMessage to one bot with its trailing private history.
// prior is the bot's full sequence before the user message was added.
func (r *Router) RouteSingle(ctx context.Context, bot models.Bot, cfg models.ChatConfig, userMessage string, prior []models.Message) (models.Message, error) {
	window := history.Tail(prior, PrivateWindow(bot, cfg))
	content, err := r.send(ctx, models.ModePrivate, bot, SystemPrompt(bot, cfg), window, userMessage)
	if err != nil {
		return models.Message{}, &models.BackendError{BotID: bot.ID, Cause: err}
	}
	return r.reply(bot, content), nil
}

// RouteGroupTurn runs one group turn. The user message is appended once, then every bot
// in order sees the shared window including the replies given earlier in the same turn.
// A failing bot appends nothing and does not stop the bots after it.
func (r *Router) RouteGroupTurn(ctx context.Context, bots []models.Bot, cfg models.ChatConfig, userMessage string, shared GroupHistory) ([]Outcome, error) {
	if err := shared.Append(models.Message{
		Role:      models.RoleUser,
		Content:   userMessage,
		Timestamp: r.now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}

	byID := make(map[string]models.Bot, len(bots))
	for _, b := range bots {
		byID[b.ID] = b
	}

	outcomes := make([]Outcome, 0, len(bots))
	for _, bot := range bots {
		window := groupView(shared.Window(cfg.GroupHistoryLength), bot.ID, byID)
		content, err := r.send(ctx, models.ModeGroup, bot, SystemPrompt(bot, cfg), window, cfg.GroupRelayPrompt)
		if err != nil {
			outcomes = append(outcomes, Outcome{Bot: bot, Err: &models.BackendError{BotID: bot.ID, Cause: err}})
			continue
		}

		msg := r.reply(bot, content)
		if err := shared.Append(msg); err != nil {
			return outcomes, fmt.Errorf("failed to append reply of bot %s: %w", bot.ID, err)
		}
		outcomes = append(outcomes, Outcome{Bot: bot, Reply: &msg})
	}
	return outcomes, nil
}

func (r *Router) send(ctx context.Context, mode models.Mode, bot models.Bot, systemPrompt string, window []models.Message, userMessage string) (string, error) {
	entry := r.logger.WithFields(logrus.Fields{
		"bot_id":  bot.ID,
		"mode":    mode,
		"context": len(window),
	})

	backend, err := r.factory.ForBot(bot)
	if err != nil {
		entry.WithError(err).Error("Failed to resolve backend")
		return "", err
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	content, err := backend.Send(callCtx, systemPrompt, window, userMessage)
	duration := time.Since(start)
	if err != nil {
		r.metrics.RecordBackendRequest(string(mode), "error", duration)
		entry.WithError(err).WithField("duration", duration).Warn("Backend request failed")
		return "", err
	}

	r.metrics.RecordBackendRequest(string(mode), "success", duration)
	entry.WithField("duration", duration).Debug("Backend replied")
	return content, nil
}

func (r *Router) reply(bot models.Bot, content string) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		BotID:     bot.ID,
		Timestamp: r.now(),
	}
}

// groupView presents the shared history from one bot's point of view: its own replies stay
// assistant turns, everything said by other bots or tools becomes a labelled user turn.
func groupView(window []models.Message, self string, bots map[string]models.Bot) []models.Message {
	out := make([]models.Message, len(window))
	for i, m := range window {
		out[i] = m
		switch {
		case m.Role == models.RoleAssistant && m.BotID == self:
		case m.Role == models.RoleAssistant:
			out[i].Role = models.RoleUser
			out[i].Content = speaker(m, bots) + ": " + m.Content
		case m.Role == models.RoleTool:
			out[i].Role = models.RoleUser
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			out[i].Content = name + ": " + m.Content
		}
	}
	return out
}

func speaker(m models.Message, bots map[string]models.Bot) string {
	bot, ok := bots[m.BotID]
	if !ok {
		if m.BotID == "" {
			return "assistant"
		}
		return m.BotID
	}
	if bot.Avatar == "" {
		return bot.Name
	}
	return bot.Avatar + " " + bot.Name
}
