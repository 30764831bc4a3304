package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/history"
	"github.com/multibot-chat-go/internal/services/registry"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/multibot-chat-go/internal/services/storage"
	"github.com/multibot-chat-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// EnablePolicy decides what switching to a private version does to the enabled flags
type EnablePolicy string

const (
	// PolicyPreserve leaves enabled flags untouched
	PolicyPreserve EnablePolicy = "preserve"
	// PolicyParticipation enables exactly the bots that took part in the selected version
	PolicyParticipation EnablePolicy = "participation"
)

// Persistence stores one serialised session per user
type Persistence interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, data []byte) error
}

// Options holds the settings shared by every session
type Options struct {
	Defaults         models.ChatConfig
	MaxHistoryLength int
	MaxParallel      int
	EnablePolicy     EnablePolicy
	DefaultPage      models.Page
	DefaultBots      []models.Bot
	Now              func() time.Time
}

// Manager owns one user's session: bots, both history stores, chat settings and the
// last visited page. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	userID   string
	registry *registry.Registry
	private  *history.PrivateStore
	group    *history.GroupStore
	chat     models.ChatConfig
	page     models.Page
	router   *router.Router
	store    Persistence
	opts     Options
	logger   *logrus.Entry
}

// New creates a manager holding a fresh default session for userID
func New(userID string, store Persistence, rt *router.Router, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	if opts.EnablePolicy == "" {
		opts.EnablePolicy = PolicyPreserve
	}
	if !opts.DefaultPage.Valid() {
		opts.DefaultPage = models.PageMain
	}

	m := &Manager{
		userID: userID,
		router: rt,
		store:  store,
		opts:   opts,
		logger: logger.WithField("user_id", userID),
	}
	m.reset()
	return m
}

func (m *Manager) reset() {
	bots := make([]models.Bot, len(m.opts.DefaultBots))
	copy(bots, m.opts.DefaultBots)
	m.registry = registry.New(bots)
	m.private = history.NewPrivate(nil, 0)
	m.private.SetClock(m.opts.Now)
	m.private.ClearAll()
	m.group = history.NewGroup(nil, 0)
	m.group.SetClock(m.opts.Now)
	m.group.ClearAll()
	m.chat = m.opts.Defaults
	m.page = m.opts.DefaultPage
}

// UserID returns the owner of the session
func (m *Manager) UserID() string {
	return m.userID
}

// Load replaces the in-memory session with the persisted one. A user without stored
// state gets a fresh default session.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Load(ctx, m.userID)
	if errors.Is(err, storage.ErrStateNotFound) {
		m.reset()
		m.logger.Debug("No stored session, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	state, err := Decode(m.userID, data)
	if err != nil {
		m.logger.WithError(err).Error("Rejected stored session")
		return err
	}
	m.apply(state)
	return nil
}

func (m *Manager) apply(state models.SessionState) {
	m.registry = registry.New(state.Bots)
	m.private = history.NewPrivate(state.HistoryVersions, state.CurrentHistory)
	m.private.SetClock(m.opts.Now)
	m.group = history.NewGroup(state.GroupVersions, state.CurrentGroupHistory)
	m.group.SetClock(m.opts.Now)
	m.chat = state.ChatConfig
	m.page = state.LastVisitedPage
	if m.page == "" {
		m.page = m.opts.DefaultPage
	}
}

// Save persists the whole session as one snapshot
func (m *Manager) Save(ctx context.Context) error {
	m.mu.Lock()
	state := m.state()
	m.mu.Unlock()

	data, err := Encode(state)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, m.userID, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// State returns a deep copy of the session
func (m *Manager) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state()
}

func (m *Manager) state() models.SessionState {
	privateVersions, currentPrivate := m.private.Snapshot()
	groupVersions, currentGroup := m.group.Snapshot()
	return models.SessionState{
		UserID:              m.userID,
		Bots:                m.registry.List(),
		HistoryVersions:     privateVersions,
		CurrentHistory:      currentPrivate,
		GroupVersions:       groupVersions,
		CurrentGroupHistory: currentGroup,
		ChatConfig:          m.chat,
		LastVisitedPage:     m.page,
		UpdatedAt:           m.opts.Now(),
	}
}

// Bots returns the registered bots in relay order
func (m *Manager) Bots() []models.Bot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.List()
}

// Bot returns one registered bot
func (m *Manager) Bot(id string) (models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Get(id)
}

func (m *Manager) AddBot(bot models.Bot) (models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBotWindow(bot.HistoryLength); err != nil {
		return models.Bot{}, err
	}
	return m.registry.Add(bot)
}

func (m *Manager) UpdateBot(id string, upd models.BotUpdate) (models.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upd.HistoryLength != nil {
		if err := m.checkBotWindow(*upd.HistoryLength); err != nil {
			return models.Bot{}, err
		}
	}
	return m.registry.Update(id, upd)
}

// RemoveBot deletes the bot and its sequences in every private version. Group messages
// it wrote stay in the shared histories.
func (m *Manager) RemoveBot(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.registry.Remove(id); err != nil {
		return err
	}
	m.private.PurgeBot(id)
	m.logger.WithField("bot_id", id).Info("Bot removed")
	return nil
}

// ReorderBots sets the relay order; ids must be a permutation of the registered ids
func (m *Manager) ReorderBots(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Reorder(ids)
}

// checkBotWindow allows 0 (use the chat setting) or a value within the history bounds
func (m *Manager) checkBotWindow(n int) error {
	if n == 0 {
		return nil
	}
	return m.checkLength("bot history length", n)
}

func (m *Manager) checkLength(what string, n int) error {
	if n < 1 || n > m.opts.MaxHistoryLength {
		return &models.RangeError{What: what, Value: n, Min: 1, Max: m.opts.MaxHistoryLength}
	}
	return nil
}

// turnConfig is the chat config with its windows capped to the configured maximum.
// Stored sessions may predate a lower maximum.
func (m *Manager) turnConfig() models.ChatConfig {
	cfg := m.chat
	cfg.HistoryLength = m.capLength(cfg.HistoryLength)
	cfg.GroupHistoryLength = m.capLength(cfg.GroupHistoryLength)
	return cfg
}

func (m *Manager) capBot(bot models.Bot) models.Bot {
	if bot.HistoryLength > 0 {
		bot.HistoryLength = m.capLength(bot.HistoryLength)
	}
	return bot
}

func (m *Manager) capLength(n int) int {
	if m.opts.MaxHistoryLength > 0 && n > m.opts.MaxHistoryLength {
		return m.opts.MaxHistoryLength
	}
	return n
}

func (m *Manager) ChatConfig() models.ChatConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chat
}

// UpdateChatConfig overwrites only the provided keys. Nothing changes when a value is invalid.
func (m *Manager) UpdateChatConfig(upd models.ChatConfigUpdate) (models.ChatConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upd.HistoryLength != nil {
		if err := m.checkLength("history length", *upd.HistoryLength); err != nil {
			return m.chat, err
		}
	}
	if upd.GroupHistoryLength != nil {
		if err := m.checkLength("group history length", *upd.GroupHistoryLength); err != nil {
			return m.chat, err
		}
	}

	if upd.ForceSystemPrompt != nil {
		m.chat.ForceSystemPrompt = *upd.ForceSystemPrompt
	}
	if upd.HistoryLength != nil {
		m.chat.HistoryLength = *upd.HistoryLength
	}
	if upd.GroupHistoryLength != nil {
		m.chat.GroupHistoryLength = *upd.GroupHistoryLength
	}
	if upd.GroupRelayPrompt != nil {
		m.chat.GroupRelayPrompt = *upd.GroupRelayPrompt
	}
	return m.chat, nil
}

// CurrentHistoryFor returns the bot's sequence in the current private version
func (m *Manager) CurrentHistoryFor(botID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.registry.Get(botID); err != nil {
		return nil, err
	}
	seq, err := m.private.Sequence(m.private.CurrentVersionIndex(), botID)
	if models.IsNotFound(err) {
		return []models.Message{}, nil
	}
	return seq, err
}

// GroupHistory returns the shared sequence of the current group version
func (m *Manager) GroupHistory() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, err := m.group.Messages(m.group.CurrentVersionIndex())
	if err != nil {
		return []models.Message{}
	}
	return msgs
}

func (m *Manager) storeFor(mode models.Mode) history.Store {
	if mode == models.ModeGroup {
		return m.group
	}
	return m.private
}

// CreateNewHistoryVersion starts a new topic in the given mode and makes it current.
// It reports a NoOpError when the current topic is still empty.
func (m *Manager) CreateNewHistoryVersion(mode models.Mode, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.storeFor(mode).CreateVersion(name)
	if err == nil {
		m.logger.WithFields(logrus.Fields{"mode": mode, "version": i}).Info("New topic created")
	}
	return i, err
}

// SwitchHistoryVersion selects version i and returns the bots that took part in it
// (always empty for group mode). The enable policy applies to private mode only.
func (m *Manager) SwitchHistoryVersion(mode models.Mode, i int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mode == models.ModeGroup {
		return []string{}, m.group.SetCurrentVersionIndex(i)
	}

	participants, err := m.private.ParticipatingBots(i)
	if err != nil {
		return nil, err
	}
	if err := m.private.SetCurrentVersionIndex(i); err != nil {
		return nil, err
	}

	if m.opts.EnablePolicy == PolicyParticipation {
		took := make(map[string]bool, len(participants))
		for _, id := range participants {
			took[id] = true
		}
		for _, bot := range m.registry.List() {
			enabled := took[bot.ID]
			if bot.Enabled != enabled {
				if _, err := m.registry.Update(bot.ID, models.BotUpdate{Enabled: &enabled}); err != nil {
					return nil, err
				}
			}
		}
	}
	return participants, nil
}

func (m *Manager) HistoryVersions(mode models.Mode) []models.VersionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeFor(mode).Versions()
}

func (m *Manager) CurrentVersionIndex(mode models.Mode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeFor(mode).CurrentVersionIndex()
}

// ParticipatingBots returns the bots holding a sequence in private version i
func (m *Manager) ParticipatingBots(i int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.private.ParticipatingBots(i)
}

// ClearAllHistories drops every private version; group histories are untouched
func (m *Manager) ClearAllHistories() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.private.ClearAll()
	m.logger.WithField("mode", models.ModePrivate).Info("Histories cleared")
}

// ClearAllGroupHistories drops every group version; private histories are untouched
func (m *Manager) ClearAllGroupHistories() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group.ClearAll()
	m.logger.WithField("mode", models.ModeGroup).Info("Histories cleared")
}

func (m *Manager) LastVisitedPage() models.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.page
}

func (m *Manager) SetLastVisitedPage(p models.Page) error {
	if !p.Valid() {
		return &models.NotFoundError{Entity: "page", ID: string(p)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.page = p
	return nil
}

// SendUserMessage runs one private turn. The prompt is appended to every enabled bot's
// sequence, then the bots are asked concurrently and each reply is appended as it
// arrives. Outcomes follow registry order.
func (m *Manager) SendUserMessage(ctx context.Context, prompt string) ([]router.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		return nil, &models.NoOpError{Reason: "empty message"}
	}
	bots := m.registry.Enabled()
	if len(bots) == 0 {
		return nil, &models.NoOpError{Reason: "no enabled bots"}
	}

	version := m.private.CurrentVersionIndex()
	cfg := m.turnConfig()
	userMsg := models.Message{Role: models.RoleUser, Content: prompt, Timestamp: m.opts.Now()}

	priors := make([][]models.Message, len(bots))
	for i, bot := range bots {
		seq, err := m.private.Sequence(version, bot.ID)
		if err != nil && !models.IsNotFound(err) {
			return nil, err
		}
		priors[i] = seq
		if err := m.private.AppendMessage(version, bot.ID, userMsg); err != nil {
			return nil, err
		}
	}

	type result struct {
		index int
		reply models.Message
		err   error
	}
	results := make(chan result, len(bots))

	go func() {
		var g errgroup.Group
		g.SetLimit(m.opts.MaxParallel)
		for i, bot := range bots {
			g.Go(func() error {
				reply, err := m.router.RouteSingle(ctx, m.capBot(bot), cfg, prompt, priors[i])
				results <- result{index: i, reply: reply, err: err}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	outcomes := make([]router.Outcome, len(bots))
	for r := range results {
		bot := bots[r.index]
		if r.err != nil {
			outcomes[r.index] = router.Outcome{Bot: bot, Err: r.err}
			continue
		}
		if err := m.private.AppendMessage(version, bot.ID, r.reply); err != nil {
			outcomes[r.index] = router.Outcome{Bot: bot, Err: err}
			continue
		}
		reply := r.reply
		outcomes[r.index] = router.Outcome{Bot: bot, Reply: &reply}
	}

	m.logTurn(models.ModePrivate, outcomes)
	return outcomes, nil
}

// SendGroupMessage runs one group turn on the current group version
func (m *Manager) SendGroupMessage(ctx context.Context, prompt string) ([]router.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		return nil, &models.NoOpError{Reason: "empty message"}
	}
	bots := m.registry.Enabled()
	if len(bots) == 0 {
		return nil, &models.NoOpError{Reason: "no enabled bots"}
	}

	outcomes, err := m.router.RouteGroupTurn(ctx, bots, m.turnConfig(), prompt, m.group.Cursor(m.group.CurrentVersionIndex()))
	if err != nil {
		return outcomes, err
	}
	m.logTurn(models.ModeGroup, outcomes)
	return outcomes, nil
}

func (m *Manager) logTurn(mode models.Mode, outcomes []router.Outcome) {
	entry := logger.WithContext(m.logger.Logger, m.userID, string(mode))
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			logger.WithBot(entry, o.Bot.ID, o.Bot.Name).WithError(o.Err).Warn("Bot failed in turn")
		}
	}
	entry = entry.WithFields(logrus.Fields{
		"bots":   len(outcomes),
		"failed": failed,
	})
	if failed > 0 {
		entry.Warn("Turn finished with failures")
		return
	}
	entry.Debug("Turn finished")
}
