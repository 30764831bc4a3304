package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/sirupsen/logrus"
)

// Store is the persistence a Service needs
type Store interface {
	Persistence
	Delete(ctx context.Context, userID string) error
}

// Service hands out sessions one request at a time per user
type Service struct {
	store   Store
	router  *router.Router
	opts    Options
	logger  *logrus.Logger
	metrics *middleware.Metrics

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem      chan struct{}
	refs     int
	lastSeen time.Time
}

// NewOptions derives the session options from the application config
func NewOptions(cfg *config.Config) Options {
	bots := make([]models.Bot, 0, len(cfg.Chat.DefaultBots))
	for _, p := range cfg.Chat.DefaultBots {
		bots = append(bots, models.Bot{
			ID:           uuid.NewString(),
			Name:         p.Name,
			Avatar:       p.Avatar,
			SystemPrompt: p.SystemPrompt,
			Enabled:      p.Enabled,
			Backend: models.BackendParams{
				Endpoint:    p.Endpoint,
				Model:       p.Model,
				Temperature: p.Temperature,
			},
		})
	}

	return Options{
		Defaults: models.ChatConfig{
			ForceSystemPrompt:  cfg.Chat.ForceSystemPrompt,
			HistoryLength:      cfg.Chat.HistoryLength,
			GroupHistoryLength: cfg.Chat.GroupHistoryLength,
			GroupRelayPrompt:   cfg.Chat.GroupRelayPrompt,
		},
		MaxHistoryLength: cfg.Chat.MaxHistoryLength,
		MaxParallel:      cfg.Backend.MaxParallel,
		EnablePolicy:     EnablePolicy(cfg.Chat.EnablePolicy),
		DefaultPage:      models.Page(cfg.Chat.DefaultPage),
		DefaultBots:      bots,
	}
}

func NewService(store Store, rt *router.Router, opts Options, logger *logrus.Logger, metrics *middleware.Metrics) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:   store,
		router:  rt,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		locks:   make(map[string]*userLock),
	}
}

// WithSession runs fn as one unit of work on the user's session: it takes the user's
// exclusive lock, loads the stored state, runs fn and saves the result. A state that
// fails to load is neither passed to fn nor overwritten.
func (s *Service) WithSession(ctx context.Context, userID string, fn func(*Manager) error) error {
	if err := s.acquire(ctx, userID); err != nil {
		return err
	}
	defer s.release(userID)

	m := New(userID, s.store, s.router, s.opts, s.logger)
	if err := m.Load(ctx); err != nil {
		return err
	}

	fnErr := fn(m)

	// persist on a context that survives a cancelled request so completed work is kept
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.Save(saveCtx); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

// Inspect returns the stored state of a user without changing it
func (s *Service) Inspect(ctx context.Context, userID string) (models.SessionState, error) {
	var state models.SessionState
	if err := s.acquire(ctx, userID); err != nil {
		return state, err
	}
	defer s.release(userID)

	m := New(userID, s.store, s.router, s.opts, s.logger)
	if err := m.Load(ctx); err != nil {
		return state, err
	}
	return m.State(), nil
}

// Reset deletes the stored state of a user; the next request starts fresh
func (s *Service) Reset(ctx context.Context, userID string) error {
	if err := s.acquire(ctx, userID); err != nil {
		return err
	}
	defer s.release(userID)

	if err := s.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset session of %s: %w", userID, err)
	}
	s.logger.WithField("user_id", userID).Warn("Session reset")
	return nil
}

func (s *Service) acquire(ctx context.Context, userID string) error {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{sem: make(chan struct{}, 1)}
		s.locks[userID] = l
	}
	l.refs++
	l.lastSeen = s.opts.Now()
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		l.refs--
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Service) release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[userID]
	<-l.sem
	l.refs--
	l.lastSeen = s.opts.Now()
}

// ActiveSessions counts users seen within the given duration
func (s *Service) ActiveSessions(within time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.opts.Now().Add(-within)
	n := 0
	for _, l := range s.locks {
		if l.refs > 0 || !l.lastSeen.Before(cutoff) {
			n++
		}
	}
	return n
}

// Prune forgets idle users and returns how many were dropped
func (s *Service) Prune(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.opts.Now().Add(-idle)
	n := 0
	for id, l := range s.locks {
		if l.refs == 0 && l.lastSeen.Before(cutoff) {
			delete(s.locks, id)
			n++
		}
	}
	return n
}

// RefreshMetrics publishes the active session count and drops idle lock entries
func (s *Service) RefreshMetrics() {
	active := s.ActiveSessions(30 * time.Minute)
	pruned := s.Prune(24 * time.Hour)
	s.metrics.SetActiveSessions(float64(active))
	s.logger.WithFields(logrus.Fields{
		"active": active,
		"pruned": pruned,
	}).Debug("Session metrics refreshed")
}
