package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/multibot-chat-go/internal/services/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage(config.MemoryConfig{})
	rt := router.New(newScripted(), time.Second, nil, nil)
	return NewService(store, rt, testOptions(), nil, nil), store
}

func TestWithSessionPersists(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.WithSession(ctx, "u", func(m *Manager) error {
		_, err := m.AddBot(models.Bot{ID: "a", Name: "A", Enabled: true})
		return err
	}))
	require.NoError(t, svc.WithSession(ctx, "u", func(m *Manager) error {
		_, err := m.SendUserMessage(ctx, "hi")
		return err
	}))

	state, err := svc.Inspect(ctx, "u")
	require.NoError(t, err)
	require.Len(t, state.Bots, 1)
	assert.Len(t, state.HistoryVersions[0].Histories["a"], 2)
}

func TestWithSessionReturnsFnError(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.WithSession(context.Background(), "u", func(m *Manager) error {
		_, err := m.SwitchHistoryVersion(models.ModePrivate, 5)
		return err
	})
	var rangeErr *models.RangeError
	assert.True(t, errors.As(err, &rangeErr))
}

func TestWithSessionDoesNotOverwriteCorruptState(t *testing.T) {
	svc, store := newTestService(t)
	require.NoError(t, store.Save(context.Background(), "u", []byte("garbage")))

	called := false
	err := svc.WithSession(context.Background(), "u", func(*Manager) error {
		called = true
		return nil
	})
	var integrity *models.IntegrityError
	assert.True(t, errors.As(err, &integrity))
	assert.False(t, called)

	raw, _ := store.Load(context.Background(), "u")
	assert.Equal(t, "garbage", string(raw))

	require.NoError(t, svc.Reset(context.Background(), "u"))
	assert.NoError(t, svc.WithSession(context.Background(), "u", func(*Manager) error { return nil }))
}

func TestWithSessionSerializesPerUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.WithSession(ctx, "u", func(m *Manager) error {
				_, err := m.AddBot(models.Bot{Name: "bot", Enabled: true})
				return err
			}))
		}()
	}
	wg.Wait()

	state, err := svc.Inspect(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, state.Bots, 20, "no update is lost")
}

func TestWithSessionHonoursContext(t *testing.T) {
	svc, _ := newTestService(t)
	hold := make(chan struct{})
	started := make(chan struct{})
	go svc.WithSession(context.Background(), "u", func(*Manager) error {
		close(started)
		<-hold
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := svc.WithSession(ctx, "u", func(*Manager) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestActiveSessionsAndPrune(t *testing.T) {
	svc, _ := newTestService(t)
	now := testNow
	svc.opts.Now = func() time.Time { return now }

	require.NoError(t, svc.WithSession(context.Background(), "old", func(*Manager) error { return nil }))
	now = now.Add(2 * time.Hour)
	require.NoError(t, svc.WithSession(context.Background(), "new", func(*Manager) error { return nil }))

	assert.Equal(t, 1, svc.ActiveSessions(time.Hour))
	assert.Equal(t, 2, svc.ActiveSessions(3*time.Hour))
	assert.Equal(t, 1, svc.Prune(time.Hour))
	assert.NotPanics(t, svc.RefreshMetrics)
}

func TestNewOptions(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{MaxParallel: 3},
		Chat: config.ChatConfig{
			HistoryLength:      4,
			GroupHistoryLength: 6,
			GroupRelayPrompt:   "relay",
			MaxHistoryLength:   20,
			EnablePolicy:       "participation",
			DefaultPage:        "group_page",
			DefaultBots:        []config.BotPreset{{Name: "Helper", Enabled: true, Model: "m"}},
		},
	}

	opts := NewOptions(cfg)
	assert.Equal(t, 4, opts.Defaults.HistoryLength)
	assert.Equal(t, "relay", opts.Defaults.GroupRelayPrompt)
	assert.Equal(t, PolicyParticipation, opts.EnablePolicy)
	assert.Equal(t, models.PageGroup, opts.DefaultPage)
	require.Len(t, opts.DefaultBots, 1)
	assert.NotEmpty(t, opts.DefaultBots[0].ID)
	assert.Equal(t, "m", opts.DefaultBots[0].Backend.Model)
}
