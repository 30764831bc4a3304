package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/multibot-chat-go/internal/services/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	mu      sync.Mutex
	replies map[string]func(history []models.Message, user string) (string, error)
	seen    map[string][][]models.Message
}

func newScripted() *scripted {
	return &scripted{
		replies: make(map[string]func([]models.Message, string) (string, error)),
		seen:    make(map[string][][]models.Message),
	}
}

func (s *scripted) ForBot(bot models.Bot) (router.Backend, error) {
	return backendFunc(func(_ context.Context, h []models.Message, user string) (string, error) {
		s.mu.Lock()
		s.seen[bot.ID] = append(s.seen[bot.ID], h)
		fn, ok := s.replies[bot.ID]
		s.mu.Unlock()
		if !ok {
			return bot.Name + " says hi", nil
		}
		return fn(h, user)
	}), nil
}

type backendFunc func(ctx context.Context, h []models.Message, user string) (string, error)

func (f backendFunc) Send(ctx context.Context, _ string, h []models.Message, user string) (string, error) {
	return f(ctx, h, user)
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Defaults:         models.ChatConfig{HistoryLength: 10, GroupHistoryLength: 10},
		MaxHistoryLength: 20,
		MaxParallel:      4,
		Now:              func() time.Time { return testNow },
	}
}

func newTestManager(t *testing.T, backends *scripted, opts Options) (*Manager, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage(config.MemoryConfig{})
	rt := router.New(backends, time.Second, nil, nil)
	rt.SetClock(opts.Now)
	return New("u1", store, rt, opts, nil), store
}

func addBots(t *testing.T, m *Manager, names ...string) []models.Bot {
	t.Helper()
	var out []models.Bot
	for _, n := range names {
		b, err := m.AddBot(models.Bot{ID: strings.ToLower(n), Name: n, Enabled: true})
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestFreshSession(t *testing.T) {
	opts := testOptions()
	opts.DefaultBots = []models.Bot{{ID: "d1", Name: "Default", Enabled: true}}
	m, _ := newTestManager(t, newScripted(), opts)

	require.NoError(t, m.Load(context.Background()))
	assert.Len(t, m.Bots(), 1)
	assert.Equal(t, models.PageMain, m.LastVisitedPage())
	assert.Equal(t, 10, m.ChatConfig().HistoryLength)
	assert.Len(t, m.HistoryVersions(models.ModePrivate), 1)
	assert.Len(t, m.HistoryVersions(models.ModeGroup), 1)
}

func TestSendUserMessage(t *testing.T) {
	backends := newScripted()
	m, _ := newTestManager(t, backends, testOptions())
	addBots(t, m, "A", "B")

	outcomes, err := m.SendUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "a", outcomes[0].Bot.ID)
	assert.Equal(t, "b", outcomes[1].Bot.ID)

	for _, id := range []string{"a", "b"} {
		seq, err := m.CurrentHistoryFor(id)
		require.NoError(t, err)
		require.Len(t, seq, 2)
		assert.Equal(t, models.RoleUser, seq[0].Role)
		assert.Equal(t, "hello", seq[0].Content)
		assert.Equal(t, models.RoleAssistant, seq[1].Role)
		assert.Equal(t, id, seq[1].BotID)
	}

	participants, err := m.ParticipatingBots(0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, participants)
}

func TestSendUserMessageSeesOwnHistoryOnly(t *testing.T) {
	backends := newScripted()
	m, _ := newTestManager(t, backends, testOptions())
	addBots(t, m, "A", "B")

	_, err := m.SendUserMessage(context.Background(), "first")
	require.NoError(t, err)
	_, err = m.SendUserMessage(context.Background(), "second")
	require.NoError(t, err)

	backends.mu.Lock()
	defer backends.mu.Unlock()
	require.Len(t, backends.seen["a"], 2)
	assert.Empty(t, backends.seen["a"][0])
	assert.Equal(t, []string{"first", "A says hi"}, contents(backends.seen["a"][1]))
}

func TestSendUserMessagePartialFailure(t *testing.T) {
	backends := newScripted()
	backends.replies["b"] = func([]models.Message, string) (string, error) { return "", errors.New("down") }
	m, _ := newTestManager(t, backends, testOptions())
	addBots(t, m, "A", "B", "C")

	outcomes, err := m.SendUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.NotNil(t, outcomes[0].Reply)
	assert.NotNil(t, outcomes[2].Reply)

	var backendErr *models.BackendError
	require.True(t, errors.As(outcomes[1].Err, &backendErr))
	assert.Equal(t, "b", backendErr.BotID)

	seqB, _ := m.CurrentHistoryFor("b")
	assert.Equal(t, []string{"hello"}, contents(seqB), "failed bot keeps the prompt but gets no reply")
	seqC, _ := m.CurrentHistoryFor("c")
	assert.Len(t, seqC, 2)
}

func TestSendUserMessageRunsConcurrently(t *testing.T) {
	backends := newScripted()
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	slow := func([]models.Message, string) (string, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		return "done", nil
	}
	backends.replies["a"] = slow
	backends.replies["b"] = slow

	opts := testOptions()
	opts.MaxParallel = 2
	m, _ := newTestManager(t, backends, opts)
	addBots(t, m, "A", "B")

	done := make(chan struct{})
	go func() {
		m.SendUserMessage(context.Background(), "go")
		close(done)
	}()

	require.Eventually(t, func() bool { return peak.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	<-done
}

func TestSendNoOps(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())

	_, err := m.SendUserMessage(context.Background(), "hello")
	assert.True(t, models.IsNoOp(err), "no enabled bots")

	addBots(t, m, "A")
	_, err = m.SendUserMessage(context.Background(), "   ")
	assert.True(t, models.IsNoOp(err), "empty prompt")
	_, err = m.SendGroupMessage(context.Background(), "")
	assert.True(t, models.IsNoOp(err))
}

func TestSendGroupMessage(t *testing.T) {
	backends := newScripted()
	m, _ := newTestManager(t, backends, testOptions())
	addBots(t, m, "A", "B")
	_, err := m.UpdateBot("b", models.BotUpdate{Enabled: boolPtr(false)})
	require.NoError(t, err)
	addBots(t, m, "C")

	outcomes, err := m.SendGroupMessage(context.Background(), "P")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, []string{"P", "A says hi", "C says hi"}, contents(m.GroupHistory()))

	// private histories are untouched by group turns
	seq, err := m.CurrentHistoryFor("a")
	require.NoError(t, err)
	assert.Empty(t, seq)
}

func TestRemoveBotCascade(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())
	addBots(t, m, "A", "X")
	_, err := m.SendUserMessage(context.Background(), "one")
	require.NoError(t, err)
	_, err = m.SendGroupMessage(context.Background(), "group")
	require.NoError(t, err)
	_, err = m.CreateNewHistoryVersion(models.ModePrivate, "")
	require.NoError(t, err)
	_, err = m.SendUserMessage(context.Background(), "two")
	require.NoError(t, err)

	require.NoError(t, m.RemoveBot("x"))

	for _, v := range m.HistoryVersions(models.ModePrivate) {
		parts, err := m.ParticipatingBots(v.Index)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, parts)
	}
	_, err = m.CurrentHistoryFor("x")
	assert.True(t, models.IsNotFound(err))
	assert.Contains(t, contents(m.GroupHistory()), "X says hi", "group messages are kept")

	assert.True(t, models.IsNotFound(m.RemoveBot("x")))
}

func TestClearSemantics(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())
	addBots(t, m, "A")
	_, err := m.SendUserMessage(context.Background(), "p")
	require.NoError(t, err)
	_, err = m.SendGroupMessage(context.Background(), "g")
	require.NoError(t, err)
	_, err = m.CreateNewHistoryVersion(models.ModeGroup, "")
	require.NoError(t, err)

	m.ClearAllHistories()
	assert.Len(t, m.HistoryVersions(models.ModePrivate), 1)
	assert.Equal(t, 0, m.CurrentVersionIndex(models.ModePrivate))
	seq, _ := m.CurrentHistoryFor("a")
	assert.Empty(t, seq)
	assert.Len(t, m.HistoryVersions(models.ModeGroup), 2, "group untouched")

	m.ClearAllGroupHistories()
	assert.Len(t, m.HistoryVersions(models.ModeGroup), 1)
	assert.Empty(t, m.GroupHistory())
}

func TestCreateVersionBranchGuard(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())
	addBots(t, m, "A")

	_, err := m.CreateNewHistoryVersion(models.ModePrivate, "")
	assert.True(t, models.IsNoOp(err))
	_, err = m.CreateNewHistoryVersion(models.ModeGroup, "")
	assert.True(t, models.IsNoOp(err))

	_, err = m.SendUserMessage(context.Background(), "p")
	require.NoError(t, err)
	i, err := m.CreateNewHistoryVersion(models.ModePrivate, "next")
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Equal(t, "next", m.HistoryVersions(models.ModePrivate)[1].Name)
	assert.Equal(t, "2024-06-01 12:00:00", m.HistoryVersions(models.ModePrivate)[0].Name)
}

func TestSwitchHistoryVersionPolicies(t *testing.T) {
	for _, tt := range []struct {
		policy   EnablePolicy
		enabledB bool
	}{
		{PolicyPreserve, true},
		{PolicyParticipation, false},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			opts := testOptions()
			opts.EnablePolicy = tt.policy
			m, _ := newTestManager(t, newScripted(), opts)
			addBots(t, m, "A", "B")
			_, err := m.UpdateBot("b", models.BotUpdate{Enabled: boolPtr(false)})
			require.NoError(t, err)

			_, err = m.SendUserMessage(context.Background(), "only a")
			require.NoError(t, err)
			_, err = m.UpdateBot("b", models.BotUpdate{Enabled: boolPtr(true)})
			require.NoError(t, err)
			_, err = m.CreateNewHistoryVersion(models.ModePrivate, "")
			require.NoError(t, err)

			participants, err := m.SwitchHistoryVersion(models.ModePrivate, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, participants)
			assert.Equal(t, 0, m.CurrentVersionIndex(models.ModePrivate))

			b, err := m.Bot("b")
			require.NoError(t, err)
			assert.Equal(t, tt.enabledB, b.Enabled)
			a, _ := m.Bot("a")
			assert.True(t, a.Enabled)
		})
	}
}

func TestSwitchHistoryVersionRange(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())
	var rangeErr *models.RangeError

	_, err := m.SwitchHistoryVersion(models.ModePrivate, 3)
	assert.True(t, errors.As(err, &rangeErr))
	_, err = m.SwitchHistoryVersion(models.ModeGroup, -1)
	assert.True(t, errors.As(err, &rangeErr))
}

func TestUpdateChatConfigMerge(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())

	cfg, err := m.UpdateChatConfig(models.ChatConfigUpdate{ForceSystemPrompt: strPtr("be brief")})
	require.NoError(t, err)
	assert.Equal(t, "be brief", cfg.ForceSystemPrompt)
	assert.Equal(t, 10, cfg.HistoryLength, "keys not provided are kept")

	cfg, err = m.UpdateChatConfig(models.ChatConfigUpdate{GroupHistoryLength: intPtr(5), GroupRelayPrompt: strPtr("next")})
	require.NoError(t, err)
	assert.Equal(t, "be brief", cfg.ForceSystemPrompt)
	assert.Equal(t, 5, cfg.GroupHistoryLength)

	_, err = m.UpdateChatConfig(models.ChatConfigUpdate{HistoryLength: intPtr(21), ForceSystemPrompt: strPtr("lost")})
	var rangeErr *models.RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, "be brief", m.ChatConfig().ForceSystemPrompt, "invalid update changes nothing")

	_, err = m.AddBot(models.Bot{Name: "W", HistoryLength: 30})
	assert.True(t, errors.As(err, &rangeErr))
}

func TestLastVisitedPage(t *testing.T) {
	m, _ := newTestManager(t, newScripted(), testOptions())
	require.NoError(t, m.SetLastVisitedPage(models.PageGroup))
	assert.Equal(t, models.PageGroup, m.LastVisitedPage())
	assert.True(t, models.IsNotFound(m.SetLastVisitedPage("settings_page")))
}

func TestPersistenceRoundTrip(t *testing.T) {
	backends := newScripted()
	m, store := newTestManager(t, backends, testOptions())
	addBots(t, m, "A", "B")
	_, err := m.SendUserMessage(context.Background(), "hello")
	require.NoError(t, err)
	_, err = m.SendGroupMessage(context.Background(), "group")
	require.NoError(t, err)
	_, err = m.UpdateChatConfig(models.ChatConfigUpdate{GroupRelayPrompt: strPtr("go on")})
	require.NoError(t, err)
	require.NoError(t, m.SetLastVisitedPage(models.PageGroup))
	require.NoError(t, m.Save(context.Background()))

	restored := New("u1", store, router.New(backends, time.Second, nil, nil), testOptions(), nil)
	require.NoError(t, restored.Load(context.Background()))
	require.NoError(t, restored.Load(context.Background()), "load is idempotent")

	before, after := m.State(), restored.State()
	assert.Equal(t, before, after)
	assert.Equal(t, models.PageGroup, restored.LastVisitedPage())
}

func TestLoadAfterLoweringMaxHistoryLength(t *testing.T) {
	backends := newScripted()
	m, store := newTestManager(t, backends, testOptions())
	addBots(t, m, "A")
	_, err := m.AddBot(models.Bot{ID: "b", Name: "B", Enabled: true, HistoryLength: 15})
	require.NoError(t, err)
	ten := 10
	_, err = m.UpdateChatConfig(models.ChatConfigUpdate{HistoryLength: &ten, GroupHistoryLength: &ten})
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := m.SendUserMessage(context.Background(), "hello")
		require.NoError(t, err)
		_, err = m.SendGroupMessage(context.Background(), "hello all")
		require.NoError(t, err)
	}
	require.NoError(t, m.Save(context.Background()))

	opts := testOptions()
	opts.MaxHistoryLength = 5
	rt := router.New(backends, time.Second, nil, nil)
	rt.SetClock(opts.Now)
	reloaded := New("u1", store, rt, opts, nil)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, 10, reloaded.ChatConfig().HistoryLength, "stored settings are kept")

	_, err = reloaded.SendUserMessage(context.Background(), "again")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		seen := backends.seen[id]
		assert.Len(t, seen[len(seen)-1], 5, "window of %s is capped", id)
	}

	_, err = reloaded.SendGroupMessage(context.Background(), "group")
	require.NoError(t, err)
	seen := backends.seen["a"]
	assert.Len(t, seen[len(seen)-1], 5, "group window is capped")
}

func TestLoadRejectsCorruptState(t *testing.T) {
	valid := func() models.SessionState {
		m, _ := newTestManager(t, newScripted(), testOptions())
		addBots(t, m, "A")
		_, err := m.SendUserMessage(context.Background(), "x")
		require.NoError(t, err)
		return m.State()
	}

	tests := []struct {
		name   string
		mutate func(s *models.SessionState)
	}{
		{"current index out of range", func(s *models.SessionState) { s.CurrentHistory = 4 }},
		{"no private versions", func(s *models.SessionState) { s.HistoryVersions = nil }},
		{"group index negative", func(s *models.SessionState) { s.CurrentGroupHistory = -1 }},
		{"duplicate bot", func(s *models.SessionState) { s.Bots = append(s.Bots, s.Bots[0]) }},
		{"empty bot id", func(s *models.SessionState) { s.Bots[0].ID = "" }},
		{"participant without history", func(s *models.SessionState) {
			s.HistoryVersions[0].Participants = append(s.HistoryVersions[0].Participants, "ghost")
		}},
		{"history without participant", func(s *models.SessionState) { s.HistoryVersions[0].Participants = nil }},
		{"bad role", func(s *models.SessionState) { s.HistoryVersions[0].Histories["a"][0].Role = "system" }},
		{"zero window", func(s *models.SessionState) { s.ChatConfig.HistoryLength = 0 }},
		{"negative bot window", func(s *models.SessionState) { s.Bots[0].HistoryLength = -1 }},
		{"unknown page", func(s *models.SessionState) { s.LastVisitedPage = "settings" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := valid()
			tt.mutate(&state)
			data, err := json.Marshal(state)
			require.NoError(t, err)

			store := storage.NewMemoryStorage(config.MemoryConfig{})
			require.NoError(t, store.Save(context.Background(), "u1", data))
			m := New("u1", store, nil, testOptions(), nil)

			var integrity *models.IntegrityError
			require.True(t, errors.As(m.Load(context.Background()), &integrity))
			assert.Equal(t, "u1", integrity.UserID)

			raw, err := store.Load(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, data, raw, "corrupt state is never repaired")
		})
	}

	t.Run("undecodable", func(t *testing.T) {
		store := storage.NewMemoryStorage(config.MemoryConfig{})
		require.NoError(t, store.Save(context.Background(), "u1", []byte("{not json")))
		var integrity *models.IntegrityError
		assert.True(t, errors.As(New("u1", store, nil, testOptions(), nil).Load(context.Background()), &integrity))
	})
}

func boolPtr(b bool) *bool    { return &b }
func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }
