package registry

import (
	"errors"
	"testing"

	"github.com/multibot-chat-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(bots []models.Bot) []string {
	out := make([]string, len(bots))
	for i, b := range bots {
		out[i] = b.ID
	}
	return out
}

func TestAddAssignsID(t *testing.T) {
	r := New(nil)

	bot, err := r.Add(models.Bot{Name: "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, bot.ID)

	got, err := r.Get(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	r := New([]models.Bot{{ID: "a"}})

	_, err := r.Add(models.Bot{ID: "a", Name: "again"})
	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "a", conflict.ID)
	assert.Equal(t, 1, r.Len())
}

func TestUpdatePartial(t *testing.T) {
	r := New([]models.Bot{{ID: "a", Name: "Alice", SystemPrompt: "be brief", Enabled: true}})

	name := "Alicia"
	model := "gpt-4o-mini"
	bot, err := r.Update("a", models.BotUpdate{Name: &name, Model: &model})
	require.NoError(t, err)

	assert.Equal(t, "Alicia", bot.Name)
	assert.Equal(t, "be brief", bot.SystemPrompt)
	assert.True(t, bot.Enabled)
	assert.Equal(t, "gpt-4o-mini", bot.Backend.Model)
}

func TestUpdateUnknown(t *testing.T) {
	r := New(nil)
	_, err := r.Update("missing", models.BotUpdate{})
	assert.True(t, models.IsNotFound(err))
}

func TestRemoveKeepsOrder(t *testing.T) {
	r := New([]models.Bot{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	_, err := r.Remove("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(r.List()))

	_, err = r.Remove("b")
	assert.True(t, models.IsNotFound(err))
}

func TestEnabledInRegistryOrder(t *testing.T) {
	r := New([]models.Bot{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: false},
		{ID: "c", Enabled: true},
	})
	assert.Equal(t, []string{"a", "c"}, ids(r.Enabled()))
}

func TestListReturnsCopy(t *testing.T) {
	r := New([]models.Bot{{ID: "a", Name: "Alice"}})
	list := r.List()
	list[0].Name = "mutated"

	got, _ := r.Get("a")
	assert.Equal(t, "Alice", got.Name)
}

func TestReorder(t *testing.T) {
	r := New([]models.Bot{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	require.NoError(t, r.Reorder([]string{"c", "a", "b"}))
	assert.Equal(t, []string{"c", "a", "b"}, ids(r.List()))
}

func TestReorderRejectsBadPermutations(t *testing.T) {
	r := New([]models.Bot{{ID: "a"}, {ID: "b"}})

	var conflict *models.ConflictError
	assert.True(t, errors.As(r.Reorder([]string{"a"}), &conflict))
	assert.True(t, errors.As(r.Reorder([]string{"a", "a"}), &conflict))
	assert.True(t, models.IsNotFound(r.Reorder([]string{"a", "z"})))

	assert.Equal(t, []string{"a", "b"}, ids(r.List()))
}
