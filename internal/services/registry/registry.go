package registry

import (
	"github.com/google/uuid"
	"github.com/multibot-chat-go/internal/models"
)

// Registry holds a user's bots in registry order.
// Registry order is also the relay order of group turns.
// It is not safe for concurrent use; the session serializes access.
type Registry struct {
	bots []models.Bot
}

// New creates a registry from bots in their stored order
func New(bots []models.Bot) *Registry {
	r := &Registry{bots: make([]models.Bot, len(bots))}
	copy(r.bots, bots)
	return r
}

// Add registers a bot, assigning a fresh id when it has none
func (r *Registry) Add(bot models.Bot) (models.Bot, error) {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	if r.index(bot.ID) >= 0 {
		return models.Bot{}, &models.ConflictError{Entity: "bot", ID: bot.ID}
	}
	r.bots = append(r.bots, bot)
	return bot, nil
}

// Update applies a partial update to the bot with the given id
func (r *Registry) Update(id string, upd models.BotUpdate) (models.Bot, error) {
	i := r.index(id)
	if i < 0 {
		return models.Bot{}, &models.NotFoundError{Entity: "bot", ID: id}
	}
	upd.Apply(&r.bots[i])
	return r.bots[i], nil
}

// Remove deletes the bot from the registry
func (r *Registry) Remove(id string) (models.Bot, error) {
	i := r.index(id)
	if i < 0 {
		return models.Bot{}, &models.NotFoundError{Entity: "bot", ID: id}
	}
	removed := r.bots[i]
	r.bots = append(r.bots[:i], r.bots[i+1:]...)
	return removed, nil
}

// Get returns the bot with the given id
func (r *Registry) Get(id string) (models.Bot, error) {
	i := r.index(id)
	if i < 0 {
		return models.Bot{}, &models.NotFoundError{Entity: "bot", ID: id}
	}
	return r.bots[i], nil
}

// List returns every bot in registry order
func (r *Registry) List() []models.Bot {
	out := make([]models.Bot, len(r.bots))
	copy(out, r.bots)
	return out
}

// Enabled returns the enabled bots in registry order
func (r *Registry) Enabled() []models.Bot {
	out := make([]models.Bot, 0, len(r.bots))
	for _, b := range r.bots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Len returns the number of registered bots
func (r *Registry) Len() int {
	return len(r.bots)
}

// Reorder rearranges the registry; ids must be a permutation of the registered ids
func (r *Registry) Reorder(ids []string) error {
	if len(ids) != len(r.bots) {
		return &models.ConflictError{Entity: "bot order", Reason: "must list every bot exactly once"}
	}

	seen := make(map[string]bool, len(ids))
	reordered := make([]models.Bot, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return &models.ConflictError{Entity: "bot order", ID: id, Reason: "listed twice"}
		}
		seen[id] = true

		i := r.index(id)
		if i < 0 {
			return &models.NotFoundError{Entity: "bot", ID: id}
		}
		reordered = append(reordered, r.bots[i])
	}

	r.bots = reordered
	return nil
}

func (r *Registry) index(id string) int {
	for i := range r.bots {
		if r.bots[i].ID == id {
			return i
		}
	}
	return -1
}
