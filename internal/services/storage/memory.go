package storage

import (
	"context"
	"strings"

	"github.com/multibot-chat-go/internal/config"
	"github.com/patrickmn/go-cache"
)

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	sessions *cache.Cache
}

// NewMemoryStorage keeps sessions for cfg.DefaultExpiration; zero keeps them forever
func NewMemoryStorage(cfg config.MemoryConfig) *MemoryStorage {
	expiration := cfg.DefaultExpiration
	if expiration <= 0 {
		expiration = cache.NoExpiration
	}
	return &MemoryStorage{
		sessions: cache.New(expiration, cfg.CleanupInterval),
	}
}

func (m *MemoryStorage) key(userID string) string {
	return "session:" + userID
}

func (m *MemoryStorage) Load(ctx context.Context, userID string) ([]byte, error) {
	if val, found := m.sessions.Get(m.key(userID)); found {
		data := val.([]byte)
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return nil, ErrStateNotFound
}

func (m *MemoryStorage) Save(ctx context.Context, userID string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.sessions.SetDefault(m.key(userID), stored)
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, userID string) error {
	m.sessions.Delete(m.key(userID))
	return nil
}

func (m *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	items := m.sessions.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, strings.TrimPrefix(k, "session:"))
	}
	return keys, nil
}

func (m *MemoryStorage) Close() error {
	m.sessions.Flush()
	return nil
}
