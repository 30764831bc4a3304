package storage

import (
	"context"
	"errors"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	sqlStorage, err := NewSQLStorage(config.SQLConfig{Driver: "sqlite", DSN: ":memory:"}, logrus.New())
	require.NoError(t, err)
	t.Cleanup(func() { sqlStorage.Close() })

	fileStorage, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	out := map[string]Storage{
		"memory": NewMemoryStorage(config.MemoryConfig{}),
		"sql":    sqlStorage,
		"file":   fileStorage,
	}

	if addr := os.Getenv("MULTIBOT_TEST_REDIS_ADDR"); addr != "" {
		redisStorage, err := NewRedisStorage(config.RedisConfig{Addr: addr, KeyPrefix: "multibot-test-" + time.Now().Format("150405.000")}, logrus.New())
		require.NoError(t, err)
		t.Cleanup(func() { redisStorage.Close() })
		out["redis"] = redisStorage
	}
	return out
}

func TestStorageContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "nobody")
			assert.True(t, errors.Is(err, ErrStateNotFound))

			require.NoError(t, s.Save(ctx, "42", []byte(`{"v":1}`)))
			data, err := s.Load(ctx, "42")
			require.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(data))

			require.NoError(t, s.Save(ctx, "42", []byte(`{"v":2}`)))
			data, err = s.Load(ctx, "42")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(data), "save replaces the snapshot")

			require.NoError(t, s.Save(ctx, "user/with:odd chars", []byte(`{}`)))
			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			sort.Strings(keys)
			assert.Equal(t, []string{"42", "user/with:odd chars"}, keys)

			require.NoError(t, s.Delete(ctx, "42"))
			_, err = s.Load(ctx, "42")
			assert.True(t, errors.Is(err, ErrStateNotFound))
			assert.NoError(t, s.Delete(ctx, "42"), "deleting a missing state is not an error")
		})
	}
}

func TestMemoryStorageCopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(config.MemoryConfig{})
	data := []byte("abc")
	require.NoError(t, s.Save(ctx, "u", data))
	data[0] = 'x'

	got, err := s.Load(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStorageLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "u", []byte("x")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "75.json", entries[0].Name())
}

func TestNewSQLStorageUnknownDriver(t *testing.T) {
	_, err := NewSQLStorage(config.SQLConfig{Driver: "oracle"}, logrus.New())
	assert.Error(t, err)
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(&config.StorageConfig{Type: "memory"}, logrus.New(), middleware.NewMetrics())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "memory", m.Kind())
	_, err = m.Load(ctx, "u")
	assert.True(t, errors.Is(err, ErrStateNotFound))

	require.NoError(t, m.Save(ctx, "u", []byte("state")))
	got, err := m.Load(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "state", string(got))

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, keys)

	_, err = NewManager(&config.StorageConfig{Type: "tape"}, logrus.New(), nil)
	assert.Error(t, err)
}
