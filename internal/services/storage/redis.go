package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/multibot-chat-go/internal/config"
	"github.com/sirupsen/logrus"
)

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisStorage(cfg config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: logger,
	}, nil
}

func (r *RedisStorage) key(userID string) string {
	if r.prefix == "" {
		return fmt.Sprintf("session:%s", userID)
	}
	return fmt.Sprintf("%s:session:%s", r.prefix, userID)
}

func (r *RedisStorage) Load(ctx context.Context, userID string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save writes the snapshot with a single SET, which Redis applies atomically
func (r *RedisStorage) Save(ctx context.Context, userID string, data []byte) error {
	return r.client.Set(ctx, r.key(userID), data, 0).Err() // No expiration for sessions
}

func (r *RedisStorage) Delete(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.key(userID)).Err()
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	pattern := r.key("*")
	base := strings.TrimSuffix(pattern, "*")

	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), base))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
