package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// ErrStateNotFound is returned by Load when no snapshot exists for the user
var ErrStateNotFound = errors.New("session state not found")

// Storage persists one opaque session snapshot per user. Save replaces the whole
// snapshot at once; readers never observe a partial write.
type Storage interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, data []byte) error
	Delete(ctx context.Context, userID string) error
	// Keys lists the user ids with a stored snapshot
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Manager manages different storage backends
type Manager struct {
	storage Storage
	kind    string
	logger  *logrus.Logger
	metrics *middleware.Metrics
}

// NewManager creates a new storage manager
func NewManager(cfg *config.StorageConfig, logger *logrus.Logger, metrics *middleware.Metrics) (*Manager, error) {
	var storage Storage

	switch cfg.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "memory":
		storage = NewMemoryStorage(cfg.Memory)
	case "sql":
		sqlStorage, err := NewSQLStorage(cfg.SQL, logger)
		if err != nil {
			return nil, err
		}
		storage = sqlStorage
	case "file":
		fileStorage, err := NewFileStorage(cfg.File.Directory)
		if err != nil {
			return nil, err
		}
		storage = fileStorage
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	logger.WithField("type", cfg.Type).Info("Session storage ready")
	return Wrap(storage, cfg.Type, logger, metrics), nil
}

// Wrap puts an existing backend behind a manager
func Wrap(storage Storage, kind string, logger *logrus.Logger, metrics *middleware.Metrics) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{storage: storage, kind: kind, logger: logger, metrics: metrics}
}

// Kind returns the configured backend type
func (m *Manager) Kind() string {
	return m.kind
}

func (m *Manager) Load(ctx context.Context, userID string) ([]byte, error) {
	start := time.Now()
	data, err := m.storage.Load(ctx, userID)
	m.record("load", err, start)
	return data, err
}

func (m *Manager) Save(ctx context.Context, userID string, data []byte) error {
	start := time.Now()
	err := m.storage.Save(ctx, userID, data)
	m.record("save", err, start)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", userID).Error("Failed to save session state")
	}
	return err
}

func (m *Manager) Delete(ctx context.Context, userID string) error {
	start := time.Now()
	err := m.storage.Delete(ctx, userID)
	m.record("delete", err, start)
	return err
}

func (m *Manager) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := m.storage.Keys(ctx)
	m.record("keys", err, start)
	return keys, err
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

func (m *Manager) record(op string, err error, start time.Time) {
	status := "success"
	switch {
	case errors.Is(err, ErrStateNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.metrics.RecordStorageOperation(op, status, time.Since(start))
}
