package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/multibot-chat-go/internal/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// UserState is one persisted session snapshot
type UserState struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Data      []byte
	UpdatedAt time.Time
}

// SQLStorage implements storage on a relational database through gorm
type SQLStorage struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSQLStorage opens the configured driver and migrates the schema
func NewSQLStorage(cfg config.SQLConfig, logger *logrus.Logger) (*SQLStorage, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// one connection keeps an in-memory database alive and serialises writers
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQLStorageFromDB(db, logger)
}

// NewSQLStorageFromDB wraps an open gorm connection
func NewSQLStorageFromDB(db *gorm.DB, logger *logrus.Logger) (*SQLStorage, error) {
	if err := db.AutoMigrate(&UserState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}
	return &SQLStorage{db: db, logger: logger}, nil
}

func (s *SQLStorage) Load(ctx context.Context, userID string) ([]byte, error) {
	var row UserState
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state of %s: %w", userID, err)
	}
	return row.Data, nil
}

// Save upserts the snapshot row in one statement
func (s *SQLStorage) Save(ctx context.Context, userID string, data []byte) error {
	row := UserState{UserID: userID, Data: data, UpdatedAt: time.Now()}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("failed to save state of %s: %w", userID, result.Error)
	}
	return nil
}

func (s *SQLStorage) Delete(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&UserState{}).Error
}

func (s *SQLStorage) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&UserState{}).Order("user_id").Pluck("user_id", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the database connection
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
