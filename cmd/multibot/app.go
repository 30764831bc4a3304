package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/services/ai"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/multibot-chat-go/internal/services/session"
	"github.com/multibot-chat-go/internal/services/storage"
	"github.com/multibot-chat-go/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app holds the services shared by every subcommand
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	metrics  *middleware.Metrics
	store    *storage.Manager
	models   *ai.Factory
	sessions *session.Service
}

// loadApp reads the .env file and the configuration, then wires the session services
func loadApp(cmd *cobra.Command) (*app, error) {
	envFile, _ := cmd.Flags().GetString("env")
	configPath, _ := cmd.Flags().GetString("config")

	// It's okay if .env doesn't exist
	if err := godotenv.Load(envFile); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: .env file not loaded: %v\n", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	metrics := middleware.NewMetrics()

	store, err := storage.NewManager(&cfg.Storage, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	factory := ai.NewFactory(&cfg.Models, cfg.Backend, log, metrics)
	rt := router.New(factory, cfg.Backend.Timeout, log, metrics)

	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		store:    store,
		models:   factory,
		sessions: session.NewService(store, rt, session.NewOptions(cfg), log, metrics),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close storage")
	}
}
