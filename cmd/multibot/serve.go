package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/multibot-chat-go/internal/handlers"
	"github.com/multibot-chat-go/internal/i18n"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(parent context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting multibot...")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	bot.Debug = cfg.Logging.Level == "debug"
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("initialize i18n: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, log, a.metrics)
	security := middleware.NewSecurityMiddleware(cfg.Bot.MaxInputBytes, log)

	commandHandler := handlers.NewCommandHandler(bot, a.sessions, a.models, localizer, log, a.metrics)
	messageHandler := handlers.NewMessageHandler(bot, bot.Self.UserName, a.sessions, rateLimiter, security, localizer, log, a.metrics)

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(ctx, cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Monitoring.RefreshSchedule, func() {
		a.sessions.RefreshMetrics()
		if n := rateLimiter.Cleanup(); n > 0 {
			log.WithField("limiters", n).Debug("Idle rate limiters dropped")
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", cfg.Monitoring.RefreshSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	updates, shutdownWebhook, err := openUpdates(bot, cfg.Bot.Webhook.Enabled, cfg.Bot.Webhook.URL, cfg.Bot.Webhook.Port, cfg.Bot.UpdateTimeout, log)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case update, ok := <-updates:
			if !ok {
				break loop
			}
			wg.Add(1)
			go func(update tgbotapi.Update) {
				defer wg.Done()
				handleUpdate(ctx, update, commandHandler, messageHandler, a.metrics, log)
			}(update)
		}
	}

	log.Info("Shutdown signal received")
	shutdownWebhook()
	wg.Wait()
	log.Info("Bot stopped")
	return nil
}

// openUpdates starts receiving updates through a webhook or long polling
func openUpdates(bot *tgbotapi.BotAPI, webhook bool, url string, port, timeout int, log *logrus.Logger) (tgbotapi.UpdatesChannel, func(), error) {
	if !webhook {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = timeout
		log.Info("Using long polling")
		return bot.GetUpdatesChan(u), bot.StopReceivingUpdates, nil
	}

	webhookURL := fmt.Sprintf("%s/%s", url, bot.Token)
	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create webhook: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return nil, nil, fmt.Errorf("set webhook: %w", err)
	}

	mux := http.NewServeMux()
	updates := make(chan tgbotapi.Update, bot.Buffer)
	mux.HandleFunc("/"+bot.Token, func(w http.ResponseWriter, r *http.Request) {
		update, err := bot.HandleUpdate(r)
		if err != nil {
			log.WithError(err).Warn("Invalid webhook update")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		select {
		case updates <- *update:
		case <-r.Context().Done():
		}
	})
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Webhook server failed")
		}
	}()
	log.WithField("port", port).Info("Webhook set")

	return updates, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
	}, nil
}

func handleUpdate(ctx context.Context, update tgbotapi.Update, commands *handlers.CommandHandler, messages *handlers.MessageHandler, metrics *middleware.Metrics, log *logrus.Logger) {
	// Handle callback queries
	if update.CallbackQuery != nil {
		if err := commands.HandleCallbackQuery(ctx, update.CallbackQuery); err != nil {
			log.WithError(err).Error("Failed to handle callback query")
		}
		return
	}

	if update.Message == nil {
		return
	}

	var err error
	if update.Message.IsCommand() {
		metrics.RecordCommandExecuted(update.Message.Command())
		err = commands.HandleCommand(ctx, update.Message)
	} else {
		err = messages.HandleMessage(ctx, update.Message)
	}

	if err != nil {
		log.WithError(err).Error("Failed to handle update")
		metrics.RecordMessageProcessed("error")
		return
	}
	metrics.RecordMessageProcessed("success")
}
