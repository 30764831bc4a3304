package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Models     ModelsConfig     `mapstructure:"models"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Chat       ChatConfig       `mapstructure:"chat"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type BotConfig struct {
	Token         string        `mapstructure:"token"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	UpdateTimeout int           `mapstructure:"update_timeout"`
	MaxInputBytes int           `mapstructure:"max_input_bytes"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Port    int    `mapstructure:"port"`
}

// ModelsConfig lists the endpoint presets a bot may reference by name
type ModelsConfig struct {
	Default   string          `mapstructure:"default"`
	Endpoints []ModelEndpoint `mapstructure:"endpoints"`
}

type ModelEndpoint struct {
	Name        string      `mapstructure:"name"`
	DisplayName string      `mapstructure:"display_name"`
	BaseURL     string      `mapstructure:"base_url"`
	APIKey      string      `mapstructure:"api_key"`
	Models      []ModelInfo `mapstructure:"models"`
}

type ModelInfo struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type BackendConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	ClientTTL    time.Duration `mapstructure:"client_ttl"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
	SQL    SQLConfig    `mapstructure:"sql"`
	File   FileStorage  `mapstructure:"file"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type FileStorage struct {
	Directory string `mapstructure:"directory"`
}

// ChatConfig holds the defaults for new sessions
type ChatConfig struct {
	ForceSystemPrompt  string      `mapstructure:"force_system_prompt"`
	HistoryLength      int         `mapstructure:"history_length"`
	GroupHistoryLength int         `mapstructure:"group_history_length"`
	GroupRelayPrompt   string      `mapstructure:"group_relay_prompt"`
	MaxHistoryLength   int         `mapstructure:"max_history_length"`
	EnablePolicy       string      `mapstructure:"enable_policy"`
	DefaultPage        string      `mapstructure:"default_page"`
	DefaultBots        []BotPreset `mapstructure:"default_bots"`
}

type BotPreset struct {
	Name         string  `mapstructure:"name"`
	Avatar       string  `mapstructure:"avatar"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Model        string  `mapstructure:"model"`
	Temperature  float32 `mapstructure:"temperature"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics         MetricsConfig `mapstructure:"metrics"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.update_timeout", 60)
	v.SetDefault("bot.max_input_bytes", 4096)

	v.SetDefault("backend.timeout", 90*time.Second)
	v.SetDefault("backend.max_retries", 3)
	v.SetDefault("backend.retry_backoff", 2*time.Second)
	v.SetDefault("backend.max_parallel", 4)
	v.SetDefault("backend.client_ttl", 30*time.Minute)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.key_prefix", "multibot")
	v.SetDefault("storage.sql.driver", "sqlite")
	v.SetDefault("storage.sql.dsn", "multibot.sqlite")
	v.SetDefault("storage.file.directory", "user_config")

	v.SetDefault("chat.history_length", 10)
	v.SetDefault("chat.group_history_length", 10)
	v.SetDefault("chat.max_history_length", 20)
	v.SetDefault("chat.enable_policy", "preserve")
	v.SetDefault("chat.default_page", "main_page")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("monitoring.refresh_schedule", "@every 1m")

	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en", "zh"})
	v.SetDefault("i18n.directory", "configs/i18n")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// Enable environment variable substitution
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.BindEnv("bot.token", "BOT_TOKEN")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")
	v.BindEnv("storage.sql.dsn", "SQL_DSN")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := v.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	config.Models.Endpoints = append(config.Models.Endpoints, endpointsFromEnv()...)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// endpointsFromEnv reads CUSTOM_ENDPOINTS=a,b with A_BASE_URL, A_API_KEY and A_MODELS=id[:name],...
func endpointsFromEnv() []ModelEndpoint {
	customEndpoints := os.Getenv("CUSTOM_ENDPOINTS")
	if customEndpoints == "" {
		return nil
	}

	var endpoints []ModelEndpoint
	for _, endpointName := range strings.Split(customEndpoints, ",") {
		endpointName = strings.TrimSpace(endpointName)
		if endpointName == "" {
			continue
		}

		envPrefix := strings.ToUpper(strings.ReplaceAll(endpointName, "-", "_"))
		baseURL := os.Getenv(envPrefix + "_BASE_URL")
		apiKey := os.Getenv(envPrefix + "_API_KEY")
		if baseURL == "" || apiKey == "" {
			continue
		}

		endpoint := ModelEndpoint{
			Name:        endpointName,
			DisplayName: endpointName,
			BaseURL:     baseURL,
			APIKey:      apiKey,
		}

		for _, modelStr := range strings.Split(os.Getenv(envPrefix+"_MODELS"), ",") {
			modelStr = strings.TrimSpace(modelStr)
			if modelStr == "" {
				continue
			}
			parts := strings.SplitN(modelStr, ":", 2)
			model := ModelInfo{ID: parts[0], Name: parts[0]}
			if len(parts) == 2 {
				model.Name = parts[1]
			}
			endpoint.Models = append(endpoint.Models, model)
		}

		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}

	switch cfg.Storage.Type {
	case "redis", "memory", "sql", "file":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	switch cfg.Chat.EnablePolicy {
	case "preserve", "participation":
	default:
		return fmt.Errorf("unknown enable policy: %s", cfg.Chat.EnablePolicy)
	}

	if cfg.Chat.MaxHistoryLength < 1 {
		return fmt.Errorf("chat.max_history_length must be positive")
	}
	for name, n := range map[string]int{
		"chat.history_length":       cfg.Chat.HistoryLength,
		"chat.group_history_length": cfg.Chat.GroupHistoryLength,
	} {
		if n < 1 || n > cfg.Chat.MaxHistoryLength {
			return fmt.Errorf("%s must be within [1, %d]", name, cfg.Chat.MaxHistoryLength)
		}
	}

	seen := make(map[string]bool)
	for _, ep := range cfg.Models.Endpoints {
		if ep.Name == "" || ep.BaseURL == "" {
			return fmt.Errorf("endpoint name and base_url are required")
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint: %s", ep.Name)
		}
		seen[ep.Name] = true
	}
	return nil
}

// Endpoint returns the preset with the given name
func (c *ModelsConfig) Endpoint(name string) (*ModelEndpoint, bool) {
	for i := range c.Endpoints {
		if c.Endpoints[i].Name == name {
			return &c.Endpoints[i], true
		}
	}
	return nil, false
}
