package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"

	"github.com/multibot-chat-go/internal/config"
	"github.com/multibot-chat-go/internal/middleware"
	"github.com/multibot-chat-go/internal/models"
	"github.com/multibot-chat-go/internal/services/router"
	"github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ModelOption represents a model offered by a configured endpoint
type ModelOption struct {
	ID           string
	Name         string
	EndpointName string
	MaxTokens    int
}

// Factory resolves bot backends against the configured endpoint presets
type Factory struct {
	endpoints  map[string]*config.ModelEndpoint
	order      []string
	defaults   string
	backend    config.BackendConfig
	clients    *cache.Cache
	httpClient *http.Client
	logger     *logrus.Logger
	metrics    *middleware.Metrics
}

// NewFactory creates a backend factory
func NewFactory(cfg *config.ModelsConfig, backend config.BackendConfig, logger *logrus.Logger, metrics *middleware.Metrics) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	endpoints := make(map[string]*config.ModelEndpoint)
	var order []string
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		endpoints[ep.Name] = ep
		order = append(order, ep.Name)

		logger.WithFields(logrus.Fields{
			"endpoint": ep.Name,
			"baseURL":  ep.BaseURL,
			"models":   len(ep.Models),
		}).Debug("Loading endpoint")
	}

	ttl := backend.ClientTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}

	logger.WithField("endpointCount", len(endpoints)).Info("Backend factory initialized")

	return &Factory{
		endpoints:  endpoints,
		order:      order,
		defaults:   cfg.Default,
		backend:    backend,
		clients:    cache.New(ttl, ttl*2),
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    metrics,
	}
}

// ForBot returns a backend bound to the bot's endpoint and model parameters
func (f *Factory) ForBot(bot models.Bot) (router.Backend, error) {
	params := bot.Backend
	if params.Model == "" {
		params.Model = f.defaults
	}
	if params.Model == "" {
		return nil, fmt.Errorf("bot %s has no model configured", bot.ID)
	}

	baseURL, apiKey, err := f.resolve(params)
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", bot.ID, err)
	}

	return &Client{
		api:        f.client(baseURL, apiKey),
		endpoint:   baseURL,
		params:     params,
		maxRetries: f.backend.MaxRetries,
		backoff:    f.backend.RetryBackoff,
		logger:     f.logger,
	}, nil
}

// resolve maps a preset name or a raw URL to a base URL and credential.
// A credential set on the bot wins over the preset's.
func (f *Factory) resolve(params models.BackendParams) (string, string, error) {
	switch {
	case isURL(params.Endpoint):
		return params.Endpoint, params.APIKey, nil
	case params.Endpoint == "":
		ep := f.presetServing(params.Model)
		if ep == nil {
			return "", "", fmt.Errorf("no endpoint configured for model %s", params.Model)
		}
		return ep.BaseURL, firstNonEmpty(params.APIKey, ep.APIKey), nil
	default:
		ep, ok := f.endpoints[params.Endpoint]
		if !ok {
			return "", "", fmt.Errorf("endpoint not found: %s", params.Endpoint)
		}
		return ep.BaseURL, firstNonEmpty(params.APIKey, ep.APIKey), nil
	}
}

// presetServing returns the first preset listing model, else the first preset
func (f *Factory) presetServing(model string) *config.ModelEndpoint {
	for _, name := range f.order {
		for _, m := range f.endpoints[name].Models {
			if m.ID == model {
				return f.endpoints[name]
			}
		}
	}
	if len(f.order) > 0 {
		return f.endpoints[f.order[0]]
	}
	return nil
}

func (f *Factory) client(baseURL, apiKey string) *openai.Client {
	key := f.generateKey(baseURL, apiKey)
	if val, found := f.clients.Get(key); found {
		f.metrics.RecordClientCacheHit()
		return val.(*openai.Client)
	}
	f.metrics.RecordClientCacheMiss()

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = f.httpClient
	client := openai.NewClientWithConfig(cfg)

	f.clients.SetDefault(key, client)
	f.logger.WithField("baseURL", baseURL).Debug("Backend client created")
	return client
}

// generateKey keeps credentials out of the cache keys
func (f *Factory) generateKey(baseURL, apiKey string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", baseURL, apiKey)))
	return hex.EncodeToString(hash[:])
}

// AvailableModels lists the models of every preset, ordered by endpoint then model id
func (f *Factory) AvailableModels() []ModelOption {
	var out []ModelOption
	for _, name := range f.order {
		var opts []ModelOption
		for _, m := range f.endpoints[name].Models {
			opts = append(opts, ModelOption{
				ID:           m.ID,
				Name:         m.Name,
				EndpointName: name,
				MaxTokens:    m.MaxTokens,
			})
		}
		sort.Slice(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
		out = append(out, opts...)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
