package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/multibot-chat-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter limits how often a user may start a turn
type RateLimiter interface {
	Allow(userID string) bool
	Reset(userID string)
}

// UserRateLimiter implements per-user rate limiting
type UserRateLimiter struct {
	enabled  bool
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rpm      int
	burst    int
	idleTTL  time.Duration
	logger   *logrus.Logger
	metrics  *Metrics
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig, logger *logrus.Logger, metrics *Metrics) *UserRateLimiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &UserRateLimiter{enabled: false}
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &UserRateLimiter{
		enabled:  true,
		limiters: make(map[string]*limiterEntry),
		rpm:      cfg.RequestsPerMinute,
		burst:    burst,
		idleTTL:  time.Hour,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Allow checks if a user is allowed to make a request
func (r *UserRateLimiter) Allow(userID string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(userID).Allow()
	if !allowed {
		r.metrics.RecordRateLimitExceeded()
		if r.logger != nil {
			r.logger.WithField("user_id", userID).Warn("Rate limit exceeded")
		}
	}
	return allowed
}

// Reset resets the rate limiter for a user
func (r *UserRateLimiter) Reset(userID string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, userID)
	r.mu.Unlock()
}

func (r *UserRateLimiter) getLimiter(userID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.limiters[userID]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(r.rpm) / 60.0
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rps), r.burst)}
		r.limiters[userID] = entry
	}
	entry.lastSeen = r.now()
	return entry.limiter
}

// Cleanup drops limiters idle for longer than the idle TTL and returns how many were removed
func (r *UserRateLimiter) Cleanup() int {
	if !r.enabled {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	removed := 0
	for id, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

// SecurityMiddleware provides input checks for user text
type SecurityMiddleware struct {
	maxBytes int
	logger   *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(maxBytes int, logger *logrus.Logger) *SecurityMiddleware {
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	return &SecurityMiddleware{
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// ValidateInput rejects empty, oversized or malformed user text
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is empty")
	}
	if len(text) > s.maxBytes {
		return fmt.Errorf("message too long: %d bytes", len(text))
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput strips NUL bytes that the chat transport rejects
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
