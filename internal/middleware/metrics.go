package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibot_messages_received_total",
		Help: "Total number of user messages received",
	}, []string{"mode"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibot_messages_processed_total",
		Help: "Total number of user messages processed",
	}, []string{"status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// Backend metrics
	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multibot_backend_request_duration_seconds",
		Help:    "Duration of bot backend requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode", "status"})

	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibot_backend_requests_total",
		Help: "Total number of bot backend requests",
	}, []string{"mode", "status"})

	// Client cache metrics
	clientCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multibot_client_cache_hits_total",
		Help: "Total number of backend client cache hits",
	})

	clientCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multibot_client_cache_misses_total",
		Help: "Total number of backend client cache misses",
	})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multibot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multibot_storage_operations_total",
		Help: "Total number of session storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "multibot_storage_operation_duration_seconds",
		Help:    "Duration of session storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multibot_active_sessions",
		Help: "Number of sessions held in memory",
	})
)

// Metrics provides methods to record metrics. A nil *Metrics records nothing.
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received user message
func (m *Metrics) RecordMessageReceived(mode string) {
	if m == nil {
		return
	}
	messagesReceived.WithLabelValues(mode).Inc()
}

// RecordMessageProcessed records a processed user message
func (m *Metrics) RecordMessageProcessed(status string) {
	if m == nil {
		return
	}
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	if m == nil {
		return
	}
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordBackendRequest records one bot backend call
func (m *Metrics) RecordBackendRequest(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	backendRequestDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	backendRequestsTotal.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) RecordClientCacheHit() {
	if m == nil {
		return
	}
	clientCacheHits.Inc()
}

func (m *Metrics) RecordClientCacheMiss() {
	if m == nil {
		return
	}
	clientCacheMisses.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	if m == nil {
		return
	}
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveSessions sets the number of sessions held in memory
func (m *Metrics) SetActiveSessions(count float64) {
	if m == nil {
		return
	}
	activeSessions.Set(count)
}

// NewMetricsRouter builds the metrics and health HTTP handler
func NewMetricsRouter(path string) http.Handler {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}

// StartMetricsServer serves metrics until ctx is cancelled
func StartMetricsServer(ctx context.Context, port int, path string) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
