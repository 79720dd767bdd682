// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesProcessed  prometheus.Counter
	Verdicts           *prometheus.CounterVec // by rule type
	ActionsExecuted    prometheus.Counter
	ActionsFailed      prometheus.Counter
	ClassifierFailures prometheus.Counter
	ScanCycles         prometheus.Counter
	ScanErrors         prometheus.Counter

	// Histograms (seconds)
	EvaluateDuration prometheus.Observer
	ScanDuration     prometheus.Observer

	// Gauges
	TrackedUsersGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{Name: "mod_messages_processed_total", Help: "Chat messages handled by the moderation coordinator"})
		Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "mod_verdicts_total", Help: "Moderation verdicts by triggering rule"}, []string{"rule"})
		ActionsExecuted = promauto.NewCounter(prometheus.CounterOpts{Name: "mod_actions_executed_total", Help: "Moderation actions executed successfully"})
		ActionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "mod_actions_failed_total", Help: "Moderation actions that failed at the platform API"})
		ClassifierFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "mod_classifier_failures_total", Help: "Toxicity classifier timeouts/errors (failed open)"})
		ScanCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "detect_scan_cycles_total", Help: "Streaming-account detection scans completed"})
		ScanErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "detect_scan_errors_total", Help: "Per-member errors during detection scans"})
		EvaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "mod_evaluate_duration_seconds", Help: "Rule evaluation duration seconds", Buckets: prometheus.DefBuckets})
		ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "detect_scan_duration_seconds", Help: "Detection scan duration seconds", Buckets: prometheus.DefBuckets})
		TrackedUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "detect_tracked_users", Help: "Active tracked streaming accounts across guilds"})
	})
}

// SetTrackedUsers records the current active tracked-user count.
func SetTrackedUsers(n int) {
	if TrackedUsersGauge != nil {
		TrackedUsersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
