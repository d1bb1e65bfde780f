// Package telemetry provides Prometheus metrics, OpenTelemetry tracing, and correlation-id aware logging helpers.
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
	FetchTotal       *prometheus.CounterVec // label: status (HTTP code or "error")
	DecodeFailures   prometheus.Counter
	RecordsDelivered prometheus.Counter
	Rollovers        prometheus.Counter
	ChatCommands     *prometheus.CounterVec // labels: command, result

	// Histograms (seconds)
	FetchDuration prometheus.Observer
	CycleDuration prometheus.Observer

	// Gauges
	ActivePollers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dat_fetch_total", Help: "Dat retrievals by HTTP status"}, []string{"status"})
		DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "dat_decode_failures_total", Help: "Dat payloads that failed to decompress or transcode"})
		RecordsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "dat_records_delivered_total", Help: "Posts handed to chat channels"})
		Rollovers = promauto.NewCounter(prometheus.CounterOpts{Name: "dat_rollovers_total", Help: "Threads that reached the post limit"})
		ChatCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "dat_chat_commands_total", Help: "Chat commands by name and result"}, []string{"command", "result"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "dat_fetch_duration_seconds", Help: "Dat retrieval duration seconds", Buckets: prometheus.DefBuckets})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "dat_poll_cycle_duration_seconds", Help: "One retrieve and deliver step", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}})
		ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{Name: "dat_active_pollers", Help: "Poll loops currently running"})
	})
}

// ObserveFetch counts one retrieval and records its duration.
func ObserveFetch(status string, d time.Duration) {
	if FetchTotal != nil {
		FetchTotal.WithLabelValues(status).Inc()
	}
	if FetchDuration != nil {
		FetchDuration.Observe(d.Seconds())
	}
}

// IncDecodeFailure counts a payload that could not be decoded.
func IncDecodeFailure() {
	if DecodeFailures != nil {
		DecodeFailures.Inc()
	}
}

// AddDelivered counts posts sent to a channel.
func AddDelivered(n int) {
	if RecordsDelivered != nil && n > 0 {
		RecordsDelivered.Add(float64(n))
	}
}

// IncRollover counts a thread reaching the post limit.
func IncRollover() {
	if Rollovers != nil {
		Rollovers.Inc()
	}
}

// PollerStarted and PollerStopped track running poll loops.
func PollerStarted() {
	if ActivePollers != nil {
		ActivePollers.Inc()
	}
}

func PollerStopped() {
	if ActivePollers != nil {
		ActivePollers.Dec()
	}
}

// CountCommand records a chat command outcome ("ok", "denied", "error", "rejected", "dropped").
func CountCommand(command, result string) {
	if ChatCommands != nil {
		ChatCommands.WithLabelValues(command, result).Inc()
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

// WithCorrelation returns a new context embedding the correlation id.
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
