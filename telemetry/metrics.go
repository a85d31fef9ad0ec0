// Package telemetry provides Prometheus metrics, OpenTelemetry spans and
// correlation-id aware logging helpers.
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
	RecordsStored     *prometheus.CounterVec // by event_type
	DecodeFailures    prometheus.Counter
	NormalizeFailures *prometheus.CounterVec // by event_type
	WriteFailures     prometheus.Counter
	ConnectAttempts   *prometheus.CounterVec // by result
	Reconnects        prometheus.Counter
	SessionPanics     prometheus.Counter

	// Histograms (seconds)
	AppendDuration  prometheus.Observer
	ConnectDuration prometheus.Observer

	// Gauges
	SessionsByPhase  *prometheus.GaugeVec
	DegradedSessions prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RecordsStored = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kickchat_records_stored_total", Help: "Records persisted, by event type"}, []string{"event_type"})
		DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "kickchat_decode_failures_total", Help: "Inbound frames that could not be decoded"})
		NormalizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kickchat_normalize_failures_total", Help: "Recognized events with an unexpected payload shape"}, []string{"event_type"})
		WriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "kickchat_write_failures_total", Help: "Records dropped after exhausting write retries"})
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "kickchat_connect_attempts_total", Help: "Transport open attempts, by result"}, []string{"result"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "kickchat_reconnects_total", Help: "Transitions into backoff"})
		SessionPanics = promauto.NewCounter(prometheus.CounterOpts{Name: "kickchat_session_panics_total", Help: "Recovered session goroutine panics"})
		AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kickchat_append_duration_seconds", Help: "Storage append latency", Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "kickchat_connect_duration_seconds", Help: "Transport open latency", Buckets: prometheus.DefBuckets})
		SessionsByPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "kickchat_sessions", Help: "Current sessions by lifecycle phase"}, []string{"phase"})
		DegradedSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "kickchat_sessions_degraded", Help: "Sessions whose storage writes are failing"})
	})
}

// RecordStored counts one persisted record.
func RecordStored(eventType string) {
	if RecordsStored != nil {
		RecordsStored.WithLabelValues(eventType).Inc()
	}
}

// RecordDecodeFailure counts one undecodable frame.
func RecordDecodeFailure() {
	if DecodeFailures != nil {
		DecodeFailures.Inc()
	}
}

// RecordNormalizeFailure counts one rejected payload.
func RecordNormalizeFailure(eventType string) {
	if NormalizeFailures != nil {
		NormalizeFailures.WithLabelValues(eventType).Inc()
	}
}

// RecordWriteFailure counts one dropped record.
func RecordWriteFailure() {
	if WriteFailures != nil {
		WriteFailures.Inc()
	}
}

// RecordConnect counts an open attempt and its latency.
func RecordConnect(ok bool, d time.Duration) {
	if ConnectAttempts != nil {
		result := "error"
		if ok {
			result = "ok"
		}
		ConnectAttempts.WithLabelValues(result).Inc()
	}
	if ConnectDuration != nil {
		ConnectDuration.Observe(d.Seconds())
	}
}

// RecordReconnect counts one entry into backoff.
func RecordReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// RecordSessionPanic counts one recovered panic.
func RecordSessionPanic() {
	if SessionPanics != nil {
		SessionPanics.Inc()
	}
}

// ObserveAppend records storage append latency.
func ObserveAppend(d time.Duration) {
	if AppendDuration != nil {
		AppendDuration.Observe(d.Seconds())
	}
}

// SessionPhaseChange moves one session between phase gauges. Empty from or
// to means the session is entering or leaving the registry.
func SessionPhaseChange(from, to string) {
	if SessionsByPhase == nil {
		return
	}
	if from != "" {
		SessionsByPhase.WithLabelValues(from).Dec()
	}
	if to != "" {
		SessionsByPhase.WithLabelValues(to).Inc()
	}
}

// SetDegraded adjusts the degraded-session gauge.
func SetDegraded(degraded bool) {
	if DegradedSessions == nil {
		return
	}
	if degraded {
		DegradedSessions.Inc()
	} else {
		DegradedSessions.Dec()
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
