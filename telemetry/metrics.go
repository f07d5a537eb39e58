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
	WebhookDeliveries  *prometheus.CounterVec // result
	Transitions        *prometheus.CounterVec // kind, outcome
	Announcements      *prometheus.CounterVec // action, outcome
	AnnounceAttempts   *prometheus.CounterVec // action, result
	CircuitTransitions *prometheus.CounterVec // name, from, to
	ReconcileRuns      *prometheus.CounterVec // job, result
	LedgerPruned       prometheus.Counter

	// Histograms (seconds)
	WebhookDuration  prometheus.Observer
	AnnounceDuration prometheus.Observer
	SerializerWait   prometheus.Observer

	// Gauges
	PendingAnnouncements  prometheus.Gauge
	InflightAnnouncements prometheus.Gauge
	ActiveChannels        prometheus.Gauge
	CircuitState          *prometheus.GaugeVec // name; 0=closed 1=half-open 2=open
	DBOpenConnections     prometheus.Gauge
	DBInUseConnections    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_webhook_deliveries_total", Help: "EventSub deliveries by result"}, []string{"result"})
		Transitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_stream_transitions_total", Help: "State machine transitions by event kind and outcome"}, []string{"kind", "outcome"})
		Announcements = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_announcements_total", Help: "Announcement syncs by action and terminal outcome"}, []string{"action", "outcome"})
		AnnounceAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_announce_attempts_total", Help: "Individual Discord calls by action and result"}, []string{"action", "result"})
		CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_circuit_transitions_total", Help: "Circuit breaker state transitions"}, []string{"name", "from", "to"})
		ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "stitch_reconcile_runs_total", Help: "Background reconcile passes by job and result"}, []string{"job", "result"})
		LedgerPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "stitch_ledger_pruned_total", Help: "Expired delivery records removed"})
		WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_webhook_duration_seconds", Help: "Time to answer a webhook delivery", Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}})
		AnnounceDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_announce_duration_seconds", Help: "Time spent syncing one announcement including retries", Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 15, 30, 60, 120}})
		SerializerWait = promauto.NewHistogram(prometheus.HistogramOpts{Name: "stitch_serializer_wait_seconds", Help: "Time waiting for a channel's serializer", Buckets: prometheus.DefBuckets})
		PendingAnnouncements = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_announcements_pending", Help: "Streams flagged announcement-pending at the last reconcile pass"})
		InflightAnnouncements = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_announcements_inflight", Help: "Announcement syncs currently running"})
		ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_serializer_active_channels", Help: "Channels whose serializer slot is held or waited on"})
		CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "stitch_circuit_state", Help: "Circuit breaker state closed=0 half-open=1 open=2"}, []string{"name"})
		DBOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_db_open_connections", Help: "Open database connections"})
		DBInUseConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "stitch_db_in_use_connections", Help: "Database connections in use"})
	})
}

// Label values are only recorded after Init; before that every helper is a no-op.

// CountDelivery increments the webhook delivery counter for result.
func CountDelivery(result string) {
	if WebhookDeliveries != nil {
		WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

// CountTransition records one state machine outcome.
func CountTransition(kind, outcome string) {
	if Transitions != nil {
		Transitions.WithLabelValues(kind, outcome).Inc()
	}
}

// CountAnnouncement records the terminal outcome of one sync.
func CountAnnouncement(action, outcome string) {
	if Announcements != nil {
		Announcements.WithLabelValues(action, outcome).Inc()
	}
}

// CountAnnounceAttempt records one Discord call.
func CountAnnounceAttempt(action, result string) {
	if AnnounceAttempts != nil {
		AnnounceAttempts.WithLabelValues(action, result).Inc()
	}
}

// CountReconcile records one background pass.
func CountReconcile(job, result string) {
	if ReconcileRuns != nil {
		ReconcileRuns.WithLabelValues(job, result).Inc()
	}
}

// AddLedgerPruned adds n evicted ledger rows.
func AddLedgerPruned(n int64) {
	if LedgerPruned != nil && n > 0 {
		LedgerPruned.Add(float64(n))
	}
}

// SetPending records the number of announcement-pending streams.
func SetPending(n int) {
	if PendingAnnouncements != nil {
		PendingAnnouncements.Set(float64(n))
	}
}

// AddInflight adjusts the running announcement gauge.
func AddInflight(delta int) {
	if InflightAnnouncements != nil {
		InflightAnnouncements.Add(float64(delta))
	}
}

// SetActiveChannels records how many channel slots the serializer holds.
func SetActiveChannels(n int) {
	if ActiveChannels != nil {
		ActiveChannels.Set(float64(n))
	}
}

// SetCircuitState sets the gauge for a named breaker from its state string.
func SetCircuitState(name, state string) {
	if CircuitState == nil {
		return
	}
	v := -1.0
	switch state {
	case "closed":
		v = 0
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(name).Set(v)
}

// RecordCircuitStateChange counts a transition and updates the state gauge.
func RecordCircuitStateChange(name, from, to string) {
	if CircuitTransitions != nil {
		CircuitTransitions.WithLabelValues(name, from, to).Inc()
	}
	SetCircuitState(name, to)
}

// UpdateDatabasePoolMetrics records sql.DBStats pool usage.
func UpdateDatabasePoolMetrics(open, inUse int) {
	if DBOpenConnections != nil {
		DBOpenConnections.Set(float64(open))
		DBInUseConnections.Set(float64(inUse))
	}
}

// Observe records d in obs if obs is non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	Observe(obs, d)
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
	if s, ok := ctx.Value(corrKey).(string); ok {
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
