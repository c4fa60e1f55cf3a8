package authkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricAccessIssued         = "access.issued"
	metricAccessBlacklisted    = "access.rejected_blacklisted"
	metricAccessBlacklistAdded = "access.blacklist_added"
	metricRefreshIssued        = "refresh.issued"
	metricRefreshRotated       = "refresh.rotated"
	metricRefreshRejected      = "refresh.rejected"
	metricRefreshReuseDetected = "refresh.reuse_detected"
	metricRefreshRevoked       = "refresh.revoked"
	metricPairCompensated      = "pair.compensated"
	metricRecoveryStarted      = "recovery.started"
	metricRecoveryConsumed     = "recovery.consumed"
	metricRecoveryRejected     = "recovery.rejected"
	metricSsoBegun             = "sso.begun"
	metricSsoCompleted         = "sso.completed"
	metricSsoRejected          = "sso.rejected"
	metricRetentionPurged      = "retention.purged"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
	// Add increases the counter by count; non-positive counts are ignored.
	Add(event string, count int64)
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

func (nopMetrics) Add(string, int64) {}

func metricsOrNop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return nopMetrics{}
	}
	return recorder
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Add increases the counter for the given event by count.
func (recorder *CounterMetrics) Add(event string, count int64) {
	if count <= 0 {
		return
	}
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event] += count
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports auth events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the auth event counter with the given registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetauth",
		Name:      "auth_events_total",
		Help:      "Token and session lifecycle events by kind.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Add increases the counter for the given event by count.
func (recorder *PrometheusMetrics) Add(event string, count int64) {
	if count <= 0 {
		return
	}
	recorder.events.WithLabelValues(event).Add(float64(count))
}
