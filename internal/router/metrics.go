package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	failovers         *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	mirrorFailures    *prometheus.CounterVec
	updatesApplied    *prometheus.CounterVec
	updatesDropped    *prometheus.CounterVec
	bootstrapFailures *prometheus.CounterVec
	routedShards      *prometheus.GaugeVec
}

// NewMetrics creates the router collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Router operations by outcome.",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "framedb",
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Router operation latency including failover.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "router",
			Name:      "failovers_total",
			Help:      "Shard attempts abandoned for the next fallback after a connection failure.",
		}, []string{"op"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "router",
			Name:      "rejected_frames_total",
			Help:      "Frames refused by admission validation.",
		}, []string{"source"}),
		mirrorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "router",
			Name:      "mirror_failures_total",
			Help:      "Asynchronous mirror writes that failed.",
		}, []string{"source"}),
		updatesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "routing",
			Name:      "updates_applied_total",
			Help:      "Membership update commands applied to the routing table.",
		}, []string{"source", "command"}),
		updatesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "routing",
			Name:      "updates_dropped_total",
			Help:      "Membership update messages dropped as malformed.",
		}, []string{"source"}),
		bootstrapFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "framedb",
			Subsystem: "routing",
			Name:      "bootstrap_failures_total",
			Help:      "Failed full loads of a source's shard list.",
		}, []string{"source"}),
		routedShards: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "framedb",
			Subsystem: "routing",
			Name:      "shards",
			Help:      "Shards currently routed per source.",
		}, []string{"source"}),
	}
}

func (m *Metrics) observe(op, result string, start time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) failover(op string) {
	if m != nil {
		m.failovers.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) reject(sourceID string) {
	if m != nil {
		m.rejected.WithLabelValues(sourceID).Inc()
	}
}

func (m *Metrics) mirrorFailed(sourceID string) {
	if m != nil {
		m.mirrorFailures.WithLabelValues(sourceID).Inc()
	}
}

func (m *Metrics) updateApplied(sourceID, command string) {
	if m != nil {
		m.updatesApplied.WithLabelValues(sourceID, command).Inc()
	}
}

func (m *Metrics) updateDropped(sourceID string) {
	if m != nil {
		m.updatesDropped.WithLabelValues(sourceID).Inc()
	}
}

func (m *Metrics) bootstrapFailed(sourceID string) {
	if m != nil {
		m.bootstrapFailures.WithLabelValues(sourceID).Inc()
	}
}

func (m *Metrics) setShards(sourceID string, n int) {
	if m != nil {
		m.routedShards.WithLabelValues(sourceID).Set(float64(n))
	}
}

func (m *Metrics) forget(sourceID string) {
	if m != nil {
		m.routedShards.DeleteLabelValues(sourceID)
	}
}
