package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors noteboard exports.
// A nil *Metrics is valid; every method is then a no-op.
type Metrics struct {
	syncSaves      *prometheus.CounterVec
	feedDeliveries prometheus.Counter
	openFeeds      prometheus.Gauge
	transitions    *prometheus.CounterVec
	generations    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteboard", Subsystem: "sync", Name: "saves_total",
			Help: "Workspace save attempts by result (ok, failed, skipped).",
		}, []string{"result"}),
		feedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noteboard", Subsystem: "sync", Name: "feed_deliveries_total",
			Help: "Remote snapshots delivered to subscribers.",
		}),
		openFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noteboard", Subsystem: "sync", Name: "open_feeds",
			Help: "Live document feeds currently open.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteboard", Subsystem: "session", Name: "transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noteboard", Subsystem: "genai", Name: "requests_total",
			Help: "Generation requests by operation and result.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(m.syncSaves, m.feedDeliveries, m.openFeeds, m.transitions, m.generations)
	return m
}

func (m *Metrics) SyncSave(result string) {
	if m != nil {
		m.syncSaves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FeedDelivered() {
	if m != nil {
		m.feedDeliveries.Inc()
	}
}

func (m *Metrics) FeedOpened() {
	if m != nil {
		m.openFeeds.Inc()
	}
}

func (m *Metrics) FeedClosed() {
	if m != nil {
		m.openFeeds.Dec()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Generation(op, result string) {
	if m != nil {
		m.generations.WithLabelValues(op, result).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
