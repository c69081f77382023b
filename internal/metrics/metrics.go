// Package metrics exposes Prometheus instruments for the connection hub.
//
// All methods are safe to call on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devdash"

// Metrics holds the hub's metric instruments.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	disconnectionsTotal *prometheus.CounterVec
	connectionsCurrent  prometheus.Gauge
	subscriptionsActive prometheus.Gauge

	messagesReceived *prometheus.CounterVec
	messagesSent     prometheus.Counter
	messagesDropped  *prometheus.CounterVec
	broadcastFanout  prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on a fresh registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Total number of accepted WebSocket connections.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_rejected_total",
			Help:      "Connections refused before registration, by reason.",
		}, []string{"reason"}),
		disconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "disconnections_total",
			Help:      "Connections removed from the hub, by close reason.",
		}, []string{"reason"}),
		connectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Currently registered connections.",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Active (connection, event type) subscriptions.",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_received_total",
			Help:      "Inbound envelopes, by message type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_sent_total",
			Help:      "Envelopes queued for delivery to connections.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcast_fanout",
			Help:      "Number of connections reached per broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionsTotal,
		m.connectionsRejected,
		m.disconnectionsTotal,
		m.connectionsCurrent,
		m.subscriptionsActive,
		m.messagesReceived,
		m.messagesSent,
		m.messagesDropped,
		m.broadcastFanout,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsCurrent.Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.disconnectionsTotal.WithLabelValues(reason).Inc()
	m.connectionsCurrent.Dec()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// SetSubscriptions records the current number of subscriptions.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptionsActive.Set(float64(n))
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

// Broadcast records how many connections one broadcast reached.
func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(delivered))
}
