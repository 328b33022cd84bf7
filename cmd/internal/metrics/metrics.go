// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. All methods are safe on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	ConnectionsOnline prometheus.Gauge
	MessagesSent      prometheus.Counter
	MessagesDelivered prometheus.Counter
	EventsDropped     *prometheus.CounterVec
	WSEvents          *prometheus.CounterVec
	FriendRequests    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: g,
		ConnectionsOnline: f.NewGauge(prometheus.GaugeOpts{
			Name: "murmur_connections_online",
			Help: "Current number of registered realtime connections",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "murmur_messages_sent_total",
			Help: "Total number of chat messages stored",
		}),
		MessagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "murmur_messages_delivered_total",
			Help: "Total number of chat messages pushed to a live connection",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_events_dropped_total",
			Help: "Total number of outbound events that could not be enqueued",
		}, []string{"type"}),
		WSEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_ws_events_total",
			Help: "Total number of inbound realtime events by type",
		}, []string{"type"}),
		FriendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_friend_requests_total",
			Help: "Total number of friend request transitions by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnectionsOnline(n int) {
	if m == nil || m.ConnectionsOnline == nil {
		return
	}
	m.ConnectionsOnline.Set(float64(n))
}

func (m *Metrics) MessageSent() {
	if m == nil || m.MessagesSent == nil {
		return
	}
	m.MessagesSent.Inc()
}

func (m *Metrics) MessageDelivered() {
	if m == nil || m.MessagesDelivered == nil {
		return
	}
	m.MessagesDelivered.Inc()
}

func (m *Metrics) EventDropped(typ string) {
	if m == nil || m.EventsDropped == nil {
		return
	}
	m.EventsDropped.WithLabelValues(typ).Inc()
}

func (m *Metrics) WSEvent(typ string) {
	if m == nil || m.WSEvents == nil {
		return
	}
	m.WSEvents.WithLabelValues(typ).Inc()
}

// FriendRequest records a request transition: sent, accepted or rejected.
func (m *Metrics) FriendRequest(outcome string) {
	if m == nil || m.FriendRequests == nil {
		return
	}
	m.FriendRequests.WithLabelValues(outcome).Inc()
}
