// Package metrics holds LangMate's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "langmate"

// Metrics groups the collectors of the messaging core and its bindings.
type Metrics struct {
	MessagesAppended prometheus.Counter
	AppendRetries    prometheus.Counter
	AppendFailures   prometheus.Counter
	RecordFailures   prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	SendLatency      prometheus.Histogram
	WSConnections    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages durably appended to the message log.",
		}),
		AppendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_retries_total",
			Help:      "Append attempts retried after a transient storage failure.",
		}),
		AppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_failures_total",
			Help:      "Sends that failed with unavailable after exhausting append retries.",
		}),
		RecordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_failures_total",
			Help:      "Appended messages whose conversation summary update failed.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events that could not be delivered, by stage.",
		}, []string{"stage"}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of the send operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Active websocket connections.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.MessagesAppended, m.AppendRetries, m.AppendFailures, m.RecordFailures,
		m.EventsDropped, m.SendLatency, m.WSConnections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler returns an http.Handler for Prometheus scraping of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Appended() {
	if m != nil {
		m.MessagesAppended.Inc()
	}
}

func (m *Metrics) AppendRetried() {
	if m != nil {
		m.AppendRetries.Inc()
	}
}

func (m *Metrics) AppendFailed() {
	if m != nil {
		m.AppendFailures.Inc()
	}
}

func (m *Metrics) RecordFailed() {
	if m != nil {
		m.RecordFailures.Inc()
	}
}

// EventDropped counts an undelivered event at stage ("publish", "fanout", "decode").
func (m *Metrics) EventDropped(stage string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ObserveSend(d time.Duration) {
	if m != nil {
		m.SendLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.WSConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.WSConnections.Dec()
	}
}
