// Package metrics exposes Prometheus collectors for presence and fan-out.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "noticeboard"

// Metrics groups the service's collectors.
type Metrics struct {
	reg prometheus.Registerer

	broadcasts   *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	sendFailures *prometheus.CounterVec
	closes       *prometheus.CounterVec
	posted       prometheus.Counter
	storeErrors  *prometheus.CounterVec
	rejected     prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast events dispatched, by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Payloads queued to channels, by kind.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Payloads that could not be queued to a channel, by kind.",
		}, []string{"kind"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_closes_total",
			Help:      "Channel closes, by reason.",
		}, []string{"reason"}),
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_posted_total",
			Help:      "Notifications persisted and broadcast.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Notification store failures, by operation.",
		}, []string{"op"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_rejected_total",
			Help:      "Channel opens rejected for capacity or missing session.",
		}),
	}
	reg.MustRegister(m.broadcasts, m.deliveries, m.sendFailures, m.closes, m.posted, m.storeErrors, m.rejected)
	return m
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the exposition format.
func Handler(r *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{
		Registry:          r,
		EnableOpenMetrics: true,
	})
}

// TrackPresence exports identity and channel gauges read from counts.
func (m *Metrics) TrackPresence(counts func() (identities, channels int)) {
	if m == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities_online",
			Help:      "Identities with at least one open channel.",
		}, func() float64 {
			n, _ := counts()
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Open channels.",
		}, func() float64 {
			_, n := counts()
			return float64(n)
		}),
	)
}

// TrackSessions exports the live session gauge read from count.
func (m *Metrics) TrackSessions(count func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions held by the registry.",
	}, func() float64 { return float64(count()) }))
}

// Broadcast records one dispatch and its per-channel outcome.
func (m *Metrics) Broadcast(kind string, delivered, failed int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
	m.deliveries.WithLabelValues(kind).Add(float64(delivered))
	m.sendFailures.WithLabelValues(kind).Add(float64(failed))
}

// ChannelClosed records a channel close.
func (m *Metrics) ChannelClosed(reason string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason).Inc()
}

// ChannelRejected records a refused channel open.
func (m *Metrics) ChannelRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

// NotificationPosted records a persisted notification.
func (m *Metrics) NotificationPosted() {
	if m == nil {
		return
	}
	m.posted.Inc()
}

// StoreError records a failed store operation.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
