// Package metrics exposes coordinator and gateway activity as prometheus
// collectors. Metrics implements domain.Observer.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sipvideoroom/native/internal/domain"
)

const namespace = "sipvideoroom"

type Metrics struct {
	registry *prometheus.Registry

	phases   *prometheus.CounterVec
	feeds    *prometheus.GaugeVec
	rejected *prometheus.CounterVec
	notices  *prometheus.CounterVec
	failures *prometheus.CounterVec
	gateway  *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Session phase transitions by session and target phase.",
		}, []string{"session", "phase"}),
		feeds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_feeds",
			Help:      "Remote feeds currently tracked.",
		}, []string{"session"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeds_rejected_total",
			Help:      "Remote feeds rejected for lack of a free slot.",
		}, []string{"session"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "Informational notices emitted per session.",
		}, []string{"session"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Terminal session failures by error kind.",
		}, []string{"session", "kind"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_messages_total",
			Help:      "Janus envelopes exchanged with the gateway.",
		}, []string{"direction", "janus"}),
	}
	m.registry.MustRegister(m.phases, m.feeds, m.rejected, m.notices, m.failures, m.gateway)
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) PhaseChanged(session string, _, to domain.Phase) {
	m.phases.WithLabelValues(session, string(to)).Inc()
}

func (m *Metrics) FeedChanged(change domain.FeedChange) {
	switch change.Kind {
	case domain.FeedAdded:
		m.feeds.WithLabelValues(change.Session).Inc()
	case domain.FeedRemoved:
		m.feeds.WithLabelValues(change.Session).Dec()
	case domain.FeedRejected:
		m.rejected.WithLabelValues(change.Session).Inc()
	}
}

func (m *Metrics) Notice(session, _ string) {
	m.notices.WithLabelValues(session).Inc()
}

func (m *Metrics) Failed(session string, err error) {
	m.failures.WithLabelValues(session, Kind(err)).Inc()
}

// GatewayMessage counts one envelope; it matches janus.Options.Trace.
func (m *Metrics) GatewayMessage(direction, janus string) {
	m.gateway.WithLabelValues(direction, janus).Inc()
}

// Kind names the error class of err for labelling.
func Kind(err error) string {
	var (
		connErr    *domain.ConnectError
		attachErr  *domain.AttachError
		regErr     *domain.RegistrationFailedError
		negErr     *domain.NegotiationError
		msgErr     *domain.MessageError
		timeoutErr *domain.TimeoutError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &connErr):
		return "connect"
	case errors.As(err, &attachErr):
		return "attach"
	case errors.As(err, &regErr):
		return "registration"
	case errors.As(err, &negErr):
		return "negotiation"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &msgErr):
		return "message"
	}
	return "other"
}
