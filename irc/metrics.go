package irc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the abstract sink the pool and its connections report to.
// It is never required: every operation works identically with the
// no-op default. Implementations must be safe for concurrent use.
type Metrics interface {
	ConnectionCreated()
	ConnectionFailed()
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(command string)
	MessageSent(command string)
	ChannelsGauge(count int)
}

// noopMetrics discards everything; it is the default Metrics for a Pool
// that does not opt in to instrumentation.
type noopMetrics struct{}

func (noopMetrics) ConnectionCreated()             {}
func (noopMetrics) ConnectionFailed()              {}
func (noopMetrics) ConnectionOpened()              {}
func (noopMetrics) ConnectionClosed()              {}
func (noopMetrics) MessageReceived(command string) {}
func (noopMetrics) MessageSent(command string)     {}
func (noopMetrics) ChannelsGauge(count int)        {}

// PrometheusMetrics implements Metrics on top of client_golang,
// registering the exact series spec'd: counters
// twitchirc_connections_created/failed, gauges twitchirc_channels and
// twitchirc_connections_open, and per-command counters
// twitchirc_messages_received/sent. ConstLabels carries the user's
// opt-in label set (metrics_config); no label is mandatory.
type PrometheusMetrics struct {
	connectionsCreated prometheus.Counter
	connectionsFailed  prometheus.Counter
	connectionsOpen    prometheus.Gauge
	channels           prometheus.Gauge
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
}

// NewPrometheusMetrics registers the twitchirc_* series on reg with the
// given constant labels, and returns a Metrics backed by them. Passing
// the global prometheus.DefaultRegisterer is the common case.
func NewPrometheusMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		connectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "twitchirc_connections_created",
			Help:        "Total number of connections the pool has attempted to open.",
			ConstLabels: constLabels,
		}),
		connectionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "twitchirc_connections_failed",
			Help:        "Total number of connections that closed with an error.",
			ConstLabels: constLabels,
		}),
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "twitchirc_connections_open",
			Help:        "Number of connections currently in the Open state.",
			ConstLabels: constLabels,
		}),
		channels: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "twitchirc_channels",
			Help:        "Number of channels currently in wanted_channels.",
			ConstLabels: constLabels,
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "twitchirc_messages_received",
			Help:        "Total number of inbound IRC messages, by command.",
			ConstLabels: constLabels,
		}, []string{"command"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "twitchirc_messages_sent",
			Help:        "Total number of outbound IRC messages, by command.",
			ConstLabels: constLabels,
		}, []string{"command"}),
	}
}

func (m *PrometheusMetrics) ConnectionCreated()  { m.connectionsCreated.Inc() }
func (m *PrometheusMetrics) ConnectionFailed()   { m.connectionsFailed.Inc() }
func (m *PrometheusMetrics) ConnectionOpened()   { m.connectionsOpen.Inc() }
func (m *PrometheusMetrics) ConnectionClosed()   { m.connectionsOpen.Dec() }
func (m *PrometheusMetrics) MessageReceived(command string) {
	m.messagesReceived.WithLabelValues(command).Inc()
}
func (m *PrometheusMetrics) MessageSent(command string) {
	m.messagesSent.WithLabelValues(command).Inc()
}
func (m *PrometheusMetrics) ChannelsGauge(count int) { m.channels.Set(float64(count)) }
