package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the chat server.
type Collector struct {
	// Registry is exposed so the API server can serve it and tests
	// can use a private registry.
	Registry *prometheus.Registry

	connectionsOpen  prometheus.Gauge
	groups           prometheus.Gauge
	messagesTotal    *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	authFailures     prometheus.Counter
	dispatchDuration prometheus.Histogram
}

// New creates a Collector registered with its own registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "litechat_connections_open",
			Help: "Number of live TCP connections, authenticated or not",
		}),
		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "litechat_groups",
			Help: "Number of named groups currently existing",
		}),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "litechat_messages_total",
				Help: "Messages delivered, by kind",
			},
			[]string{"kind"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "litechat_commands_total",
				Help: "Slash commands dispatched, by token",
			},
			[]string{"command"},
		),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litechat_auth_failures_total",
			Help: "Failed register/login attempts",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "litechat_dispatch_duration_seconds",
			Help:    "Duration of command dispatch on a worker",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
	}

	c.Registry.MustRegister(
		c.connectionsOpen,
		c.groups,
		c.messagesTotal,
		c.commandsTotal,
		c.authFailures,
		c.dispatchDuration,
	)
	return c
}

// ConnectionOpened increments the open-connection gauge.
func (c *Collector) ConnectionOpened() {
	c.connectionsOpen.Inc()
}

// ConnectionClosed decrements the open-connection gauge.
func (c *Collector) ConnectionClosed() {
	c.connectionsOpen.Dec()
}

// SetGroups records the current group count.
func (c *Collector) SetGroups(n int) {
	c.groups.Set(float64(n))
}

// MessageDelivered counts one delivered message. kind is one of
// "broadcast", "whisper", or "group".
func (c *Collector) MessageDelivered(kind string) {
	c.messagesTotal.WithLabelValues(kind).Inc()
}

// CommandDispatched counts one slash command by token.
func (c *Collector) CommandDispatched(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// AuthFailure counts one failed register/login attempt.
func (c *Collector) AuthFailure() {
	c.authFailures.Inc()
}

// DispatchDuration observes how long a worker spent on one message.
func (c *Collector) DispatchDuration(d time.Duration) {
	c.dispatchDuration.Observe(d.Seconds())
}
