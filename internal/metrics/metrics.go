// Package metrics exposes Prometheus instrumentation for a coop session.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "coopsync").
	Namespace string
	// Registry receives the collectors. A nil registry leaves them unregistered.
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors shared by transport, dispatcher and bulk
// transfer.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	queueDrops     *prometheus.CounterVec
	rtt            prometheus.Gauge
	applied        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	held           prometheus.Gauge
	transfers      *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	sessions       *prometheus.CounterVec
}

// New creates the collectors.
func New(opts ...Option) *Metrics {
	config := Config{Namespace: "coopsync"}
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transport", Name: "frames_sent_total",
			Help: "Frames written to the peer",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transport", Name: "frames_received_total",
			Help: "Frames read from the peer",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transport", Name: "bytes_sent_total",
			Help: "Bytes written to the peer, headers included",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "transport", Name: "bytes_received_total",
			Help: "Bytes read from the peer",
		}),
		queueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "drops_total",
			Help: "Messages dropped because a queue was full",
		}, []string{"queue"}),
		rtt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "heartbeat", Name: "rtt_seconds",
			Help: "Last measured round-trip time",
		}),
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dispatch", Name: "applied_total",
			Help: "Messages applied by the dispatcher",
		}, []string{"kind"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dispatch", Name: "dropped_total",
			Help: "Messages discarded by the dispatcher",
		}, []string{"reason"}),
		held: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "dispatch", Name: "held",
			Help: "Messages waiting for a precondition",
		}),
		transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bulk", Name: "transfers_total",
			Help: "Bulk transfers by direction and outcome",
		}, []string{"direction", "result"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bulk", Name: "bytes_total",
			Help: "Snapshot bytes moved by bulk transfer",
		}, []string{"direction"}),
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "session", Name: "ended_total",
			Help: "Sessions ended by role and cause",
		}, []string{"role", "cause"}),
	}
}

func (m *Metrics) FrameSent(n int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) FrameReceived(n int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) QueueDrop(queue string) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(queue).Inc()
}

func (m *Metrics) RTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Set(d.Seconds())
}

func (m *Metrics) Applied(kind string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Held(n int) {
	if m == nil {
		return
	}
	m.held.Set(float64(n))
}

func (m *Metrics) Transfer(direction, result string, bytes int) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(direction, result).Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) SessionEnded(role, cause string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role, cause).Inc()
}
