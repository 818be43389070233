// Package metrics exposes protocol counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one running service. All recorder methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	FrameErrors     prometheus.Counter
	RangeErrors     prometheus.Counter
	CommandRetries  prometheus.Counter
	Commands        *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	Handshakes      *prometheus.CounterVec
	SessionReady    prometheus.Gauge
	PairingActive   prometheus.Gauge
	QueueDepth      prometheus.Gauge
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duofern_frames_received_total",
			Help: "Frames received from the stick by kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duofern_frames_sent_total",
			Help: "Frames written to the stick by kind.",
		}, []string{"kind"}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duofern_frame_errors_total",
			Help: "Malformed inbound chunks dropped while resynchronising.",
		}),
		RangeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duofern_status_range_errors_total",
			Help: "Status reports dropped because a position was out of range.",
		}),
		CommandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duofern_command_retries_total",
			Help: "Command retransmissions after an ACK timeout.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duofern_commands_total",
			Help: "Completed commands by result.",
		}, []string{"result"}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "duofern_command_duration_seconds",
			Help:    "Time from first transmission to ACK or failure.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "duofern_handshakes_total",
			Help: "Handshake attempts by result.",
		}, []string{"result"}),
		SessionReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duofern_session_ready",
			Help: "1 while the stick session is ready for commands.",
		}),
		PairingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duofern_pairing_active",
			Help: "1 while a pairing or unpairing window is open.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "duofern_command_queue_depth",
			Help: "Commands waiting behind the one in flight.",
		}),
	}
	m.registry.MustRegister(
		m.FramesReceived,
		m.FramesSent,
		m.FrameErrors,
		m.RangeErrors,
		m.CommandRetries,
		m.Commands,
		m.CommandDuration,
		m.Handshakes,
		m.SessionReady,
		m.PairingActive,
		m.QueueDepth,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameError() {
	if m == nil {
		return
	}
	m.FrameErrors.Inc()
}

func (m *Metrics) RangeError() {
	if m == nil {
		return
	}
	m.RangeErrors.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.CommandRetries.Inc()
}

// CommandDone records the outcome of one command.
func (m *Metrics) CommandDone(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(result).Inc()
	if d > 0 {
		m.CommandDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	m.SessionReady.Set(boolToFloat(ready))
}

func (m *Metrics) SetPairing(active bool) {
	if m == nil {
		return
	}
	m.PairingActive.Set(boolToFloat(active))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
