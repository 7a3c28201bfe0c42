package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sockets      prometheus.Gauge
	connections  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	frames       *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	pushes       *prometheus.CounterVec
	calls        *prometheus.CounterVec
	frameLatency *prometheus.HistogramVec
}

// New registers the collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sockets_open",
			Help: "Open websocket connections, authenticated or not.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Authenticated socket connections currently bound.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_users_online",
			Help: "Users with at least one live connection.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_frames_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_frames_dropped_total",
			Help: "Inbound frames dropped, by error code.",
		}, []string{"code"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_pushes_total",
			Help: "Outbound pushes by frame type and result.",
		}, []string{"type", "result"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_calls_total",
			Help: "Call sessions by outcome.",
		}, []string{"outcome"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realtime_frame_latency_seconds",
			Help:    "Time spent handling one inbound frame.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.sockets,
		m.connections,
		m.onlineUsers,
		m.frames,
		m.dropped,
		m.pushes,
		m.calls,
		m.frameLatency,
	)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.sockets.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.sockets.Dec()
}

func (m *Metrics) ConnectionBound() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionUnbound() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) ObserveFrame(frameType string, started time.Time) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
	m.frameLatency.WithLabelValues(frameType).Observe(time.Since(started).Seconds())
}

func (m *Metrics) FrameDropped(code string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(code).Inc()
}

// Pushed counts one outbound push; ok=false means the send buffer was full.
func (m *Metrics) Pushed(frameType string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.pushes.WithLabelValues(frameType, result).Inc()
}

// CallFinished counts a call by how it ended (declined, ended, reaped, unreachable, busy).
func (m *Metrics) CallFinished(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}
