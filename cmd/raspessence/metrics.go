package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"raspessence/lintronic"
)

const metricsNamespace = "raspessence"

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ampCommands    *prometheus.CounterVec // labels: command
	framesReceived *prometheus.CounterVec // labels: result=ok|address|checksum|short
	sessionActive  prometheus.Gauge
	timerArmed     prometheus.Gauge
	powerOffs      *prometheus.CounterVec // labels: result=ok|unauthorized|error
	playerVolume   prometheus.Gauge
}

// NewMetrics creates a registry with the Go/process collectors and the
// bridge's own metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ampCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "amp_commands_total",
			Help:      "LinTronic commands written to the amplifier.",
		}, []string{"command"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "amp_frames_received_total",
			Help:      "LinTronic frames read from the amplifier link.",
		}, []string{"result"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "player_session_active",
			Help:      "1 while a player is tracked on the bus.",
		}),
		timerArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "shutdown_timer_armed",
			Help:      "1 while a shutdown timer is pending.",
		}),
		powerOffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "power_off_requests_total",
			Help:      "Power-off requests received over HTTP.",
		}, []string{"result"}),
		playerVolume: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "player_volume",
			Help:      "Last volume reported by the player (0-1).",
		}),
	}
	reg.MustRegister(m.ampCommands, m.framesReceived, m.sessionActive, m.timerArmed, m.powerOffs, m.playerVolume)
	return m
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FrameSent implements lintronic.Observer.
func (m *Metrics) FrameSent(cmd lintronic.Command, repeat int) {
	if m == nil {
		return
	}
	m.ampCommands.WithLabelValues(cmd.String()).Inc()
}

// FrameReceived implements lintronic.Observer.
func (m *Metrics) FrameReceived(lintronic.Frame) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues("ok").Inc()
}

// FrameRejected implements lintronic.Observer.
func (m *Metrics) FrameRejected(err error) {
	if m == nil {
		return
	}
	result := "other"
	switch {
	case errors.Is(err, lintronic.ErrAddressMismatch):
		result = "address"
	case errors.Is(err, lintronic.ErrChecksumMismatch):
		result = "checksum"
	case errors.Is(err, lintronic.ErrShortFrame):
		result = "short"
	}
	m.framesReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPlayerPresent(present bool) {
	if m == nil {
		return
	}
	m.sessionActive.Set(boolGauge(present))
}

func (m *Metrics) PowerOffRequest(result string) {
	if m == nil {
		return
	}
	m.powerOffs.WithLabelValues(result).Inc()
}

// ObserveState mirrors coordinator state into gauges.
func (m *Metrics) ObserveState(s *DaemonState) {
	if m == nil || s == nil {
		return
	}
	m.timerArmed.Set(boolGauge(s.Timer.Armed))
	m.playerVolume.Set(s.Volume)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
