// Package metrics provides Prometheus metrics for the monitor client.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "babycam"

// Collector owns a private registry so several monitors can coexist in one process.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	framesReceived  *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	logLength       *prometheus.GaugeVec
	samples         *prometheus.CounterVec
	streamFaults    *prometheus.CounterVec
	streamActions   *prometheus.CounterVec
	schedulerTicks  *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per channel (0 connecting, 1 open, 2 closing, 3 closed)",
		}, []string{"channel"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames applied to the event log",
		}, []string{"channel", "kind"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_decode_errors_total",
			Help:      "Inbound payloads dropped because they failed to decode",
		}, []string{"channel"}),
		logLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_log_length",
			Help:      "Number of events held in the channel log",
		}, []string{"channel"}),
		samples: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_samples_total",
			Help:      "Audio samples by reported severity",
		}, []string{"severity"}),
		streamFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_faults_total",
			Help:      "Media stream faults by classification",
		}, []string{"kind", "fatal"}),
		streamActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_recovery_actions_total",
			Help:      "Recovery actions issued on media stream sessions",
		}, []string{"action"}),
		schedulerTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recency_ticks_total",
			Help:      "Recency scheduler ticks by cadence",
		}, []string{"cadence"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SetConnectionState(ch model.ChannelID, state model.ConnectionState) {
	if c == nil {
		return
	}
	c.connectionState.WithLabelValues(string(ch)).Set(float64(state))
}

func (c *Collector) FrameApplied(ch model.ChannelID, kind model.FrameKind, logLen int) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(string(ch), kind.String()).Inc()
	c.logLength.WithLabelValues(string(ch)).Set(float64(logLen))
}

func (c *Collector) FrameDropped(ch model.ChannelID) {
	if c == nil {
		return
	}
	c.decodeErrors.WithLabelValues(string(ch)).Inc()
}

func (c *Collector) LogCleared(ch model.ChannelID) {
	if c == nil {
		return
	}
	c.logLength.WithLabelValues(string(ch)).Set(0)
}

func (c *Collector) SampleObserved(severity model.Severity) {
	if c == nil {
		return
	}
	c.samples.WithLabelValues(severity.String()).Inc()
}

func (c *Collector) StreamFault(kind string, fatal bool) {
	if c == nil {
		return
	}
	c.streamFaults.WithLabelValues(kind, strconv.FormatBool(fatal)).Inc()
}

func (c *Collector) StreamAction(action string) {
	if c == nil {
		return
	}
	c.streamActions.WithLabelValues(action).Inc()
}

func (c *Collector) SchedulerTick(cadence string) {
	if c == nil {
		return
	}
	c.schedulerTicks.WithLabelValues(cadence).Inc()
}
