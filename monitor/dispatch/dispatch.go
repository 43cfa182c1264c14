// Package dispatch forwards connection notifications to the monitor state.
package dispatch

import (
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/rs/zerolog"
)

type (
	Source interface {
		ID() string
		Channel() model.ChannelID
		Notifications() <-chan model.Notification
	}

	Registry interface {
		SetState(channelID model.ChannelID, state model.ConnectionState) error
		Touch(channelID model.ChannelID, at time.Time) error
	}

	Sink interface {
		HandlePayload(channelID model.ChannelID, raw []byte) error
	}

	Config struct {
		Logger   *zerolog.Logger
		Metrics  *metrics.Collector
		Registry Registry
		Sink     Sink
	}

	// Dispatcher runs one forwarding loop per connected source.
	// Notifications of a source are applied strictly in delivery order.
	Dispatcher struct {
		logger   zerolog.Logger
		metrics  *metrics.Collector
		registry Registry
		sink     Sink

		mx     *sync.RWMutex
		routes map[model.ChannelID]string
	}
)

func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		logger:   cfg.Logger.With().Str("component", "dispatch").Logger(),
		metrics:  cfg.Metrics,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		mx:       &sync.RWMutex{},
		routes:   make(map[model.ChannelID]string),
	}
}

// Connect starts forwarding src. The returned channel is closed once
// src closes its notifications, after the terminal state is applied.
// Forwarding stops only when src closes its notifications.
func (d *Dispatcher) Connect(src Source) <-chan struct{} {
	d.mx.Lock()
	d.routes[src.Channel()] = src.ID()
	d.mx.Unlock()

	d.logger.Debug().
		Str("channel", string(src.Channel())).
		Str("connection", src.ID()).
		Msg("source connected")

	done := make(chan struct{})
	go d.forwardNotifications(src, done)
	return done
}

// Route returns the id of the connection currently forwarded for channelID.
func (d *Dispatcher) Route(channelID model.ChannelID) (string, bool) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	id, ok := d.routes[channelID]
	return id, ok
}

func (d *Dispatcher) disconnect(src Source) {
	d.mx.Lock()
	defer func() {
		d.mx.Unlock()
		d.logger.Debug().
			Str("channel", string(src.Channel())).
			Str("connection", src.ID()).
			Msg("source disconnected")
	}()

	if d.routes[src.Channel()] == src.ID() {
		delete(d.routes, src.Channel())
	}
}

func (d *Dispatcher) forwardNotifications(src Source, done chan<- struct{}) {
	defer func() {
		d.disconnect(src)
		close(done)
	}()

	// drain until closed, the terminal state comes last
	for n := range src.Notifications() {
		d.forward(n)
	}
}

func (d *Dispatcher) forward(n model.Notification) {
	logger := d.logger.With().Str("channel", string(n.Channel)).Logger()

	switch n.Kind {
	case model.NotificationState:
		if err := d.registry.SetState(n.Channel, n.State); err != nil {
			logger.Error().Err(err).Msg("cannot update channel state")
		}
		d.metrics.SetConnectionState(n.Channel, n.State)

		ev := logger.Info()
		if n.Err != nil {
			ev = logger.Warn().Err(n.Err)
		}
		ev.Str("status", n.State.Status()).Msg("channel state changed")

	case model.NotificationPayload:
		if err := d.registry.Touch(n.Channel, n.ReceivedAt); err != nil {
			logger.Debug().Err(err).Msg("payload for unregistered channel")
		}
		if err := d.sink.HandlePayload(n.Channel, n.Payload); err != nil {
			// already logged by the sink, the log stays as it was
			logger.Trace().Err(err).Msg("payload was dropped")
		}
	}
}
