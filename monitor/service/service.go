package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/alert"
	"github.com/adwski/babycam-monitor/monitor/api"
	"github.com/adwski/babycam-monitor/monitor/connection"
	"github.com/adwski/babycam-monitor/monitor/dispatch"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/adwski/babycam-monitor/monitor/recency"
	"github.com/adwski/babycam-monitor/monitor/stream"
	"github.com/adwski/babycam-monitor/monitor/synchronizer"
	"github.com/rs/zerolog"
)

// DefaultAlertInterval is how often WatchAlerts checks the audio channel.
const DefaultAlertInterval = time.Second

var (
	ErrOpen           = errors.New("unable to open channel")
	ErrNotConnected   = errors.New("channel is not connected")
	ErrSend           = errors.New("unable to send message")
	ErrClearHistory   = errors.New("unable to clear chat history")
	ErrDevice         = errors.New("unable to fetch device")
	ErrDeviceInactive = errors.New("device is not active")
	ErrAttach         = errors.New("unable to attach stream")
)

type (
	ChannelStore interface {
		CreateChannel(channelID model.ChannelID, endpoint string) (model.Channel, error)
		SetState(channelID model.ChannelID, state model.ConnectionState) error
		ListChannels() []model.Channel
	}

	Connector interface {
		Open(ctx context.Context, channelID model.ChannelID, endpoint string) (*connection.Handle, error)
	}

	Dispatcher interface {
		Connect(src dispatch.Source) <-chan struct{}
	}

	DeviceAPI interface {
		FetchDevice(ctx context.Context, deviceID int64) (api.Device, error)
		DeleteChatHistory(ctx context.Context, room string) error
	}

	StreamController interface {
		Attach(ctx context.Context, url string, creds *stream.Credentials) (*stream.Session, error)
		Detach()
		Session() *stream.Session
		Status() stream.Status
	}

	Config struct {
		Logger     *zerolog.Logger
		Store      ChannelStore
		Connector  Connector
		Dispatcher Dispatcher
		Events     *synchronizer.Synchronizer
		Classifier *alert.Classifier
		API        DeviceAPI
		Stream     StreamController

		DeviceID int64
		Room     string
		// StreamSource overrides the stream url of the device.
		StreamSource string
		// Now defaults to time.Now.
		Now func() time.Time
	}

	// Service composes channels, event logs and the stream of one monitored device.
	Service struct {
		store      ChannelStore
		connector  Connector
		dispatcher Dispatcher
		events     *synchronizer.Synchronizer
		classifier *alert.Classifier
		api        DeviceAPI
		stream     StreamController
		logger     zerolog.Logger

		deviceID     int64
		room         string
		streamSource string
		now          func() time.Time

		mx    *sync.Mutex
		conns map[model.ChannelID]*channelConn
	}

	channelConn struct {
		handle *connection.Handle
		done   <-chan struct{}
	}
)

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:        cfg.Store,
		connector:    cfg.Connector,
		dispatcher:   cfg.Dispatcher,
		events:       cfg.Events,
		classifier:   cfg.Classifier,
		api:          cfg.API,
		stream:       cfg.Stream,
		logger:       cfg.Logger.With().Str("component", "service").Logger(),
		deviceID:     cfg.DeviceID,
		room:         cfg.Room,
		streamSource: cfg.StreamSource,
		now:          now,
		mx:           &sync.Mutex{},
		conns:        make(map[model.ChannelID]*channelConn),
	}
}

// OpenChannel starts a connection for channelID. The channel log is fed
// by the connection until it closes. Reopening a live channel fails.
func (svc *Service) OpenChannel(ctx context.Context, channelID model.ChannelID, endpoint string) (model.Channel, error) {
	ch, err := svc.store.CreateChannel(channelID, endpoint)
	if err != nil {
		return model.Channel{}, errors.Join(ErrOpen, err)
	}
	h, err := svc.connector.Open(ctx, channelID, endpoint)
	if err != nil {
		_ = svc.store.SetState(channelID, model.StateClosed)
		return model.Channel{}, errors.Join(ErrOpen, err)
	}
	done := svc.dispatcher.Connect(h)

	svc.mx.Lock()
	svc.conns[channelID] = &channelConn{handle: h, done: done}
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("channel", string(channelID)).
		Str("endpoint", endpoint).
		Str("connection", h.ID()).
		Msg("channel opened")
	return ch, nil
}

// CloseChannel closes the channel connection and waits until its
// terminal state is applied.
func (svc *Service) CloseChannel(channelID model.ChannelID) error {
	svc.mx.Lock()
	cc, ok := svc.conns[channelID]
	svc.mx.Unlock()
	if !ok {
		return ErrNotConnected
	}

	cc.handle.Close()
	<-cc.done

	svc.mx.Lock()
	if svc.conns[channelID] == cc {
		delete(svc.conns, channelID)
	}
	svc.mx.Unlock()

	svc.logger.Debug().Str("channel", string(channelID)).Msg("channel closed")
	return nil
}

// Wait blocks until the channel connection terminates.
func (svc *Service) Wait(ctx context.Context, channelID model.ChannelID) error {
	svc.mx.Lock()
	cc, ok := svc.conns[channelID]
	svc.mx.Unlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cc.done:
		return cc.handle.Err()
	}
}

// SendChat sends a chat message stamped with the current UTC time.
func (svc *Service) SendChat(ctx context.Context, user, text string) error {
	svc.mx.Lock()
	cc, ok := svc.conns[model.ChannelChat]
	svc.mx.Unlock()
	if !ok {
		return errors.Join(ErrSend, ErrNotConnected)
	}

	payload, err := model.EncodeChatMessage(model.ChatMessage{
		Author: user,
		Body:   text,
		At:     svc.now().UTC(),
	})
	if err != nil {
		return errors.Join(ErrSend, err)
	}
	if err = cc.handle.Send(ctx, payload); err != nil {
		return errors.Join(ErrSend, err)
	}
	svc.logger.Trace().Str("user", user).Int("size", len(payload)).Msg("chat message sent")
	return nil
}

// ClearChatHistory deletes the room history on the server and then
// empties the local chat log.
func (svc *Service) ClearChatHistory(ctx context.Context) error {
	if err := svc.api.DeleteChatHistory(ctx, svc.room); err != nil {
		return errors.Join(ErrClearHistory, err)
	}
	svc.events.Clear(model.ChannelChat)
	svc.logger.Info().Str("room", svc.room).Msg("chat history cleared")
	return nil
}

type Alert struct {
	DeviceID int64          `json:"device_id"`
	Peak     float64        `json:"peak"`
	Severity model.Severity `json:"severity"`
	// Reported is the level sent by the server.
	Reported  model.Severity `json:"reported"`
	Intensity float64        `json:"intensity"`
	At        time.Time      `json:"at"`
}

// LatestAlert classifies the newest audio sample of the monitor channel.
func (svc *Service) LatestAlert() (Alert, bool) {
	sample, ok := svc.events.LatestSample(model.ChannelAudio)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		DeviceID:  sample.DeviceID,
		Peak:      sample.Peak,
		Severity:  svc.classifier.Classify(sample.Peak),
		Reported:  sample.Severity,
		Intensity: svc.classifier.Intensity(sample.Peak),
		At:        sample.At,
	}, true
}

// WatchAlerts checks the latest audio sample every interval and reports
// each severity change. The channel is closed when ctx is done.
func (svc *Service) WatchAlerts(ctx context.Context, interval time.Duration) <-chan Alert {
	if interval <= 0 {
		interval = DefaultAlertInterval
	}
	alerts := make(chan Alert)
	go func() {
		defer close(alerts)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := model.SeverityNone
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			a, ok := svc.LatestAlert()
			if !ok || a.Severity == last {
				continue
			}
			select {
			case alerts <- a:
				last = a.Severity
			case <-ctx.Done():
				return
			}
		}
	}()
	return alerts
}

// ConfigureStream attaches the device stream to the stream controller,
// with credentials when the device requires them.
func (svc *Service) ConfigureStream(ctx context.Context) (*stream.Session, error) {
	dev, err := svc.api.FetchDevice(ctx, svc.deviceID)
	if err != nil {
		return nil, errors.Join(ErrDevice, err)
	}
	if !dev.IsActive {
		return nil, ErrDeviceInactive
	}

	source := dev.StreamURL
	if svc.streamSource != "" {
		source = svc.streamSource
	}
	var creds *stream.Credentials
	if dev.IsAuthenticated {
		creds = &stream.Credentials{Username: dev.Username, Password: dev.Password}
	}

	sess, err := svc.stream.Attach(ctx, source, creds)
	if err != nil {
		return nil, errors.Join(ErrAttach, err)
	}
	svc.logger.Info().
		Int64("device", dev.ID).
		Str("name", dev.Name).
		Str("session", sess.ID).
		Str("mode", sess.Mode.String()).
		Msg("stream configured")
	return sess, nil
}

// Source exposes the channel log to read-only consumers such as the recency scheduler.
func (svc *Service) Source(channelID model.ChannelID) recency.LogSource {
	return svc.events.Source(channelID)
}

type (
	ChannelStatus struct {
		ID           model.ChannelID       `json:"id"`
		Endpoint     string                `json:"endpoint"`
		State        model.ConnectionState `json:"state"`
		LastReceived *time.Time            `json:"last_received,omitempty"`
		LogSize      int                   `json:"log_size"`
		LastEvent    string                `json:"last_event,omitempty"`
	}

	StreamStatus struct {
		Status  stream.Status `json:"status"`
		Session string        `json:"session,omitempty"`
		Mode    string        `json:"mode,omitempty"`
	}

	Status struct {
		Channels []ChannelStatus `json:"channels"`
		Alert    *Alert          `json:"alert,omitempty"`
		Stream   StreamStatus    `json:"stream"`
	}
)

func (svc *Service) Status() Status {
	now := svc.now()
	channels := svc.store.ListChannels()
	st := Status{Channels: make([]ChannelStatus, 0, len(channels))}

	for _, ch := range channels {
		cs := ChannelStatus{
			ID:       ch.ID,
			Endpoint: ch.Endpoint,
			State:    ch.State,
			LogSize:  svc.events.Len(ch.ID),
		}
		if !ch.LastReceived.IsZero() {
			at := ch.LastReceived
			cs.LastReceived = &at
		}
		if latest, ok := svc.events.Latest(ch.ID); ok {
			cs.LastEvent = recency.Label(latest.OccurredAt(), now)
		}
		st.Channels = append(st.Channels, cs)
	}

	if a, ok := svc.LatestAlert(); ok {
		st.Alert = &a
	}
	if svc.stream != nil {
		st.Stream.Status = svc.stream.Status()
		if sess := svc.stream.Session(); sess != nil {
			st.Stream.Session = sess.ID
			st.Stream.Mode = sess.Mode.String()
		}
	}
	return st
}

// Shutdown closes every channel and releases the stream.
func (svc *Service) Shutdown() {
	svc.mx.Lock()
	ids := make([]model.ChannelID, 0, len(svc.conns))
	for id := range svc.conns {
		ids = append(ids, id)
	}
	svc.mx.Unlock()

	for _, id := range ids {
		_ = svc.CloseChannel(id)
	}
	if svc.stream != nil {
		svc.stream.Detach()
	}
	svc.logger.Debug().Msg("service stopped")
}
