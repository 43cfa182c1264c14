package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWait          = 2 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrTransport   = errors.New("transport error")
	ErrNotOpen     = errors.New("connection is not open")
	ErrBadEndpoint = errors.New("invalid connection endpoint")
)

// TransportError describes a connection termination that was not requested by the consumer.
type TransportError struct {
	Channel model.ChannelID
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: channel %s: %s: %v", ErrTransport, e.Channel, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

type (
	Config struct {
		Logger *zerolog.Logger
		// Dialer overrides the default websocket dialer.
		Dialer *websocket.Dialer
		// Header is sent with every handshake request.
		Header http.Header

		PingInterval   time.Duration
		PongWait       time.Duration
		MaxMessageSize int64
	}

	// Manager opens channel connections. It holds no per-channel state,
	// every Handle owns its own connection.
	Manager struct {
		dialer *websocket.Dialer
		header http.Header

		pingInterval   time.Duration
		pongWait       time.Duration
		maxMessageSize int64

		logger zerolog.Logger
	}
)

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:         cfg.Logger.With().Str("component", "connection-manager").Logger(),
		dialer:         cfg.Dialer,
		header:         cfg.Header,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		maxMessageSize: cfg.MaxMessageSize,
	}
	if m.dialer == nil {
		m.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		}
	}
	if m.pingInterval <= 0 {
		m.pingInterval = defaultPingInterval
	}
	if m.pongWait <= m.pingInterval {
		m.pongWait = m.pingInterval + (defaultPongWait - defaultPingInterval)
	}
	if m.maxMessageSize <= 0 {
		m.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	return m
}

// Open starts a connection attempt for the channel and returns immediately.
// The first notification on the handle is always StateConnecting.
// The attempt is bound to ctx: cancelling it terminates the connection.
func (m *Manager) Open(ctx context.Context, channelID model.ChannelID, endpoint string) (*Handle, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Join(ErrBadEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}

	h := &Handle{
		id:       uuid.NewString(),
		channel:  channelID,
		endpoint: endpoint,
		mgr:      m,
		queue:    newQueue(),
		tx:       make(chan outbound),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
		state:    model.StateClosed,
	}
	h.logger = m.logger.With().
		Str("channel", string(channelID)).
		Str("connID", h.id).
		Logger()

	h.transition(model.StateConnecting, nil)
	go h.run(ctx)
	return h, nil
}

type outbound struct {
	payload []byte
	result  chan error
}

// Handle is a single connection attempt of a channel.
type Handle struct {
	id       string
	channel  model.ChannelID
	endpoint string
	mgr      *Manager
	logger   zerolog.Logger

	mx             sync.Mutex
	state          model.ConnectionState
	err            error
	closeRequested bool

	queue     *queue
	tx        chan outbound
	closeReq  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Channel() model.ChannelID {
	return h.channel
}

func (h *Handle) Endpoint() string {
	return h.endpoint
}

func (h *Handle) State() model.ConnectionState {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.state
}

// Err returns the transport error that terminated the connection, if any.
func (h *Handle) Err() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.err
}

// Notifications delivers state changes and raw payloads in delivery order.
// It is closed after the StateClosed notification. Consumers must drain it.
func (h *Handle) Notifications() <-chan model.Notification {
	return h.queue.out
}

// Done is closed once the connection resource is released.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Send writes a text frame. It fails unless the connection is open.
func (h *Handle) Send(ctx context.Context, payload []byte) error {
	if st := h.State(); st != model.StateOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, st.Status())
	}
	out := outbound{payload: payload, result: make(chan error, 1)}
	select {
	case h.tx <- out:
	case <-h.done:
		return ErrNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-out.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close initiates graceful shutdown and waits until the connection is released.
// It is safe to call multiple times.
func (h *Handle) Close() {
	h.mx.Lock()
	h.closeRequested = true
	if h.state == model.StateOpen {
		h.transitionLocked(model.StateClosing, nil)
	}
	h.mx.Unlock()

	h.closeOnce.Do(func() {
		close(h.closeReq)
	})
	<-h.done
}

func (h *Handle) transition(state model.ConnectionState, err error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.transitionLocked(state, err)
}

func (h *Handle) transitionLocked(state model.ConnectionState, err error) {
	if state != model.StateConnecting && state <= h.state {
		return
	}
	h.state = state
	if err != nil {
		h.err = err
	}
	h.queue.push(model.Notification{
		Channel:    h.channel,
		Kind:       model.NotificationState,
		State:      state,
		Err:        err,
		ReceivedAt: time.Now(),
	})
	h.logger.Debug().Str("state", state.Status()).Err(err).Msg("connection state changed")
	if state == model.StateClosed {
		h.queue.close()
	}
}

func (h *Handle) deliver(payload []byte) {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.queue.push(model.Notification{
		Channel:    h.channel,
		Kind:       model.NotificationPayload,
		State:      h.state,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

func (h *Handle) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		close(h.done)
	}()

	go func() {
		select {
		case <-h.closeReq:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, resp, err := h.mgr.dialer.DialContext(ctx, h.endpoint, h.mgr.header)
	if err != nil {
		if parent.Err() != nil {
			h.finish(nil)
			return
		}
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		h.finish(&TransportError{Channel: h.channel, Op: "dial", Err: err})
		return
	}

	h.mx.Lock()
	if h.closeRequested {
		h.mx.Unlock()
		webSocketCloser(conn, false, &h.logger)
		h.finish(nil)
		return
	}
	h.transitionLocked(model.StateOpen, nil)
	h.mx.Unlock()

	// Close requests are served by the sender from now on.
	connCtx, connCancel := context.WithCancel(parent)
	defer connCancel()

	var (
		wg        = &sync.WaitGroup{}
		recvErr   error
		closeSent bool
	)
	wg.Add(2)
	go func() {
		recvErr = h.webSocketReceiver(wg, conn)
		connCancel()
	}()
	go func() {
		closeSent = h.webSocketSender(connCtx, wg, conn)
		connCancel()
	}()

	wg.Wait()
	webSocketCloser(conn, closeSent, &h.logger)

	h.mx.Lock()
	requested := h.closeRequested
	h.mx.Unlock()
	if requested || recvErr == nil || parent.Err() != nil {
		h.finish(nil)
		return
	}
	h.finish(&TransportError{Channel: h.channel, Op: "read", Err: recvErr})
}

func (h *Handle) finish(err error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closeRequested {
		err = nil
	}
	h.transitionLocked(model.StateClosed, err)
}

// webSocketSender is the only writer of the connection. It returns true
// if a close frame was sent as part of a graceful shutdown.
func (h *Handle) webSocketSender(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn) bool {
	pingTicker := time.NewTicker(h.mgr.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			// Unblock the receiver.
			_ = conn.SetReadDeadline(time.Now())
			return false

		case <-h.closeReq:
			wsErr := conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(defaultWebSocketCloseWriteDeadline))
			if wsErr != nil {
				h.logger.Error().Err(wsErr).Msg("failed to send close frame")
				_ = conn.SetReadDeadline(time.Now())
				return false
			}
			// Give the server a chance to echo the close frame.
			_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketCloseWait))
			return true

		case <-pingTicker.C:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{},
				time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				h.logger.Error().Err(wsErr).Msg("failed to send ping")
				_ = conn.SetReadDeadline(time.Now())
				return false
			}
			h.logger.Trace().Msg("ping sent")

		case out := <-h.tx:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr == nil {
				wsErr = conn.WriteMessage(websocket.TextMessage, out.payload)
			}
			out.result <- wsErr
			if wsErr != nil {
				h.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				_ = conn.SetReadDeadline(time.Now())
				return false
			}
		}
	}
}

// webSocketReceiver forwards every inbound payload in delivery order.
// It returns nil when the peer closed the connection normally.
func (h *Handle) webSocketReceiver(wg *sync.WaitGroup, conn *websocket.Conn) error {
	defer wg.Done()

	conn.SetReadLimit(h.mgr.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		h.logger.Trace().Msg("got pong")
		return readDeadLineFunc(h.mgr.pongWait)
	})
	if err := readDeadLineFunc(h.mgr.pongWait); err != nil {
		h.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return err
	}

	for {
		msgType, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				h.logger.Debug().Err(wsErr).Msg("connection closed by peer")
				return nil
			}
			h.logger.Debug().Err(wsErr).Msg("receive loop terminated")
			return wsErr
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.deliver(msg)
	}
}

func webSocketCloser(conn *websocket.Conn, closeSent bool, logger *zerolog.Logger) {
	if !closeSent {
		wsErr := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWebSocketCloseWriteDeadline))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Trace().Err(wsErr).Msg("close frame not sent")
		}
	}
	if wsErr := conn.Close(); wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
