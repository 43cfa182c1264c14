// Package stream keeps a media stream viewable through transient delivery faults.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultRecoveryBurst    = 3
	DefaultRecoveryInterval = 10 * time.Second

	failuresBuffer = 8
)

var (
	ErrEmptySource        = errors.New("stream source is empty")
	ErrPlayerInitFailed   = errors.New("cannot create player")
	ErrPlayerLoadFailed   = errors.New("cannot load source")
	errUnknownPlayerEvent = errors.New("unknown player event")
)

type Mode int

const (
	ModeManaged Mode = iota
	// ModeDirect hands the raw source to native playback without fault handling.
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "managed"
}

type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusDegraded
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusDegraded:
		return "Degraded"
	case StatusUnavailable:
		return "Unavailable"
	}
	return "Idle"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Action int

const (
	ActionNone Action = iota
	ActionReload
	ActionRecover
	ActionTeardown
)

func (a Action) String() string {
	switch a {
	case ActionReload:
		return "reload"
	case ActionRecover:
		return "recover"
	case ActionTeardown:
		return "teardown"
	}
	return "none"
}

// Classify maps a fault to the single recovery action it calls for.
func Classify(f *Fault) Action {
	if f == nil || !f.Fatal {
		return ActionNone
	}
	switch f.Kind {
	case FaultNetwork:
		return ActionReload
	case FaultMedia:
		return ActionRecover
	}
	return ActionTeardown
}

type (
	Config struct {
		Logger  *zerolog.Logger
		Metrics *metrics.Collector
		Factory PlayerFactory
		// Transport is the base round tripper for session fetches.
		Transport    http.RoundTripper
		FetchTimeout time.Duration

		// RecoveryInterval and RecoveryBurst pace reload and recover actions
		// of a single session. Actions past the burst are delayed, never dropped.
		RecoveryInterval time.Duration
		RecoveryBurst    int
	}

	Controller struct {
		factory      PlayerFactory
		transport    http.RoundTripper
		metrics      *metrics.Collector
		logger       zerolog.Logger
		fetchTimeout time.Duration
		recoverEvery rate.Limit
		recoverBurst int

		failures chan *Fault

		attachMu sync.Mutex

		mu      sync.Mutex
		session *Session
		status  Status
	}
)

func NewController(cfg Config) *Controller {
	interval := cfg.RecoveryInterval
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	burst := cfg.RecoveryBurst
	if burst <= 0 {
		burst = DefaultRecoveryBurst
	}
	return &Controller{
		factory:      cfg.Factory,
		transport:    cfg.Transport,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With().Str("component", "stream-controller").Logger(),
		fetchTimeout: cfg.FetchTimeout,
		recoverEvery: rate.Every(interval),
		recoverBurst: burst,
		failures:     make(chan *Fault, failuresBuffer),
	}
}

// Failures delivers terminal faults. Only the latest ones are kept for slow readers.
func (c *Controller) Failures() <-chan *Fault {
	return c.failures
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the managed session or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Attach makes url with creds the managed source. Attaching the source of the
// active session returns that session. Any other session is released first.
func (c *Controller) Attach(ctx context.Context, url string, creds *Credentials) (*Session, error) {
	if url == "" {
		return nil, ErrEmptySource
	}

	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	if cur := c.Session(); cur != nil {
		if cur.URL == url && sameCredentials(cur.Credentials, creds) && cur.Active() {
			return cur, nil
		}
		c.teardown(cur, StatusIdle)
	}

	s := &Session{
		ID:          uuid.NewString(),
		URL:         url,
		Credentials: creds.clone(),
		client:      NewHTTPClient(c.transport, creds, c.fetchTimeout),
		stop:        make(chan struct{}),
		active:      true,
	}
	s.logger = c.logger.With().Str("session", s.ID).Logger()

	if c.factory == nil || !c.factory.Supported() {
		s.Mode = ModeDirect
		c.install(s, StatusDegraded)
		s.logger.Warn().Str("url", url).Msg("managed playback is not supported, using direct source")
		return s, nil
	}

	player, err := c.factory.NewPlayer(PlayerConfig{Logger: &s.logger, Client: s.client})
	if err != nil {
		return nil, errors.Join(ErrPlayerInitFailed, err)
	}
	if err = player.Load(ctx, url); err != nil {
		player.Destroy()
		return nil, errors.Join(ErrPlayerLoadFailed, err)
	}
	s.player = player
	s.limiter = rate.NewLimiter(c.recoverEvery, c.recoverBurst)
	s.done = make(chan struct{})

	c.install(s, StatusActive)
	go c.watch(s)

	s.logger.Info().
		Str("url", url).
		Bool("authenticated", creds.Complete()).
		Msg("stream session attached")
	return s, nil
}

// Detach releases the managed session. It is idempotent.
func (c *Controller) Detach() {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()

	if cur := c.Session(); cur != nil {
		c.teardown(cur, StatusIdle)
		cur.logger.Info().Msg("stream session detached")
	}
}

func (c *Controller) install(s *Session, status Status) {
	c.mu.Lock()
	c.session = s
	c.status = status
	c.mu.Unlock()
}

// teardown must be called with attachMu held.
func (c *Controller) teardown(s *Session, status Status) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.status = status
	}
	c.mu.Unlock()

	s.shutdown()
}

func (c *Controller) watch(s *Session) {
	defer close(s.done)

	events := s.player.Events()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.handleEvent(s, ev) {
				return
			}
		}
	}
}

// handleEvent reports whether the session is still alive.
func (c *Controller) handleEvent(s *Session, ev PlayerEvent) bool {
	switch ev.Kind {
	case EventPlay:
		s.logger.Info().Msg("playback started")
		return true
	case EventEnded:
		s.logger.Info().Msg("playback ended")
		return true
	case EventError:
	default:
		s.logger.Warn().Err(errUnknownPlayerEvent).Int("kind", int(ev.Kind)).Send()
		return true
	}

	fault := ev.Fault
	if fault == nil {
		fault = &Fault{Kind: FaultOther, Fatal: true}
	}
	c.metrics.StreamFault(fault.Kind.String(), fault.Fatal)

	action := Classify(fault)
	logger := s.logger.With().
		Str("fault", fault.Kind.String()).
		Bool("fatal", fault.Fatal).
		Str("action", action.String()).Logger()

	switch action {
	case ActionNone:
		logger.Debug().Err(fault).Msg("non-fatal fault")
		return true
	case ActionTeardown:
		logger.Error().Err(fault).Msg("unrecoverable fault")
		c.fail(s, fault)
		return false
	}

	if !s.pace(&logger) {
		return false
	}
	var err error
	switch action {
	case ActionReload:
		err = s.player.ReloadSource()
	case ActionRecover:
		err = s.player.RecoverMedia()
	}

	c.metrics.StreamAction(action.String())
	if err != nil {
		logger.Error().Err(err).Msg("recovery action failed")
		return true
	}
	logger.Warn().Err(fault).Msg("recovery action issued")
	return true
}

// pace waits until the limiter admits a recovery action.
// It reports false when the session is stopped while waiting.
func (s *Session) pace(logger *zerolog.Logger) bool {
	delay := s.limiter.Reserve().Delay()
	if delay <= 0 {
		return true
	}
	logger.Debug().Dur("delay", delay).Msg("recovery action throttled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.stop:
		return false
	case <-timer.C:
		return true
	}
}

// fail runs on the watcher goroutine, so it never takes attachMu.
func (c *Controller) fail(s *Session, fault *Fault) {
	c.metrics.StreamAction(ActionTeardown.String())

	c.mu.Lock()
	if c.session == s {
		c.session = nil
		c.status = StatusUnavailable
	}
	c.mu.Unlock()

	s.release()

	select {
	case c.failures <- fault:
	default:
		// drop the oldest
		select {
		case <-c.failures:
		default:
		}
		select {
		case c.failures <- fault:
		default:
		}
	}
}

// Session is one managed attachment of a source.
type Session struct {
	ID          string
	URL         string
	Credentials *Credentials
	Mode        Mode

	logger  zerolog.Logger
	client  *http.Client
	player  Player
	limiter *rate.Limiter

	stopOnce    sync.Once
	releaseOnce sync.Once
	stop        chan struct{}
	done        chan struct{}

	mx     sync.Mutex
	active bool
}

func (s *Session) Active() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.active
}

// Client is the credential-injecting client used for every fetch of the session.
func (s *Session) Client() *http.Client {
	return s.client
}

func (s *Session) String() string {
	return fmt.Sprintf("%s(%s, %s)", s.ID, s.Mode, s.URL)
}

func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.done != nil {
		<-s.done
	}
	s.release()
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mx.Lock()
		s.active = false
		s.mx.Unlock()

		if s.player != nil {
			s.player.Destroy()
		}
		s.client.CloseIdleConnections()
		s.logger.Debug().Msg("stream session released")
	})
}
