// Package recency drives periodic re-evaluation of "time since" labels.
//
// The scheduler is a two-state machine. In the fast cadence it ticks every
// second, in the slow cadence every 30 seconds. The state is re-evaluated on
// every tick from the latest event of the log: the interval chosen at a tick
// applies to the next tick only, the pending timer is never reset.
package recency

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const (
	FastInterval = time.Second
	SlowInterval = 30 * time.Second

	// RecentWindow is how old the latest event may be to keep the fast cadence.
	RecentWindow = 60 * time.Second
)

var (
	ErrRunning = errors.New("scheduler is already running")
)

type Cadence int

const (
	CadenceSlow Cadence = iota
	CadenceFast
)

func (c Cadence) Interval() time.Duration {
	if c == CadenceFast {
		return FastInterval
	}
	return SlowInterval
}

func (c Cadence) String() string {
	if c == CadenceFast {
		return "fast"
	}
	return "slow"
}

// CadenceFor is the single re-evaluation transition of the scheduler.
// latest is the event of the log that occurred last.
func CadenceFor(latest model.Event, ok bool, now time.Time) Cadence {
	if ok && now.Sub(latest.OccurredAt()) < RecentWindow {
		return CadenceFast
	}
	return CadenceSlow
}

// Label renders a human-readable "time since" string.
func Label(at, now time.Time) string {
	return humanize.RelTime(at, now, "ago", "from now")
}

// LogSource gives the scheduler read access to a channel log.
type LogSource interface {
	// Latest returns the event of the log that occurred last.
	Latest() (model.Event, bool)
}

type Tick struct {
	At       time.Time
	Cadence  Cadence
	Interval time.Duration
	// Latest is the occurrence time of the latest event, zero when the log is empty.
	Latest time.Time
	Label  string
}

type (
	Config struct {
		Logger  *zerolog.Logger
		Metrics *metrics.Collector
		// Clock defaults to the wall clock.
		Clock Clock
	}

	Scheduler struct {
		clock   Clock
		metrics *metrics.Collector
		logger  zerolog.Logger

		ticks chan Tick

		mx      sync.Mutex
		running bool
		cadence Cadence
		stop    chan struct{}
		done    chan struct{}
	}
)

func NewScheduler(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "recency-scheduler").Logger(),
		ticks:   make(chan Tick, 1),
	}
}

// Ticks delivers redraw ticks. A slow consumer only sees the latest tick.
func (s *Scheduler) Ticks() <-chan Tick {
	return s.ticks
}

func (s *Scheduler) Cadence() Cadence {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.cadence
}

func (s *Scheduler) Running() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.running
}

// Start evaluates the log once to pick the first interval and starts ticking.
// A stopped scheduler can be started again.
func (s *Scheduler) Start(src LogSource) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.running {
		return ErrRunning
	}

	latest, ok := src.Latest()
	s.cadence = CadenceFor(latest, ok, s.clock.Now())
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Debug().Str("cadence", s.cadence.String()).Msg("scheduler started")
	go s.loop(src, s.cadence, s.stop, s.done)
	return nil
}

// Stop cancels the pending timer and waits for the loop to exit.
// It is idempotent and safe on a scheduler that was never started.
func (s *Scheduler) Stop() {
	s.mx.Lock()
	if !s.running {
		s.mx.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mx.Unlock()

	<-done
	s.logger.Debug().Msg("scheduler stopped")
}

func (s *Scheduler) loop(src LogSource, cadence Cadence, stop <-chan struct{}, done chan<- struct{}) {
	timer := s.clock.NewTimer(cadence.Interval())
	defer func() {
		timer.Stop()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case <-timer.C():
		}

		tick := s.evaluate(src)

		s.mx.Lock()
		if tick.Cadence != s.cadence {
			s.logger.Debug().
				Str("from", s.cadence.String()).
				Str("to", tick.Cadence.String()).
				Msg("cadence switched")
		}
		s.cadence = tick.Cadence
		s.mx.Unlock()

		s.metrics.SchedulerTick(tick.Cadence.String())
		s.emit(tick)
		timer = s.clock.NewTimer(tick.Interval)
	}
}

func (s *Scheduler) evaluate(src LogSource) Tick {
	now := s.clock.Now()
	latest, ok := src.Latest()
	cadence := CadenceFor(latest, ok, now)

	tick := Tick{
		At:       now,
		Cadence:  cadence,
		Interval: cadence.Interval(),
		Label:    "no events yet",
	}
	if ok {
		tick.Latest = latest.OccurredAt()
		tick.Label = Label(tick.Latest, now)
	}
	return tick
}

func (s *Scheduler) emit(tick Tick) {
	select {
	case s.ticks <- tick:
		return
	default:
	}
	// replace the stale tick
	select {
	case <-s.ticks:
	default:
	}
	select {
	case s.ticks <- tick:
	default:
	}
}
