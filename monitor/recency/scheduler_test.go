package recency

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/adwski/babycam-monitor/monitor/synchronizer"
	"github.com/rs/zerolog"
)

const testTimeout = 2 * time.Second

type fakeTimer struct {
	d       time.Duration
	c       chan time.Time
	mx      sync.Mutex
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) Stop() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) isStopped() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.stopped
}

func (t *fakeTimer) fire(now time.Time) {
	t.c <- now
}

type fakeClock struct {
	mx     sync.Mutex
	now    time.Time
	timers chan *fakeTimer
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, timers: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *fakeClock) set(now time.Time) {
	c.mx.Lock()
	c.now = now
	c.mx.Unlock()
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	t := &fakeTimer{d: d, c: make(chan time.Time, 1)}
	c.timers <- t
	return t
}

func (c *fakeClock) nextTimer(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.timers:
		return tm
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for timer")
		return nil
	}
}

type staticSource struct {
	mx    sync.Mutex
	event model.Event
}

func (s *staticSource) Latest() (model.Event, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.event, s.event != nil
}

func (s *staticSource) set(e model.Event) {
	s.mx.Lock()
	s.event = e
	s.mx.Unlock()
}

func newTestScheduler(clock Clock) *Scheduler {
	logger := zerolog.Nop()
	return NewScheduler(Config{Logger: &logger, Clock: clock})
}

func nextTick(t *testing.T, s *Scheduler) Tick {
	t.Helper()
	select {
	case tick := <-s.Ticks():
		return tick
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for tick")
		return Tick{}
	}
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCadenceFor(t *testing.T) {
	event := model.ChatMessage{At: epoch}
	tests := []struct {
		name string
		age  time.Duration
		ok   bool
		want Cadence
	}{
		{"fresh", 0, true, CadenceFast},
		{"59s", 59 * time.Second, true, CadenceFast},
		{"exactly 60s", 60 * time.Second, true, CadenceSlow},
		{"61s", 61 * time.Second, true, CadenceSlow},
		{"future event", -5 * time.Second, true, CadenceFast},
		{"empty log", 0, false, CadenceSlow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e model.Event
			if tt.ok {
				e = event
			}
			if got := CadenceFor(e, tt.ok, epoch.Add(tt.age)); got != tt.want {
				t.Errorf("CadenceFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduler_SwitchesToSlowOnNextTick(t *testing.T) {
	clock := newFakeClock(epoch.Add(59 * time.Second))
	src := &staticSource{event: model.AudioSample{Peak: 10, At: epoch}}
	s := newTestScheduler(clock)

	if err := s.Start(src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	first := clock.nextTimer(t)
	if first.d != 1000*time.Millisecond {
		t.Fatalf("initial interval = %v, want 1s", first.d)
	}

	clock.set(epoch.Add(61 * time.Second))
	first.fire(clock.Now())

	tick := nextTick(t, s)
	if tick.Cadence != CadenceSlow || tick.Interval != 30000*time.Millisecond {
		t.Errorf("tick = %+v, want slow cadence with 30s interval", tick)
	}
	second := clock.nextTimer(t)
	if second.d != 30*time.Second {
		t.Errorf("next interval = %v, want 30s", second.d)
	}
	if s.Cadence() != CadenceSlow {
		t.Errorf("Cadence() = %v, want slow", s.Cadence())
	}
}

func TestScheduler_SwitchesToFastWhenEventArrives(t *testing.T) {
	clock := newFakeClock(epoch)
	src := &staticSource{}
	s := newTestScheduler(clock)

	if err := s.Start(src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	tm := clock.nextTimer(t)
	if tm.d != SlowInterval {
		t.Fatalf("interval on empty log = %v, want %v", tm.d, SlowInterval)
	}

	// the pending slow timer is not reset when an event arrives
	clock.set(epoch.Add(10 * time.Second))
	src.set(model.ChatMessage{Author: "a", At: epoch.Add(10 * time.Second)})
	select {
	case extra := <-clock.timers:
		t.Fatalf("timer rescheduled before tick: %v", extra.d)
	case <-time.After(50 * time.Millisecond):
	}

	clock.set(epoch.Add(30 * time.Second))
	tm.fire(clock.Now())

	tick := nextTick(t, s)
	if tick.Cadence != CadenceFast {
		t.Errorf("tick cadence = %v, want fast", tick.Cadence)
	}
	if tick.Label != "20 seconds ago" {
		t.Errorf("tick label = %q, want %q", tick.Label, "20 seconds ago")
	}
	if next := clock.nextTimer(t); next.d != FastInterval {
		t.Errorf("next interval = %v, want %v", next.d, FastInterval)
	}
}

func TestScheduler_EveryTickReevaluates(t *testing.T) {
	clock := newFakeClock(epoch)
	src := &staticSource{event: model.ChatMessage{At: epoch}}
	s := newTestScheduler(clock)

	if err := s.Start(src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	tm := clock.nextTimer(t)
	for age := 1; age <= 70; age++ {
		now := epoch.Add(time.Duration(age) * time.Second)
		clock.set(now)
		tm.fire(now)

		tick := nextTick(t, s)
		want := FastInterval
		if time.Duration(age)*time.Second >= RecentWindow {
			want = SlowInterval
		}
		tm = clock.nextTimer(t)
		if tick.Interval != want || tm.d != want {
			t.Fatalf("age %ds: tick interval %v, timer %v, want %v", age, tick.Interval, tm.d, want)
		}
	}
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	clock := newFakeClock(epoch)
	s := newTestScheduler(clock)

	// never started
	s.Stop()

	if err := s.Start(&staticSource{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	tm := clock.nextTimer(t)

	s.Stop()
	s.Stop()

	if !tm.isStopped() {
		t.Error("pending timer was not stopped")
	}
	if s.Running() {
		t.Error("Running() = true after Stop()")
	}

	tm.fire(epoch.Add(time.Hour))
	select {
	case tick := <-s.Ticks():
		t.Errorf("tick after Stop(): %+v", tick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	clock := newFakeClock(epoch)
	s := newTestScheduler(clock)

	if err := s.Start(&staticSource{}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(&staticSource{}); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start() error = %v, want ErrRunning", err)
	}
	s.Stop()

	if err := s.Start(&staticSource{}); err != nil {
		t.Errorf("Start() after Stop() error = %v", err)
	}
	s.Stop()
}

func TestScheduler_SlowConsumerSeesLatestTick(t *testing.T) {
	clock := newFakeClock(epoch)
	s := newTestScheduler(clock)
	if err := s.Start(&staticSource{event: model.ChatMessage{At: epoch}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	tm := clock.nextTimer(t)
	for i := 1; i <= 3; i++ {
		now := epoch.Add(time.Duration(i) * time.Second)
		clock.set(now)
		tm.fire(now)
		tm = clock.nextTimer(t)
	}

	tick := nextTick(t, s)
	if !tick.At.Equal(epoch.Add(3 * time.Second)) {
		t.Errorf("tick.At = %v, want latest tick", tick.At)
	}
}

func TestLabel(t *testing.T) {
	if got := Label(epoch, epoch.Add(90*time.Second)); got != "1 minute ago" {
		t.Errorf("Label() = %q, want %q", got, "1 minute ago")
	}
}

// A history may list an old message last; the cadence follows the
// message that occurred last, wherever it sits in the log.
func TestScheduler_OutOfOrderSnapshot(t *testing.T) {
	logger := zerolog.Nop()
	events := synchronizer.New(synchronizer.Config{Logger: &logger})
	events.HandleFrame(model.ChannelChat, model.Snapshot(model.TypeChatHistory,
		model.ChatMessage{Author: "a", At: epoch.Add(50 * time.Second)},
		model.ChatMessage{Author: "b", At: epoch},
	))

	clock := newFakeClock(epoch.Add(100 * time.Second))
	s := newTestScheduler(clock)
	if err := s.Start(events.Source(model.ChannelChat)); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	tm := clock.nextTimer(t)
	if tm.d != FastInterval {
		t.Fatalf("interval = %v, want %v", tm.d, FastInterval)
	}
	tm.fire(clock.Now())
	tick := nextTick(t, s)
	if tick.Cadence != CadenceFast || !tick.Latest.Equal(epoch.Add(50*time.Second)) {
		t.Errorf("tick = %+v, want fast cadence from message a", tick)
	}
}
