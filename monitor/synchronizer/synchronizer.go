// Package synchronizer maintains the canonical in-memory event log of every channel.
package synchronizer

import (
	"sync"

	"github.com/adwski/babycam-monitor/monitor/metrics"
	"github.com/adwski/babycam-monitor/monitor/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type (
	Config struct {
		Logger  *zerolog.Logger
		Metrics *metrics.Collector
	}

	// Synchronizer applies decoded frames to per-channel logs:
	// a snapshot replaces the log, an increment appends one event.
	// Logs are never reordered, deduplicated or capped here.
	Synchronizer struct {
		logger  zerolog.Logger
		metrics *metrics.Collector

		mx   *sync.RWMutex
		logs map[model.ChannelID][]model.Event
	}
)

func New(cfg Config) *Synchronizer {
	return &Synchronizer{
		logger:  cfg.Logger.With().Str("component", "synchronizer").Logger(),
		metrics: cfg.Metrics,
		mx:      &sync.RWMutex{},
		logs:    make(map[model.ChannelID][]model.Event),
	}
}

// HandlePayload decodes a raw inbound payload and applies it.
// A payload that fails to decode is dropped and *model.FrameDecodeError
// is returned; the log is left unchanged.
func (s *Synchronizer) HandlePayload(ch model.ChannelID, raw []byte) error {
	frame, err := model.DecodeFrame(raw)
	if err != nil {
		s.metrics.FrameDropped(ch)
		s.logger.Warn().
			Err(err).
			Str("channel", string(ch)).
			Int("size", len(raw)).
			Msg("dropping malformed frame")
		return err
	}
	s.HandleFrame(ch, frame)
	return nil
}

func (s *Synchronizer) HandleFrame(ch model.ChannelID, frame model.Frame) {
	s.mx.Lock()
	switch frame.Kind {
	case model.FrameSnapshot:
		log := make([]model.Event, len(frame.Events))
		copy(log, frame.Events)
		s.logs[ch] = log
	default:
		// a leading increment starts a fresh log
		s.logs[ch] = append(s.logs[ch], frame.Event)
	}
	length := len(s.logs[ch])
	s.mx.Unlock()

	s.metrics.FrameApplied(ch, frame.Kind, length)
	if sample, ok := frame.Event.(model.AudioSample); ok {
		s.metrics.SampleObserved(sample.Severity)
	}

	logger := s.logger.With().
		Str("channel", string(ch)).
		Str("type", frame.Type).
		Str("kind", frame.Kind.String()).
		Int("length", length).Logger()
	logger.Debug().Msg("frame applied")
	if logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Msg(spew.Sdump(frame))
	}
}

// CurrentLog returns a copy of the channel log in arrival order.
func (s *Synchronizer) CurrentLog(ch model.ChannelID) []model.Event {
	s.mx.RLock()
	defer s.mx.RUnlock()

	log := s.logs[ch]
	out := make([]model.Event, len(log))
	copy(out, log)
	return out
}

func (s *Synchronizer) Len(ch model.ChannelID) int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.logs[ch])
}

// Newest returns the most recently arrived event of the channel.
func (s *Synchronizer) Newest(ch model.ChannelID) (model.Event, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	log := s.logs[ch]
	if len(log) == 0 {
		return nil, false
	}
	return log[len(log)-1], true
}

// Latest returns the event of the channel that occurred last. A snapshot
// may list events out of time order, so this is not always the newest one.
func (s *Synchronizer) Latest(ch model.ChannelID) (model.Event, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var latest model.Event
	for _, e := range s.logs[ch] {
		if latest == nil || e.OccurredAt().After(latest.OccurredAt()) {
			latest = e
		}
	}
	return latest, latest != nil
}

// LatestSample returns the most recent audio sample of the channel.
func (s *Synchronizer) LatestSample(ch model.ChannelID) (model.AudioSample, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	log := s.logs[ch]
	for i := len(log) - 1; i >= 0; i-- {
		if sample, ok := log[i].(model.AudioSample); ok {
			return sample, true
		}
	}
	return model.AudioSample{}, false
}

// Clear empties the channel log.
func (s *Synchronizer) Clear(ch model.ChannelID) {
	s.mx.Lock()
	delete(s.logs, ch)
	s.mx.Unlock()

	s.metrics.LogCleared(ch)
	s.logger.Debug().Str("channel", string(ch)).Msg("log cleared")
}

// Source binds the synchronizer to one channel for read-only consumers.
func (s *Synchronizer) Source(ch model.ChannelID) ChannelSource {
	return ChannelSource{owner: s, channel: ch}
}

type ChannelSource struct {
	owner   *Synchronizer
	channel model.ChannelID
}

// Latest returns the event of the channel that occurred last.
func (cs ChannelSource) Latest() (model.Event, bool) {
	return cs.owner.Latest(cs.channel)
}

func (cs ChannelSource) Log() []model.Event {
	return cs.owner.CurrentLog(cs.channel)
}
