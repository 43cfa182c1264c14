package model

import (
	"time"
)

type ChannelID string

// Well-known channels served by the monitor backend.
const (
	ChannelAudio ChannelID = "audio"
	ChannelChat  ChannelID = "chat"
)

type Channel struct {
	ID           ChannelID       `json:"id"`
	Endpoint     string          `json:"endpoint"`
	State        ConnectionState `json:"state"`
	LastReceived time.Time       `json:"last_received,omitempty"`
}

// ConnectionState is monotonic within one connection attempt:
// Connecting -> Open -> Closing -> Closed, or Connecting -> Closed on failure.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Status is the only place where connection state is mapped to
// a presentation string.
func (s ConnectionState) Status() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

func (s ConnectionState) IsOpen() bool {
	return s == StateOpen
}

// Live reports whether a connection resource is held in this state.
func (s ConnectionState) Live() bool {
	return s == StateConnecting || s == StateOpen || s == StateClosing
}

func (s ConnectionState) String() string {
	return s.Status()
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.Status()), nil
}

type NotificationKind int

const (
	NotificationState NotificationKind = iota
	NotificationPayload
)

// Notification is a single item emitted by a connection to its consumer.
// State notifications carry Err when the transition was caused by a failure.
type Notification struct {
	Channel    ChannelID
	Kind       NotificationKind
	State      ConnectionState
	Payload    []byte
	Err        error
	ReceivedAt time.Time
}

type Severity int

const (
	SeverityNone Severity = iota
	SeverityYellow
	SeverityRed
)

// Wire values of severity tiers.
const (
	AlertLevelNone   = "NONE"
	AlertLevelYellow = "YELLOW"
	AlertLevelRed    = "RED"
)

func (s Severity) String() string {
	switch s {
	case SeverityYellow:
		return AlertLevelYellow
	case SeverityRed:
		return AlertLevelRed
	default:
		return AlertLevelNone
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func ParseSeverity(level string) (Severity, bool) {
	switch level {
	case AlertLevelNone:
		return SeverityNone, true
	case AlertLevelYellow:
		return SeverityYellow, true
	case AlertLevelRed:
		return SeverityRed, true
	default:
		return SeverityNone, false
	}
}

// Event is an immutable entry of a channel event log.
type Event interface {
	OccurredAt() time.Time
}

type ChatMessage struct {
	Author string
	Body   string
	At     time.Time
}

func (m ChatMessage) OccurredAt() time.Time { return m.At }

type AudioSample struct {
	DeviceID int64
	Peak     float64
	Severity Severity
	At       time.Time
}

func (s AudioSample) OccurredAt() time.Time { return s.At }

type FrameKind int

const (
	FrameSnapshot FrameKind = iota
	FrameIncrement
)

func (k FrameKind) String() string {
	if k == FrameSnapshot {
		return "snapshot"
	}
	return "increment"
}

// Frame is a decoded inbound message. Snapshot frames carry Events,
// increment frames carry Event. Frames have no sequence number,
// ordering is implied by transport delivery order.
type Frame struct {
	Kind   FrameKind
	Type   string
	Events []Event
	Event  Event
}

func Snapshot(typ string, events ...Event) Frame {
	return Frame{Kind: FrameSnapshot, Type: typ, Events: events}
}

func Increment(typ string, event Event) Frame {
	return Frame{Kind: FrameIncrement, Type: typ, Event: event}
}
