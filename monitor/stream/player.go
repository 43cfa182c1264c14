package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

type EventKind int

const (
	EventPlay EventKind = iota
	EventError
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	}
	return "unknown"
}

type FaultKind int

const (
	FaultNetwork FaultKind = iota
	FaultMedia
	FaultOther
)

func (k FaultKind) String() string {
	switch k {
	case FaultNetwork:
		return "network"
	case FaultMedia:
		return "media"
	}
	return "other"
}

// Fault is a delivery failure raised by a player.
type Fault struct {
	Kind  FaultKind
	Fatal bool
	Err   error
}

func (f *Fault) Error() string {
	severity := "non-fatal"
	if f.Fatal {
		severity = "fatal"
	}
	if f.Err == nil {
		return fmt.Sprintf("%s %s fault", severity, f.Kind)
	}
	return fmt.Sprintf("%s %s fault: %v", severity, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

type PlayerEvent struct {
	Kind EventKind
	// Fault is set for EventError.
	Fault *Fault
}

// Player is the media playback primitive driven by the controller.
// Events must not block forever once Destroy is called.
type Player interface {
	Load(ctx context.Context, source string) error
	ReloadSource() error
	RecoverMedia() error
	Events() <-chan PlayerEvent
	Destroy()
}

type PlayerConfig struct {
	Logger *zerolog.Logger
	// Client performs every manifest and segment fetch of the session.
	Client *http.Client
}

type PlayerFactory interface {
	// Supported reports whether managed playback is available at all.
	Supported() bool
	NewPlayer(cfg PlayerConfig) (Player, error)
}
