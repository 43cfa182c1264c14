// Package hls implements the stream player primitive as an HTTP Live Streaming loader.
//
// The player polls the playlist and fetches every newly listed segment
// through the session client. It does not decode media: a fetched segment
// is what counts as delivered.
package hls

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwski/babycam-monitor/monitor/stream"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 2 * time.Second

	maxBodySize  = 1 << 20
	eventsBuffer = 16
)

var (
	ErrNotLoaded         = errors.New("player has no source loaded")
	ErrAlreadyLoaded     = errors.New("player source is already loaded")
	ErrBadSource         = errors.New("source must be an http(s) url")
	ErrMalformedPlaylist = errors.New("malformed playlist")
)

// Factory creates loader players.
type Factory struct {
	PollInterval time.Duration
}

func (f Factory) Supported() bool {
	return true
}

func (f Factory) NewPlayer(cfg stream.PlayerConfig) (stream.Player, error) {
	return NewPlayer(cfg, f.PollInterval), nil
}

type Player struct {
	client   *http.Client
	logger   zerolog.Logger
	interval time.Duration

	events chan stream.PlayerEvent
	reload chan struct{}

	mx        sync.Mutex
	source    *url.URL
	media     *url.URL
	seen      map[string]struct{}
	played    bool
	destroyed bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPlayer(cfg stream.PlayerConfig, interval time.Duration) *Player {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	client := cfg.Client
	if client == nil {
		client = stream.NewHTTPClient(nil, nil, 0)
	}
	return &Player{
		client:   client,
		logger:   cfg.Logger.With().Str("component", "hls-player").Logger(),
		interval: interval,
		events:   make(chan stream.PlayerEvent, eventsBuffer),
		reload:   make(chan struct{}, 1),
		seen:     make(map[string]struct{}),
	}
}

func (p *Player) Events() <-chan stream.PlayerEvent {
	return p.events
}

// Load starts loading source. The player runs until Destroy.
func (p *Player) Load(_ context.Context, source string) error {
	u, err := url.Parse(source)
	if err != nil {
		return errors.Join(ErrBadSource, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrBadSource
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.destroyed || p.source != nil {
		return ErrAlreadyLoaded
	}
	p.source = u
	p.media = u

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

// ReloadSource restarts loading from the playlist after a halt.
func (p *Player) ReloadSource() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.source == nil || p.destroyed {
		return ErrNotLoaded
	}
	p.media = p.source
	p.kick()
	return nil
}

// RecoverMedia drops the delivered state and refetches the current window.
func (p *Player) RecoverMedia() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.source == nil || p.destroyed {
		return ErrNotLoaded
	}
	p.seen = make(map[string]struct{})
	p.played = false
	p.kick()
	return nil
}

func (p *Player) kick() {
	select {
	case p.reload <- struct{}{}:
	default:
	}
}

// Destroy stops loading and waits for in-flight fetches to return. It is idempotent.
func (p *Player) Destroy() {
	p.mx.Lock()
	if p.destroyed {
		p.mx.Unlock()
		return
	}
	p.destroyed = true
	cancel, done := p.cancel, p.done
	p.mx.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.logger.Debug().Msg("player destroyed")
}

func (p *Player) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	halted := false
	for {
		if !halted {
			halted = p.poll(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.reload:
			halted = false
		case <-ticker.C:
		}
	}
}

// poll reports whether loading must halt until a reload.
func (p *Player) poll(ctx context.Context) bool {
	p.mx.Lock()
	playlistURL := p.media
	p.mx.Unlock()

	body, err := p.fetch(ctx, playlistURL.String())
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.fault(ctx, stream.FaultNetwork, true, err)
		return true
	}

	pl, err := parsePlaylist(body)
	if err != nil {
		p.fault(ctx, stream.FaultMedia, true, err)
		return true
	}

	if pl.variant != "" {
		variant, err := playlistURL.Parse(pl.variant)
		if err != nil {
			p.fault(ctx, stream.FaultOther, true, fmt.Errorf("resolve variant: %w", err))
			return true
		}
		p.mx.Lock()
		p.media = variant
		p.mx.Unlock()
		p.logger.Debug().Str("variant", variant.String()).Msg("switched to variant playlist")
		return false
	}

	for _, uri := range pl.segments {
		segmentURL, err := playlistURL.Parse(uri)
		if err != nil {
			p.fault(ctx, stream.FaultOther, true, fmt.Errorf("resolve segment: %w", err))
			return true
		}
		key := segmentURL.String()

		p.mx.Lock()
		_, seen := p.seen[key]
		p.mx.Unlock()
		if seen {
			continue
		}

		if _, err = p.fetch(ctx, key); err != nil {
			if ctx.Err() != nil {
				return true
			}
			p.fault(ctx, stream.FaultNetwork, false, err)
			continue
		}

		p.mx.Lock()
		p.seen[key] = struct{}{}
		first := !p.played
		p.played = true
		p.mx.Unlock()

		p.logger.Trace().Str("segment", key).Msg("segment fetched")
		if first {
			p.emit(ctx, stream.PlayerEvent{Kind: stream.EventPlay})
		}
	}

	if pl.ended {
		p.emit(ctx, stream.PlayerEvent{Kind: stream.EventEnded})
		return true
	}
	return false
}

func (p *Player) fault(ctx context.Context, kind stream.FaultKind, fatal bool, err error) {
	p.logger.Debug().Err(err).Str("kind", kind.String()).Bool("fatal", fatal).Msg("fault raised")
	p.emit(ctx, stream.PlayerEvent{
		Kind:  stream.EventError,
		Fault: &stream.Fault{Kind: kind, Fatal: fatal, Err: err},
	})
}

func (p *Player) emit(ctx context.Context, ev stream.PlayerEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

func (p *Player) fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", uri, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

type playlist struct {
	segments []string
	variant  string
	ended    bool
}

func parsePlaylist(body []byte) (playlist, error) {
	var (
		pl        playlist
		header    bool
		streamInf bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !header {
			if line != "#EXTM3U" {
				return pl, fmt.Errorf("%w: missing #EXTM3U header", ErrMalformedPlaylist)
			}
			header = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			streamInf = true
		case line == "#EXT-X-ENDLIST":
			pl.ended = true
		case strings.HasPrefix(line, "#"):
		case streamInf:
			if pl.variant == "" {
				pl.variant = line
			}
			streamInf = false
		default:
			pl.segments = append(pl.segments, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return pl, fmt.Errorf("%w: %w", ErrMalformedPlaylist, err)
	}
	if !header {
		return pl, fmt.Errorf("%w: empty playlist", ErrMalformedPlaylist)
	}
	return pl, nil
}
