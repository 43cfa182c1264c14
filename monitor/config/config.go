// Package config loads the monitor configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/babycam-monitor/monitor/alert"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Duration is a time.Duration written as "5s" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type (
	Config struct {
		LogLevel   string `toml:"log_level"`
		ListenAddr string `toml:"listen_addr"`

		API        API           `toml:"api"`
		Monitor    Monitor       `toml:"monitor"`
		Connection Connection    `toml:"connection"`
		Stream     Stream        `toml:"stream"`
		Alert      alert.Options `toml:"alert"`
	}

	API struct {
		BaseURL string   `toml:"base_url"`
		Timeout Duration `toml:"timeout"`
	}

	Monitor struct {
		WSBaseURL string `toml:"ws_base_url"`
		DeviceID  int64  `toml:"device_id"`
		Room      string `toml:"room"`
		User      string `toml:"user"`
	}

	Connection struct {
		PingInterval   Duration `toml:"ping_interval"`
		PongWait       Duration `toml:"pong_wait"`
		MaxMessageSize int64    `toml:"max_message_size"`
	}

	Stream struct {
		// Source overrides the stream url of the device.
		Source           string   `toml:"source"`
		PollInterval     Duration `toml:"poll_interval"`
		FetchTimeout     Duration `toml:"fetch_timeout"`
		RecoveryInterval Duration `toml:"recovery_interval"`
		RecoveryBurst    int      `toml:"recovery_burst"`
		// Direct disables managed playback.
		Direct bool `toml:"direct"`
	}
)

func Default() Config {
	return Config{
		LogLevel:   zerolog.LevelInfoValue,
		ListenAddr: ":8090",
		API: API{
			BaseURL: "http://localhost:8000",
			Timeout: Duration{10 * time.Second},
		},
		Monitor: Monitor{
			WSBaseURL: "ws://localhost:8000",
			DeviceID:  1,
			Room:      "lobby",
		},
		Connection: Connection{
			PingInterval:   Duration{5 * time.Second},
			PongWait:       Duration{7 * time.Second},
			MaxMessageSize: 1 << 20,
		},
		Stream: Stream{
			PollInterval:     Duration{2 * time.Second},
			FetchTimeout:     Duration{10 * time.Second},
			RecoveryInterval: Duration{10 * time.Second},
			RecoveryBurst:    3,
		},
		Alert: alert.DefaultOptions(),
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if cfg, err = Parse(data); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if err := checkURL(cfg.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if err := checkURL(cfg.Monitor.WSBaseURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("monitor.ws_base_url: %w", err))
	}
	if cfg.Monitor.DeviceID <= 0 {
		errs = append(errs, errors.New("monitor.device_id must be positive"))
	}
	if cfg.Monitor.Room == "" {
		errs = append(errs, errors.New("monitor.room is empty"))
	}
	if cfg.Stream.Source != "" {
		if err := checkURL(cfg.Stream.Source, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("stream.source: %w", err))
		}
	}
	if cfg.Stream.RecoveryBurst < 0 {
		errs = append(errs, errors.New("stream.recovery_burst is negative"))
	}
	if err := cfg.Alert.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alert: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// AudioEndpoint is the websocket endpoint of the device monitor channel.
func (m Monitor) AudioEndpoint() string {
	return strings.TrimRight(m.WSBaseURL, "/") + "/ws/monitor/" + strconv.FormatInt(m.DeviceID, 10) + "/"
}

// ChatEndpoint is the websocket endpoint of the chat room channel.
func (m Monitor) ChatEndpoint() string {
	return strings.TrimRight(m.WSBaseURL, "/") + "/ws/chat/" + url.PathEscape(m.Room) + "/"
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %v", raw, schemes)
}
