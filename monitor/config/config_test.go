package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adwski/babycam-monitor/monitor/alert"
)

func TestParse(t *testing.T) {
	data := []byte(`
log_level = "debug"
listen_addr = ":9000"

[api]
base_url = "https://babycam.local"
timeout = "3s"

[monitor]
ws_base_url = "wss://babycam.local/"
device_id = 7
room = "nursery"
user = "mom"

[stream]
recovery_burst = 5
poll_interval = "500ms"

[alert]
yellow_threshold = 800
red_threshold = 4000
display_ceiling = 3000
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.ListenAddr != ":9000" {
		t.Errorf("top level = %q %q", cfg.LogLevel, cfg.ListenAddr)
	}
	if cfg.API.Timeout.Duration != 3*time.Second {
		t.Errorf("api.timeout = %v, want 3s", cfg.API.Timeout)
	}
	if cfg.Stream.PollInterval.Duration != 500*time.Millisecond || cfg.Stream.RecoveryBurst != 5 {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	// untouched keys keep defaults
	if cfg.Stream.RecoveryInterval.Duration != 10*time.Second {
		t.Errorf("stream.recovery_interval = %v, want default", cfg.Stream.RecoveryInterval)
	}
	if cfg.Alert != (alert.Options{YellowThreshold: 800, RedThreshold: 4000, DisplayCeiling: 3000}) {
		t.Errorf("alert = %+v", cfg.Alert)
	}

	if got := cfg.Monitor.AudioEndpoint(); got != "wss://babycam.local/ws/monitor/7/" {
		t.Errorf("AudioEndpoint() = %q", got)
	}
	if got := cfg.Monitor.ChatEndpoint(); got != "wss://babycam.local/ws/chat/nursery/" {
		t.Errorf("ChatEndpoint() = %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad level", `log_level = "loud"`},
		{"http websocket base", "[monitor]\nws_base_url = \"http://host\""},
		{"inverted thresholds", "[alert]\nyellow_threshold = 6000\nred_threshold = 5000"},
		{"zero device", "[monitor]\ndevice_id = 0"},
		{"empty room", "[monitor]\nroom = \"\""},
		{"bad stream source", "[stream]\nsource = \"rtsp://cam/live\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Parse() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := Parse([]byte("unknown_key = 1")); err == nil {
		t.Error("Parse() should reject unknown keys")
	}
	if _, err := Parse([]byte("[api]\ntimeout = \"soon\"")); err == nil {
		t.Error("Parse() should reject bad durations")
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Monitor.AudioEndpoint() != "ws://localhost:8000/ws/monitor/1/" {
		t.Errorf("default AudioEndpoint() = %q", cfg.Monitor.AudioEndpoint())
	}

	path := filepath.Join(t.TempDir(), "monitor.toml")
	if err = os.WriteFile(path, []byte("[monitor]\nroom = \"living room\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Monitor.ChatEndpoint(); got != "ws://localhost:8000/ws/chat/living%20room/" {
		t.Errorf("ChatEndpoint() = %q", got)
	}

	if _, err = Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
}
