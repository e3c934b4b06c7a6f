package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.URL != "ws://localhost:8001" {
		t.Fatalf("expected default server url, got %q", cfg.Server.URL)
	}
	if cfg.Server.ReadTimeout() != 30*time.Second {
		t.Fatalf("expected 30s read timeout, got %v", cfg.Server.ReadTimeout())
	}
	if !cfg.Output.SavePartial {
		t.Fatal("expected partial saves enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttsplay.yaml")
	body := `server:
  url: wss://tts.example.com/stream
  read_timeout_ms: 1500
request:
  text: hola
  speed: 1.25
playback:
  backend: "null"
output:
  path: /tmp/out.wav
  save_partial: false
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.URL != "wss://tts.example.com/stream" {
		t.Fatalf("unexpected url %q", cfg.Server.URL)
	}
	if cfg.Server.ReadTimeout() != 1500*time.Millisecond {
		t.Fatalf("unexpected read timeout %v", cfg.Server.ReadTimeout())
	}
	if cfg.Server.ConnectTimeoutMS != 10000 {
		t.Fatalf("expected untouched default connect timeout, got %d", cfg.Server.ConnectTimeoutMS)
	}
	if cfg.Request.Text != "hola" || cfg.Request.Speed != 1.25 {
		t.Fatalf("unexpected request %+v", cfg.Request)
	}
	if cfg.Playback.Backend != "null" {
		t.Fatalf("unexpected backend %q", cfg.Playback.Backend)
	}
	if cfg.Output.SavePartial {
		t.Fatal("expected save_partial false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_TTSPLAY_SERVER_URL", "ws://override:9000")
	t.Setenv("LOQA_TTSPLAY_SERVER_READ_TIMEOUT_MS", "250")
	t.Setenv("LOQA_TTSPLAY_REQUEST_TEXT", "override text")
	t.Setenv("LOQA_TTSPLAY_REQUEST_SEED", "99")
	t.Setenv("LOQA_TTSPLAY_REQUEST_SPEED", "0.8")
	t.Setenv("LOQA_TTSPLAY_PLAYBACK_BACKEND", "exec")
	t.Setenv("LOQA_TTSPLAY_PLAYBACK_COMMAND", "aplay -f FLOAT_LE -r {rate}")
	t.Setenv("LOQA_TTSPLAY_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_TTSPLAY_JOURNAL_MAX_SESSIONS", "12")
	t.Setenv("LOQA_TTSPLAY_BUS_ENABLED", "true")
	t.Setenv("LOQA_TTSPLAY_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.URL != "ws://override:9000" {
		t.Fatalf("expected url override, got %q", cfg.Server.URL)
	}
	if cfg.Server.ReadTimeoutMS != 250 {
		t.Fatalf("expected read timeout override, got %d", cfg.Server.ReadTimeoutMS)
	}
	if cfg.Request.Text != "override text" || cfg.Request.Seed != 99 || cfg.Request.Speed != 0.8 {
		t.Fatalf("expected request overrides, got %+v", cfg.Request)
	}
	if cfg.Playback.Backend != "exec" || cfg.Playback.Command == "" {
		t.Fatalf("expected playback overrides, got %+v", cfg.Playback)
	}
	if cfg.Journal.RetentionMode != "persistent" || cfg.Journal.MaxSessions != 12 {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus overrides, got %+v", cfg.Bus)
	}
}

func TestLoadAppliesOverridesAfterEnv(t *testing.T) {
	t.Setenv("LOQA_TTSPLAY_REQUEST_TEXT", "from env")
	cfg, err := Load("", func(c *Config) { c.Request.Text = "from flag" })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Request.Text != "from flag" {
		t.Fatalf("expected flag to win, got %q", cfg.Request.Text)
	}

	if _, err := Load("", func(c *Config) { c.Playback.Backend = "speaker" }); err == nil {
		t.Fatal("expected overrides to be validated")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"empty url":       func(c *Config) { c.Server.URL = "" },
		"http scheme":     func(c *Config) { c.Server.URL = "http://localhost:8001" },
		"negative read":   func(c *Config) { c.Server.ReadTimeoutMS = -1 },
		"blank text":      func(c *Config) { c.Request.Text = "   " },
		"zero speed":      func(c *Config) { c.Request.Speed = 0 },
		"unknown backend": func(c *Config) { c.Playback.Backend = "alsa" },
		"exec no command": func(c *Config) { c.Playback.Backend = "exec" },
		"bad retention":   func(c *Config) { c.Journal.RetentionMode = "forever" },
		"bad log level":   func(c *Config) { c.Telemetry.LogLevel = "verbose" },
		"bus no servers": func(c *Config) {
			c.Bus.Enabled = true
			c.Bus.Servers = nil
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
