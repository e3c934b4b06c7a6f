package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Server      ServerConfig    `yaml:"server"`
	Request     RequestConfig   `yaml:"request"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Output      OutputConfig    `yaml:"output"`
	Journal     JournalConfig   `yaml:"journal"`
	Bus         BusConfig       `yaml:"bus"`
}

// ServerConfig locates the TTS websocket endpoint. Timeouts of 0 disable the bound.
type ServerConfig struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	ConnectTimeoutMS int               `yaml:"connect_timeout_ms"`
	SendTimeoutMS    int               `yaml:"send_timeout_ms"`
	ReadTimeoutMS    int               `yaml:"read_timeout_ms"`
	MaxMessageBytes  int64             `yaml:"max_message_bytes"`
}

func (s ServerConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutMS) * time.Millisecond
}

func (s ServerConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMS) * time.Millisecond
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

type RequestConfig struct {
	Text       string  `yaml:"text"`
	Mode       string  `yaml:"mode"`
	PromptText string  `yaml:"prompt_text"`
	PromptWav  string  `yaml:"prompt_wav"`
	Speed      float64 `yaml:"speed"`
	Seed       int64   `yaml:"seed"`
}

type PlaybackConfig struct {
	Backend string `yaml:"backend"` // oto, exec, null
	Command string `yaml:"command"`
	// BufferMS sizes the oto player buffer.
	BufferMS int  `yaml:"buffer_ms"`
	Realtime bool `yaml:"realtime"`
}

type OutputConfig struct {
	Path        string `yaml:"path"`
	SavePartial bool   `yaml:"save_partial"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-ttsplay",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Server: ServerConfig{
			URL:              "ws://localhost:8001",
			ConnectTimeoutMS: 10000,
			SendTimeoutMS:    5000,
			ReadTimeoutMS:    30000,
			MaxMessageBytes:  16 << 20,
		},
		Request: RequestConfig{
			Text:       "Hello, this is a websocket streaming test. Audio is played as it arrives instead of after the whole utterance.",
			Mode:       "zero_shot",
			PromptText: "",
			PromptWav:  "./asset/zero_shot_prompt.wav",
			Speed:      1.0,
			Seed:       12345,
		},
		Playback: PlaybackConfig{
			Backend:  "oto",
			BufferMS: 200,
		},
		Output: OutputConfig{
			Path:        "output_full.wav",
			SavePartial: true,
		},
		Journal: JournalConfig{
			Path:          "./data/ttsplay.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "ttsplay",
		},
	}
}

// Load reads path (optional), applies a .env file if present, LOQA_TTSPLAY_* overrides and then
// the given overrides (command-line flags), and validates the result.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is the common case.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	for _, override := range overrides {
		override(&cfg)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTSPLAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTSPLAY_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTSPLAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTSPLAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTSPLAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TTSPLAY_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TTSPLAY_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Server.URL, "LOQA_TTSPLAY_SERVER_URL")
	overrideInt(&cfg.Server.ConnectTimeoutMS, "LOQA_TTSPLAY_SERVER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Server.SendTimeoutMS, "LOQA_TTSPLAY_SERVER_SEND_TIMEOUT_MS")
	overrideInt(&cfg.Server.ReadTimeoutMS, "LOQA_TTSPLAY_SERVER_READ_TIMEOUT_MS")
	overrideInt64(&cfg.Server.MaxMessageBytes, "LOQA_TTSPLAY_SERVER_MAX_MESSAGE_BYTES")
	overrideString(&cfg.Request.Text, "LOQA_TTSPLAY_REQUEST_TEXT")
	overrideString(&cfg.Request.Mode, "LOQA_TTSPLAY_REQUEST_MODE")
	overrideString(&cfg.Request.PromptText, "LOQA_TTSPLAY_REQUEST_PROMPT_TEXT")
	overrideString(&cfg.Request.PromptWav, "LOQA_TTSPLAY_REQUEST_PROMPT_WAV")
	overrideFloat(&cfg.Request.Speed, "LOQA_TTSPLAY_REQUEST_SPEED")
	overrideInt64(&cfg.Request.Seed, "LOQA_TTSPLAY_REQUEST_SEED")
	overrideString(&cfg.Playback.Backend, "LOQA_TTSPLAY_PLAYBACK_BACKEND")
	overrideString(&cfg.Playback.Command, "LOQA_TTSPLAY_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.BufferMS, "LOQA_TTSPLAY_PLAYBACK_BUFFER_MS")
	overrideBool(&cfg.Playback.Realtime, "LOQA_TTSPLAY_PLAYBACK_REALTIME")
	overrideString(&cfg.Output.Path, "LOQA_TTSPLAY_OUTPUT_PATH")
	overrideBool(&cfg.Output.SavePartial, "LOQA_TTSPLAY_OUTPUT_SAVE_PARTIAL")
	overrideString(&cfg.Journal.Path, "LOQA_TTSPLAY_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "LOQA_TTSPLAY_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "LOQA_TTSPLAY_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "LOQA_TTSPLAY_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "LOQA_TTSPLAY_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTSPLAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTSPLAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTSPLAY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTSPLAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTSPLAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTSPLAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTSPLAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTSPLAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTSPLAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_TTSPLAY_BUS_SUBJECT_PREFIX")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate is exported so callers can re-check after applying CLI flags.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Server.URL == "" {
		return errors.New("server.url must not be empty")
	}
	if !strings.HasPrefix(cfg.Server.URL, "ws://") && !strings.HasPrefix(cfg.Server.URL, "wss://") {
		return errors.New("server.url must use the ws:// or wss:// scheme")
	}
	if cfg.Server.ConnectTimeoutMS < 0 || cfg.Server.SendTimeoutMS < 0 || cfg.Server.ReadTimeoutMS < 0 {
		return errors.New("server timeouts must be >= 0")
	}
	if cfg.Server.MaxMessageBytes < 0 {
		return errors.New("server.max_message_bytes must be >= 0")
	}
	if strings.TrimSpace(cfg.Request.Text) == "" {
		return errors.New("request.text must not be empty")
	}
	if cfg.Request.Speed <= 0 {
		return errors.New("request.speed must be positive")
	}
	switch cfg.Playback.Backend {
	case "oto", "null":
	case "exec":
		if cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when backend=exec")
		}
	default:
		return errors.New("playback.backend must be one of oto|exec|null")
	}
	if cfg.Playback.BufferMS < 0 {
		return errors.New("playback.buffer_ms must be >= 0")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention is enabled")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	return nil
}
