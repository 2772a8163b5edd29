// Package config loads the daemon configuration: a TOML file under the
// config dir, initialized with defaults on first run, with PILOTHOUSE_*
// environment variables taking precedence over file values.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	StorageDSN       string `toml:"storage_dsn"`
	ListenHost       string `toml:"listen_host"`
	ListenPort       int    `toml:"listen_port"`
	LogLevel         string `toml:"log_level"`
	APIKey           string `toml:"api_key,omitempty"`
	TmuxSocket       string `toml:"tmux_socket,omitempty"`
	AssistantCommand string `toml:"assistant_command"`

	Supervisor SupervisorConfig `toml:"supervisor"`
	Context    ContextConfig    `toml:"context"`
	Waiting    WaitingConfig    `toml:"waiting"`
	Handoff    HandoffConfig    `toml:"handoff"`
	Realtime   RealtimeConfig   `toml:"realtime"`
}

type SupervisorConfig struct {
	PollIntervalMS  int `toml:"poll_interval_ms"`
	RingCapacity    int `toml:"ring_capacity"`
	ResetWindow     int `toml:"reset_window_lines"`
	StopGraceMS     int `toml:"stop_grace_ms"`
	CommandTimeoutS int `toml:"command_timeout_seconds"`
}

type ContextConfig struct {
	ThresholdPercent  int `toml:"threshold_percent"`
	HysteresisPercent int `toml:"hysteresis_percent"`
	PollIntervalMS    int `toml:"poll_interval_ms"`
	DebounceMS        int `toml:"debounce_ms"`
}

type WaitingConfig struct {
	DebounceMS   int `toml:"debounce_ms"`
	ClearDelayMS int `toml:"clear_delay_ms"`
	OutputWindow int `toml:"output_window_lines"`
}

type HandoffConfig struct {
	TotalTimeoutS  int    `toml:"total_timeout_seconds"`
	ExportTimeoutS int    `toml:"export_timeout_seconds"`
	ExportDelayMS  int    `toml:"export_delay_ms"`
	MtimeTimeoutS  int    `toml:"mtime_timeout_seconds"`
	MtimePollMS    int    `toml:"mtime_poll_ms"`
	ImportTimeoutS int    `toml:"import_timeout_seconds"`
	ImportDelayMS  int    `toml:"import_delay_ms"`
	ExportCommand  string `toml:"export_command"`
	ImportCommand  string `toml:"import_command"`
}

type RealtimeConfig struct {
	PingIntervalS    int `toml:"ping_interval_seconds"`
	PongTimeoutS     int `toml:"pong_timeout_seconds"`
	WriteTimeoutMS   int `toml:"write_timeout_ms"`
	MaxMessageBytes  int `toml:"max_message_bytes"`
	RateLimitCount   int `toml:"rate_limit_count"`
	RateLimitWindowS int `toml:"rate_limit_window_seconds"`
	OutboundQueue    int `toml:"outbound_queue"`
	ShutdownDrainMS  int `toml:"shutdown_drain_ms"`
}

func (c SupervisorConfig) PollInterval() time.Duration { return msDur(c.PollIntervalMS) }
func (c SupervisorConfig) StopGrace() time.Duration    { return msDur(c.StopGraceMS) }
func (c SupervisorConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutS) * time.Second
}

func (c ContextConfig) PollInterval() time.Duration { return msDur(c.PollIntervalMS) }
func (c ContextConfig) Debounce() time.Duration     { return msDur(c.DebounceMS) }

func (c WaitingConfig) Debounce() time.Duration   { return msDur(c.DebounceMS) }
func (c WaitingConfig) ClearDelay() time.Duration { return msDur(c.ClearDelayMS) }

func (c HandoffConfig) TotalTimeout() time.Duration  { return time.Duration(c.TotalTimeoutS) * time.Second }
func (c HandoffConfig) ExportTimeout() time.Duration { return time.Duration(c.ExportTimeoutS) * time.Second }
func (c HandoffConfig) ExportDelay() time.Duration   { return msDur(c.ExportDelayMS) }
func (c HandoffConfig) MtimeTimeout() time.Duration  { return time.Duration(c.MtimeTimeoutS) * time.Second }
func (c HandoffConfig) MtimePoll() time.Duration     { return msDur(c.MtimePollMS) }
func (c HandoffConfig) ImportTimeout() time.Duration { return time.Duration(c.ImportTimeoutS) * time.Second }
func (c HandoffConfig) ImportDelay() time.Duration   { return msDur(c.ImportDelayMS) }

func (c RealtimeConfig) PingInterval() time.Duration  { return time.Duration(c.PingIntervalS) * time.Second }
func (c RealtimeConfig) PongTimeout() time.Duration   { return time.Duration(c.PongTimeoutS) * time.Second }
func (c RealtimeConfig) WriteTimeout() time.Duration  { return msDur(c.WriteTimeoutMS) }
func (c RealtimeConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowS) * time.Second
}
func (c RealtimeConfig) ShutdownDrain() time.Duration { return msDur(c.ShutdownDrainMS) }

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// DefaultConfigDir returns ~/.config/pilothouse.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PILOTHOUSE_CONFIG_DIR")); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pilothouse"), nil
}

func Default() Config {
	return Config{
		ListenHost:       "127.0.0.1",
		ListenPort:       4811,
		LogLevel:         "info",
		AssistantCommand: "claude",
		Supervisor: SupervisorConfig{
			PollIntervalMS:  2000,
			RingCapacity:    1000,
			ResetWindow:     100,
			StopGraceMS:     2000,
			CommandTimeoutS: 30,
		},
		Context: ContextConfig{
			ThresholdPercent:  20,
			HysteresisPercent: 5,
			PollIntervalMS:    1000,
			DebounceMS:        100,
		},
		Waiting: WaitingConfig{
			DebounceMS:   500,
			ClearDelayMS: 2000,
			OutputWindow: 30,
		},
		Handoff: HandoffConfig{
			TotalTimeoutS:  60,
			ExportTimeoutS: 5,
			ExportDelayMS:  2000,
			MtimeTimeoutS:  30,
			MtimePollMS:    1000,
			ImportTimeoutS: 15,
			ImportDelayMS:  3000,
			ExportCommand:  "/exportHandoff",
			ImportCommand:  "/importHandoff",
		},
		Realtime: RealtimeConfig{
			PingIntervalS:    30,
			PongTimeoutS:     60,
			WriteTimeoutMS:   5000,
			MaxMessageBytes:  64 * 1024,
			RateLimitCount:   100,
			RateLimitWindowS: 10,
			OutboundQueue:    256,
			ShutdownDrainMS:  2000,
		},
	}
}

// Load resolves the effective configuration: file values (created with
// defaults on first run), then env overrides, then normalization.
func Load() (Config, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return Config{}, err
	}
	store := NewStore(dir)
	cfg, err := store.LoadOrInit()
	if err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	return Normalize(cfg), nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_DB")); v != "" {
		cfg.StorageDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_API_KEY")); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_TMUX_SOCKET")); v != "" {
		cfg.TmuxSocket = v
	}
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_ASSISTANT_CMD")); v != "" {
		cfg.AssistantCommand = v
	}
	if v := strings.TrimSpace(os.Getenv("PILOTHOUSE_LISTEN_HOST")); v != "" {
		cfg.ListenHost = v
	}
	if n := atoiOrDefault(os.Getenv("PILOTHOUSE_LISTEN_PORT"), 0); n > 0 {
		cfg.ListenPort = n
	}
	if n := atoiOrDefault(os.Getenv("PILOTHOUSE_HANDOFF_THRESHOLD"), 0); n > 0 {
		cfg.Context.ThresholdPercent = n
	}
}

// Normalize fills zero values with defaults and clamps operator-tunable
// ranges. The handoff threshold is held to 5-50 remaining percent.
func Normalize(cfg Config) Config {
	def := Default()
	if strings.TrimSpace(cfg.StorageDSN) == "" {
		cfg.StorageDSN = defaultStorageDSN()
	}
	if strings.TrimSpace(cfg.ListenHost) == "" {
		cfg.ListenHost = def.ListenHost
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = def.ListenPort
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.AssistantCommand) == "" {
		cfg.AssistantCommand = def.AssistantCommand
	}

	fillInt(&cfg.Supervisor.PollIntervalMS, def.Supervisor.PollIntervalMS)
	fillInt(&cfg.Supervisor.RingCapacity, def.Supervisor.RingCapacity)
	fillInt(&cfg.Supervisor.ResetWindow, def.Supervisor.ResetWindow)
	fillInt(&cfg.Supervisor.StopGraceMS, def.Supervisor.StopGraceMS)
	fillInt(&cfg.Supervisor.CommandTimeoutS, def.Supervisor.CommandTimeoutS)

	fillInt(&cfg.Context.ThresholdPercent, def.Context.ThresholdPercent)
	if cfg.Context.ThresholdPercent < 5 {
		cfg.Context.ThresholdPercent = 5
	}
	if cfg.Context.ThresholdPercent > 50 {
		cfg.Context.ThresholdPercent = 50
	}
	fillInt(&cfg.Context.HysteresisPercent, def.Context.HysteresisPercent)
	fillInt(&cfg.Context.PollIntervalMS, def.Context.PollIntervalMS)
	fillInt(&cfg.Context.DebounceMS, def.Context.DebounceMS)

	fillInt(&cfg.Waiting.DebounceMS, def.Waiting.DebounceMS)
	fillInt(&cfg.Waiting.ClearDelayMS, def.Waiting.ClearDelayMS)
	fillInt(&cfg.Waiting.OutputWindow, def.Waiting.OutputWindow)
	if cfg.Waiting.ClearDelayMS < cfg.Waiting.DebounceMS {
		cfg.Waiting.ClearDelayMS = cfg.Waiting.DebounceMS
	}

	fillInt(&cfg.Handoff.TotalTimeoutS, def.Handoff.TotalTimeoutS)
	fillInt(&cfg.Handoff.ExportTimeoutS, def.Handoff.ExportTimeoutS)
	fillInt(&cfg.Handoff.ExportDelayMS, def.Handoff.ExportDelayMS)
	fillInt(&cfg.Handoff.MtimeTimeoutS, def.Handoff.MtimeTimeoutS)
	fillInt(&cfg.Handoff.MtimePollMS, def.Handoff.MtimePollMS)
	fillInt(&cfg.Handoff.ImportTimeoutS, def.Handoff.ImportTimeoutS)
	fillInt(&cfg.Handoff.ImportDelayMS, def.Handoff.ImportDelayMS)
	if strings.TrimSpace(cfg.Handoff.ExportCommand) == "" {
		cfg.Handoff.ExportCommand = def.Handoff.ExportCommand
	}
	if strings.TrimSpace(cfg.Handoff.ImportCommand) == "" {
		cfg.Handoff.ImportCommand = def.Handoff.ImportCommand
	}

	fillInt(&cfg.Realtime.PingIntervalS, def.Realtime.PingIntervalS)
	fillInt(&cfg.Realtime.PongTimeoutS, def.Realtime.PongTimeoutS)
	fillInt(&cfg.Realtime.WriteTimeoutMS, def.Realtime.WriteTimeoutMS)
	fillInt(&cfg.Realtime.MaxMessageBytes, def.Realtime.MaxMessageBytes)
	fillInt(&cfg.Realtime.RateLimitCount, def.Realtime.RateLimitCount)
	fillInt(&cfg.Realtime.RateLimitWindowS, def.Realtime.RateLimitWindowS)
	fillInt(&cfg.Realtime.OutboundQueue, def.Realtime.OutboundQueue)
	fillInt(&cfg.Realtime.ShutdownDrainMS, def.Realtime.ShutdownDrainMS)

	return cfg
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func defaultStorageDSN() string {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "pilothouse.db"
	}
	return filepath.Join(dir, "pilothouse.db")
}

func atoiOrDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	return n
}
