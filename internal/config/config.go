package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig tunes the task scheduler tick and maintenance pass.
type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`

	// StaleRunMinutes is how long a run may stay "running" before maintenance fails it.
	StaleRunMinutes int `yaml:"stale_run_minutes"`

	// RunRetentionDays prunes finished runs older than this. 0 keeps everything.
	RunRetentionDays int    `yaml:"run_retention_days"`
	ResultsDir       string `yaml:"results_dir"`

	DisableOnboarding bool `yaml:"disable_onboarding"`
}

type WatchConfig struct {
	DebounceMillis       int `yaml:"debounce_ms"`
	ActionTimeoutSeconds int `yaml:"action_timeout_seconds"`
}

// CommentaryConfig controls the narration engine.
type CommentaryConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	SilenceSeconds  int  `yaml:"silence_seconds"`
	BufferCap       int  `yaml:"buffer_cap"`
	TimeoutSeconds  int  `yaml:"timeout_seconds"`

	// Models is the narration fallback chain, tried in order.
	Models []string `yaml:"models"`

	// EchoMarkers are phrases that identify log content quoting the human back.
	EchoMarkers []string `yaml:"echo_markers"`
}

type RelayConfig struct {
	BaseURL             string `yaml:"base_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// AgentConfig describes the agent CLI used for task, watch and cycle execution.
type AgentConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	DefaultModel   string   `yaml:"default_model"`
	MaxTurns       int      `yaml:"max_turns"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`

	// CycleIntervalSeconds is the pause between worker cycles. 0 runs one cycle per trigger.
	CycleIntervalSeconds int `yaml:"cycle_interval_seconds"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
	InsecureOTLP bool    `yaml:"insecure"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a bearer token on the gateway.
	AuthToken string `yaml:"auth_token"`

	GeminiAPIKey string `yaml:"gemini_api_key"`

	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Watch      WatchConfig      `yaml:"watch"`
	Commentary CommentaryConfig `yaml:"commentary"`
	Relay      RelayConfig      `yaml:"relay"`
	Agent      AgentConfig      `yaml:"agent"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// TickInterval is the shared cadence for cron reconciliation and watch refresh.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

func (c Config) StaleRunThreshold() time.Duration {
	return time.Duration(c.Scheduler.StaleRunMinutes) * time.Minute
}

func (c Config) RunRetention() time.Duration {
	return time.Duration(c.Scheduler.RunRetentionDays) * 24 * time.Hour
}

func (c Config) DebounceDelay() time.Duration {
	return time.Duration(c.Watch.DebounceMillis) * time.Millisecond
}

func (c Config) WatchActionTimeout() time.Duration {
	return time.Duration(c.Watch.ActionTimeoutSeconds) * time.Second
}

func (c Config) CommentaryInterval() time.Duration {
	return time.Duration(c.Commentary.IntervalSeconds) * time.Second
}

func (c Config) CommentarySilence() time.Duration {
	return time.Duration(c.Commentary.SilenceSeconds) * time.Second
}

func (c Config) CommentaryTimeout() time.Duration {
	return time.Duration(c.Commentary.TimeoutSeconds) * time.Second
}

func (c Config) RelayPollInterval() time.Duration {
	return time.Duration(c.Relay.PollIntervalSeconds) * time.Second
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c Config) AgentCycleInterval() time.Duration {
	return time.Duration(c.Agent.CycleIntervalSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a restart to change.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|debounce=%d|agent=%s|relay=%s",
		c.BindAddr, c.LogLevel, c.Scheduler.TickSeconds, c.Watch.DebounceMillis, c.Agent.Command, c.Relay.BaseURL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultEchoMarkers are the phrases that mark agent output as quoting the keeper's own message.
var DefaultEchoMarkers = []string{
	"keeper said",
	"the keeper asked",
	"message from keeper",
	"[keeper]",
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			TickSeconds:      30,
			StaleRunMinutes:  120,
			RunRetentionDays: 30,
		},
		Watch: WatchConfig{
			DebounceMillis:       500,
			ActionTimeoutSeconds: 120,
		},
		Commentary: CommentaryConfig{
			Enabled:         true,
			IntervalSeconds: 15,
			SilenceSeconds:  60,
			BufferCap:       200,
			TimeoutSeconds:  30,
			Models:          []string{"gemini-2.5-flash", "gemini-2.0-flash"},
			EchoMarkers:     append([]string(nil), DefaultEchoMarkers...),
		},
		Relay: RelayConfig{
			PollIntervalSeconds: 30,
		},
		Agent: AgentConfig{
			Command:        "claude",
			DefaultModel:   "sonnet",
			MaxTurns:       25,
			TimeoutSeconds: int((30 * time.Minute).Seconds()),
		},
		Telemetry: TelemetryConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ROOMS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".rooms")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads config.yaml from an explicit home directory, creating it if needed.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create rooms home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = def.Scheduler.TickSeconds
	}
	if cfg.Scheduler.StaleRunMinutes <= 0 {
		cfg.Scheduler.StaleRunMinutes = def.Scheduler.StaleRunMinutes
	}
	if cfg.Scheduler.RunRetentionDays < 0 {
		cfg.Scheduler.RunRetentionDays = 0
	}
	if strings.TrimSpace(cfg.Scheduler.ResultsDir) == "" {
		cfg.Scheduler.ResultsDir = filepath.Join(cfg.HomeDir, "results")
	}
	if cfg.Agent.CycleIntervalSeconds < 0 {
		cfg.Agent.CycleIntervalSeconds = 0
	}
	if cfg.Watch.DebounceMillis <= 0 {
		cfg.Watch.DebounceMillis = def.Watch.DebounceMillis
	}
	if cfg.Watch.ActionTimeoutSeconds <= 0 {
		cfg.Watch.ActionTimeoutSeconds = def.Watch.ActionTimeoutSeconds
	}
	if cfg.Commentary.IntervalSeconds <= 0 {
		cfg.Commentary.IntervalSeconds = def.Commentary.IntervalSeconds
	}
	if cfg.Commentary.SilenceSeconds < 0 {
		cfg.Commentary.SilenceSeconds = 0
	}
	if cfg.Commentary.BufferCap <= 0 {
		cfg.Commentary.BufferCap = def.Commentary.BufferCap
	}
	if cfg.Commentary.TimeoutSeconds <= 0 {
		cfg.Commentary.TimeoutSeconds = def.Commentary.TimeoutSeconds
	}
	if len(cfg.Commentary.Models) == 0 {
		cfg.Commentary.Models = def.Commentary.Models
	}
	if cfg.Relay.PollIntervalSeconds <= 0 {
		cfg.Relay.PollIntervalSeconds = def.Relay.PollIntervalSeconds
	}
	cfg.Relay.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Relay.BaseURL), "/")
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		cfg.Agent.Command = def.Agent.Command
	}
	if cfg.Agent.DefaultModel == "" {
		cfg.Agent.DefaultModel = def.Agent.DefaultModel
	}
	if cfg.Agent.MaxTurns <= 0 {
		cfg.Agent.MaxTurns = def.Agent.MaxTurns
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = def.Agent.TimeoutSeconds
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ROOMS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ROOMS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ROOMS_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("ROOMS_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickSeconds = v
		}
	}
	if raw := os.Getenv("ROOMS_COMMENTARY_SILENCE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Commentary.SilenceSeconds = v
		}
	}
	if raw := os.Getenv("ROOMS_COMMENTARY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Commentary.Enabled = v
		}
	}
	if raw := os.Getenv("ROOMS_AGENT_COMMAND"); raw != "" {
		cfg.Agent.Command = raw
	}
	if raw := os.Getenv("ROOMS_RELAY_URL"); raw != "" {
		cfg.Relay.BaseURL = raw
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.GeminiAPIKey = raw
	}
}
