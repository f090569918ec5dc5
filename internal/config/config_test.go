package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-rooms/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromRoomsHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "rooms")
	writeConfig(t, home, "scheduler:\n  tick_seconds: 5\n  stale_run_minutes: 10\nwatch:\n  debounce_ms: 250\n")
	t.Setenv("ROOMS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.TickInterval() != 5*time.Second {
		t.Fatalf("expected 5s tick, got %s", cfg.TickInterval())
	}
	if cfg.StaleRunThreshold() != 10*time.Minute {
		t.Fatalf("expected 10m stale threshold, got %s", cfg.StaleRunThreshold())
	}
	if cfg.DebounceDelay() != 250*time.Millisecond {
		t.Fatalf("expected 250ms debounce, got %s", cfg.DebounceDelay())
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis without config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.TickInterval() != 30*time.Second {
		t.Fatalf("unexpected tick %s", cfg.TickInterval())
	}
	if !cfg.Commentary.Enabled {
		t.Fatal("commentary should default to enabled")
	}
	if cfg.CommentarySilence() != 60*time.Second {
		t.Fatalf("unexpected silence threshold %s", cfg.CommentarySilence())
	}
	if len(cfg.Commentary.EchoMarkers) != len(config.DefaultEchoMarkers) {
		t.Fatalf("expected default echo markers, got %v", cfg.Commentary.EchoMarkers)
	}
	if cfg.Scheduler.ResultsDir != filepath.Join(home, "results") {
		t.Fatalf("unexpected results dir %q", cfg.Scheduler.ResultsDir)
	}
	if cfg.Agent.Command == "" || cfg.Agent.MaxTurns <= 0 {
		t.Fatalf("agent defaults missing: %+v", cfg.Agent)
	}
}

func TestLoad_InvalidValuesNormalized(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: \"  DEBUG \"\nscheduler:\n  tick_seconds: -3\n  run_retention_days: -1\ncommentary:\n  buffer_cap: 0\n  models: []\nrelay:\n  base_url: \"https://relay.example.com/ \"\n")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected lower-cased level, got %q", cfg.LogLevel)
	}
	if cfg.Scheduler.TickSeconds != 30 {
		t.Fatalf("expected default tick, got %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.RunRetention() != 0 {
		t.Fatalf("expected retention disabled, got %s", cfg.RunRetention())
	}
	if cfg.Commentary.BufferCap != 200 {
		t.Fatalf("expected default buffer cap, got %d", cfg.Commentary.BufferCap)
	}
	if len(cfg.Commentary.Models) == 0 {
		t.Fatal("expected default narration models")
	}
	if cfg.Relay.BaseURL != "https://relay.example.com" {
		t.Fatalf("expected trimmed relay url, got %q", cfg.Relay.BaseURL)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:1\nlog_level: info\ncommentary:\n  enabled: true\n")
	t.Setenv("ROOMS_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("ROOMS_LOG_LEVEL", "warn")
	t.Setenv("ROOMS_TICK_SECONDS", "7")
	t.Setenv("ROOMS_COMMENTARY_SILENCE_SECONDS", "90")
	t.Setenv("ROOMS_COMMENTARY_ENABLED", "false")
	t.Setenv("ROOMS_AGENT_COMMAND", "/usr/local/bin/agent")
	t.Setenv("GEMINI_API_KEY", "test-key-123")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr override not applied: %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level override not applied: %q", cfg.LogLevel)
	}
	if cfg.Scheduler.TickSeconds != 7 {
		t.Fatalf("tick override not applied: %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Commentary.SilenceSeconds != 90 {
		t.Fatalf("silence override not applied: %d", cfg.Commentary.SilenceSeconds)
	}
	if cfg.Commentary.Enabled {
		t.Fatal("commentary enabled override not applied")
	}
	if cfg.Agent.Command != "/usr/local/bin/agent" {
		t.Fatalf("agent command override not applied: %q", cfg.Agent.Command)
	}
	if cfg.GeminiAPIKey != "test-key-123" {
		t.Fatalf("gemini key override not applied: %q", cfg.GeminiAPIKey)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "scheduler: [unclosed\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_ChangesWithRestartSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.Scheduler.TickSeconds++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("tick change should alter fingerprint")
	}
}
