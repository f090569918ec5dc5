// Package doctor runs the startup diagnostics behind `roomd doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-rooms/internal/config"
	"github.com/basket/go-rooms/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkAgentCommand,
		checkNarration,
		checkRelay,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, defaults in use", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.Scheduler.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(probe)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and results directories writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "rooms.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	rooms, err := store.ListActiveRooms(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	stale, err := store.ListStaleCycles(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d active rooms", len(rooms))}
	if len(stale) > 0 {
		// Expected while the daemon runs; after a crash they are interrupted on next start.
		res.Detail = fmt.Sprintf("%d cycles marked running", len(stale))
	}
	return res
}

func checkAgentCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent CLI", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Agent.Command)
	if err != nil {
		return CheckResult{
			Name:    "Agent CLI",
			Status:  StatusFail,
			Message: fmt.Sprintf("%q not found on PATH", cfg.Agent.Command),
			Detail:  "Tasks, watches and worker cycles cannot run without it; set agent.command in config.yaml",
		}
	}
	return CheckResult{Name: "Agent CLI", Status: StatusPass, Message: path}
}

func checkNarration(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Narration", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Commentary.Enabled {
		return CheckResult{Name: "Narration", Status: StatusSkip, Message: "Commentary disabled"}
	}
	if cfg.GeminiAPIKey == "" {
		return CheckResult{
			Name:    "Narration",
			Status:  StatusWarn,
			Message: "GEMINI_API_KEY not set, commentary falls back to the agent CLI",
			Detail:  fmt.Sprintf("models=%v", cfg.Commentary.Models),
		}
	}
	return CheckResult{Name: "Narration", Status: StatusPass, Message: "Gemini key configured", Detail: fmt.Sprintf("models=%v", cfg.Commentary.Models)}
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Relay.BaseURL == "" {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "No relay configured"}
	}
	u, err := url.Parse(cfg.Relay.BaseURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Invalid relay.base_url %q", cfg.Relay.BaseURL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Relay",
			Status:  StatusFail,
			Message: fmt.Sprintf("Cannot reach %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	_ = conn.Close()
	return CheckResult{Name: "Relay", Status: StatusPass, Message: fmt.Sprintf("Reached %s (%dms)", host, latency.Milliseconds())}
}
