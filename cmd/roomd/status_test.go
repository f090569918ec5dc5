package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "")

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "")

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunTaskCommand_SendsTokenAndMapsStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks/t-1/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Load() > 1 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"started":false,"reason":"already_running"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"started":true}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "s3cret")

	if code := runTaskCommand(context.Background(), []string{"t-1"}); code != 0 {
		t.Fatalf("first run exit code %d, want 0", code)
	}
	if code := runTaskCommand(context.Background(), []string{"t-1"}); code != 1 {
		t.Fatalf("second run exit code %d, want 1", code)
	}
	if code := runTaskCommand(context.Background(), nil); code != 2 {
		t.Fatalf("missing id exit code %d, want 2", code)
	}
}

func TestDaemonURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790":        "http://127.0.0.1:18790",
		"0.0.0.0:9000":           "http://127.0.0.1:9000",
		":9000":                  "http://127.0.0.1:9000",
		"http://rooms.local:80/": "http://rooms.local:80",
	}
	for in, want := range cases {
		if got := daemonURL(in); got != want {
			t.Errorf("daemonURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets ROOMS_HOME.
func setTestConfig(t *testing.T, addr, token string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("ROOMS_HOME", home)
	t.Setenv("ROOMS_AUTH_TOKEN", "")
	t.Setenv("ROOMS_BIND_ADDR", "")
	yaml := "bind_addr: \"" + addr + "\"\n"
	if token != "" {
		yaml += "auth_token: \"" + token + "\"\n"
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
