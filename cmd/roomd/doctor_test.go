package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-rooms/internal/doctor"
)

func TestPrintDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	printDiagnosis(&buf, doctor.Diagnosis{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24.1"},
		Results: []doctor.CheckResult{
			{Name: "Config", Status: doctor.StatusPass, Message: "Loaded"},
			{Name: "Agent CLI", Status: doctor.StatusFail, Message: "missing", Detail: "set agent.command"},
		},
	})
	out := buf.String()
	for _, want := range []string{"2026-01-02T03:04:05Z", "linux/amd64", "[PASS] Config", "[FAIL] Agent CLI", "set agent.command"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
