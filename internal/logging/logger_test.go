package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"info", "info", slog.LevelInfo},
		{"debug", "debug", slog.LevelDebug},
		{"trace", "trace", LevelTrace},
		{"uppercase INFO", "INFO", slog.LevelInfo},
		{"uppercase DEBUG", "DEBUG", slog.LevelDebug},
		{"uppercase TRACE", "TRACE", LevelTrace},
		{"mixed case Debug", "Debug", slog.LevelDebug},
		{"warn", "warn", slog.LevelWarn},
		{"unknown defaults to info", "unknown", slog.LevelInfo},
		{"empty defaults to info", "", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"info level", "info"},
		{"debug level", "debug"},
		{"trace level", "trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)
			if logger == nil {
				t.Fatal("NewLogger returned nil")
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		logAtDebug bool
		logAtInfo  bool
	}{
		{"info filters debug", "info", false, true},
		{"debug passes debug", "debug", true, true},
		{"trace passes debug", "trace", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)

			logger.Debug("debug message")
			hasDebug := strings.Contains(buf.String(), "debug message")
			if hasDebug != tt.logAtDebug {
				t.Errorf("debug message visible = %v, want %v (buf: %q)", hasDebug, tt.logAtDebug, buf.String())
			}

			buf.Reset()
			logger.Info("info message")
			hasInfo := strings.Contains(buf.String(), "info message")
			if hasInfo != tt.logAtInfo {
				t.Errorf("info message visible = %v, want %v (buf: %q)", hasInfo, tt.logAtInfo, buf.String())
			}
		})
	}
}

func TestLevelTrace(t *testing.T) {
	// Trace should be below debug (more verbose)
	if LevelTrace >= slog.LevelDebug {
		t.Errorf("LevelTrace (%d) should be less than LevelDebug (%d)", LevelTrace, slog.LevelDebug)
	}
}

func TestNewDecisionLogger_InfoLevel(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "info")

	// At info level, decision logger should be nil
	if dl != nil {
		t.Error("expected nil DecisionLogger at info level")
	}

	// Nil logger should still be safe to use
	dl.Log(map[string]any{"event": "test"})

	path := filepath.Join(dir, DecisionsFile)
	if _, err := os.Stat(path); err == nil {
		t.Error("sampler_decisions.jsonl should not exist at info level")
	}
}

func TestNewDecisionLogger_DebugLevel(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	dl.Log(map[string]any{"event": "proposal", "delta": -0.87, "accepted": false})

	path := filepath.Join(dir, DecisionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read sampler_decisions.jsonl: %v", err)
	}

	// Parse the JSONL line
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSONL entry: %v", err)
	}

	if entry["event"] != "proposal" {
		t.Errorf("event = %v, want proposal", entry["event"])
	}
	if entry["delta"] != -0.87 {
		t.Errorf("delta = %v, want -0.87", entry["delta"])
	}
	if entry["accepted"] != false {
		t.Errorf("accepted = %v, want false", entry["accepted"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in decision log entry")
	}
}

func TestNewDecisionLogger_TraceLevel(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "trace")
	defer dl.Close()

	dl.Log(map[string]any{"event": "langevin_kick"})

	path := filepath.Join(dir, DecisionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read sampler_decisions.jsonl: %v", err)
	}

	if !strings.Contains(string(data), "langevin_kick") {
		t.Error("expected langevin_kick in sampler_decisions.jsonl")
	}
}

func TestNewDecisionLogger_MultipleWrites(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	dl.Log(map[string]any{"event": "first"})
	dl.Log(map[string]any{"event": "second"})

	path := filepath.Join(dir, DecisionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read sampler_decisions.jsonl: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}

	var first, second map[string]any
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)

	if first["event"] != "first" {
		t.Errorf("first event = %v, want 'first'", first["event"])
	}
	if second["event"] != "second" {
		t.Errorf("second event = %v, want 'second'", second["event"])
	}
}

func TestDecisionLogger_NilSafety(t *testing.T) {
	// nil DecisionLogger should not panic
	var dl *DecisionLogger
	dl.Log(map[string]any{"event": "proposal"})
	dl.Close()
}

func TestDecisionLogger_DoesNotMutateCallerMap(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	event := map[string]any{"event": "test"}
	dl.Log(event)

	if _, hasTime := event["time"]; hasTime {
		t.Error("Log() should not mutate caller's map, but 'time' was injected")
	}
}

func TestDecisionLogger_LogAfterClose(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")

	dl.Log(map[string]any{"event": "before_close"})
	dl.Close()

	// Should be a no-op, not panic or error
	dl.Log(map[string]any{"event": "after_close"})
}

func TestNewDecisionLogger_CreatesDir(t *testing.T) {
	base := t.TempDir()
	nestedDir := filepath.Join(base, "sub", "dir")

	dl := NewDecisionLogger(nestedDir, "debug")
	if dl == nil {
		t.Fatal("expected non-nil DecisionLogger when dir needs creation")
	}
	defer dl.Close()

	dl.Log(map[string]any{"event": "phase"})

	path := filepath.Join(nestedDir, DecisionsFile)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("sampler_decisions.jsonl should exist after dir creation: %v", err)
	}
}

func TestDecisionLogger_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	dl.Log(map[string]any{"event": "phase"})

	path := filepath.Join(dir, DecisionsFile)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat sampler_decisions.jsonl: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestNewDecisionLogger_WarnLevel(t *testing.T) {
	if dl := NewDecisionLogger(t.TempDir(), "warn"); dl != nil {
		t.Error("expected nil DecisionLogger at warn level")
	}
}

func TestNewDecisionWriter(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDecisionWriter(&buf)
	dl.Log(map[string]any{"event": "proposal", "accepted": true})
	dl.Close()
	dl.Log(map[string]any{"event": "after_close"})

	var got map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("decoding %q: %v", buf.String(), err)
	}
	if got["accepted"] != true {
		t.Errorf("accepted = %v, want true", got["accepted"])
	}
	if _, ok := got["time"]; !ok {
		t.Error("expected a time field")
	}
}
