// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_RoundTripThroughSlog(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := levelFromSlog(l.toSlogLevel()); got != l {
			t.Errorf("levelFromSlog(%v.toSlogLevel()) = %v", l, got)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "sim", Output: &buf})
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("tick late", "skipped", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "tick late") || !strings.Contains(out, "skipped=2") {
		t.Errorf("missing record: %q", out)
	}
	if !strings.Contains(out, "service=sim") {
		t.Errorf("missing service attribute: %q", out)
	}
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Warn("dropped", slog.Int("count", 3))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "dropped" {
		t.Errorf("msg = %v, want dropped", rec["msg"])
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v, want 3", rec["count"])
	}
}

func TestNew_QuietWithoutOtherSinks(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	// Must not panic with no handlers configured.
	logger.Slog().Error("nowhere")
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Quiet: true, LogDir: dir, Service: "engine"})
	logger.Slog().Info("written to file", "run_id", "abc")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "engine_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"written to file"`) {
		t.Errorf("file content = %q", data)
	}
}

func TestLogger_CloseTwice(t *testing.T) {
	logger := New(Config{Quiet: true, LogDir: t.TempDir()})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestLogger_ExporterReceivesSlogRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Service: "engine", Exporter: NewWriterExporter(&buf)})

	child := logger.Slog().With(slog.String("component", "simulator")).WithGroup("tick")
	child.Warn("late", slog.Int("skipped", 4))

	// Close waits for the asynchronous export.
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"WARN: late", "component:simulator", "tick.skipped:4"} {
		if !strings.Contains(out, want) {
			t.Errorf("export output missing %q: %q", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 1 {
		t.Errorf("got %d exported lines, want 1", n)
	}
}

func TestLogger_ExporterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Level: LevelError, Exporter: NewWriterExporter(&buf)})

	logger.Slog().Info("below threshold")
	logger.Slog().Error("above threshold")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if strings.Contains(buf.String(), "below threshold") {
		t.Errorf("info record exported: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "ERROR: above threshold") {
		t.Errorf("error record missing: %q", buf.String())
	}
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	exp := NewWriterExporter(&buf)
	err := exp.Export(context.Background(), LogEntry{Timestamp: time.Unix(0, 0).UTC(), Level: LevelInfo, Message: "hello"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(buf.String(), "INFO: hello") {
		t.Errorf("output = %q", buf.String())
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export", "maengine.log")
	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	logger := New(Config{Quiet: true, Exporter: exp})
	logger.Slog().Warn("simulator late", slog.Int("skipped", 2))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "WARN: simulator late") {
		t.Errorf("file content = %q", data)
	}
	// Writes after Close are discarded, not errors.
	if err := exp.Export(context.Background(), LogEntry{Message: "late"}); err != nil {
		t.Errorf("Export() after Close error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
