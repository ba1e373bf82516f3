// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickSpyker/multi-agent-engine/pkg/extensions"
	"github.com/NickSpyker/multi-agent-engine/pkg/logging"
	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60.0, cfg.Controller.Hz)
	assert.Equal(t, 30.0, cfg.Simulator.Hz)
	assert.Equal(t, message.Reject, cfg.Policy())
	assert.Len(t, cfg.EngineOptions(), 5)
	assert.EqualValues(t, 5, cfg.Breaker().MaxFailures)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
controller:
  hz: 120
channels:
  capacity: 64
  overflow_policy: drop_oldest
pipeline:
  breaker:
    open_timeout: 2s
demo:
  agents: 42
`))
	require.NoError(t, err)
	assert.Equal(t, 120.0, cfg.Controller.Hz)
	assert.Equal(t, 30.0, cfg.Simulator.Hz, "unset fields keep defaults")
	assert.Equal(t, 64, cfg.Channels.Capacity)
	assert.Equal(t, message.DropOldest, cfg.Policy())
	assert.Equal(t, 2*time.Second, cfg.Pipeline.Breaker.OpenTimeout)
	assert.Equal(t, 42, cfg.Demo.Agents)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero hz", "simulator:\n  hz: 0\n"},
		{"unknown policy", "channels:\n  overflow_policy: spill\n"},
		{"zero capacity", "channels:\n  capacity: 0\n"},
		{"bad device", "pipeline:\n  device: tpu\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"admin without addr", "admin:\n  enabled: true\n  addr: \"\"\n"},
		{"bad exporter", "telemetry:\n  trace_exporter: zipkin\n"},
		{"short token", "admin:\n  tokens:\n    - {token: abc, user: ops, role: operator}\n"},
		{"bad user", "admin:\n  tokens:\n    - {token: 0123456789abcdef, user: \"a b\", role: viewer}\n"},
		{"log dir escapes", "logging:\n  dir: ../../etc\n"},
		{"history without dir", "history:\n  enabled: true\n  dir: \"\"\n"},
		{"negative history keep", "history:\n  keep: -1\n"},
		{"unknown log export", "logging:\n  export: syslog\n"},
		{"file export without path", "logging:\n  export: file\n"},
		{"bad role", "admin:\n  tokens:\n    - {token: 0123456789abcdef, user: ops, role: root}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Parse([]byte("controller: [1, 2"))
	assert.Error(t, err)
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "must not overwrite")
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Controller, cfg.Controller)
	assert.Equal(t, want.Pipeline, cfg.Pipeline)
	assert.Equal(t, want.Admin, cfg.Admin)
}

func TestAdminExtensions(t *testing.T) {
	ctx := context.Background()

	open := Default().AdminExtensions(nil)
	info, err := open.AuthProvider.Validate(ctx, "")
	require.NoError(t, err)
	assert.True(t, info.HasRole(extensions.RoleOperator))

	cfg, err := Parse([]byte(`
admin:
  tokens:
    - token: 0123456789abcdef
      user: dash
      role: viewer
`))
	require.NoError(t, err)
	secured := cfg.AdminExtensions(nil)
	_, err = secured.AuthProvider.Validate(ctx, "")
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)

	info, err = secured.AuthProvider.Validate(ctx, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "dash", info.UserID)
	err = secured.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{User: info, Action: "stop", Mutating: true})
	assert.ErrorIs(t, err, extensions.ErrForbidden)
}

func TestHistoryStore(t *testing.T) {
	cfg, err := Parse([]byte("history:\n  enabled: true\n  dir: /tmp/runs\n  keep: 7\n"))
	require.NoError(t, err)

	hc := cfg.HistoryStore(nil)
	assert.Equal(t, "/tmp/runs", hc.Path)
	assert.Equal(t, 7, hc.Keep)
	assert.True(t, hc.SyncWrites)
	assert.False(t, hc.InMemory)
}

func TestLogExporter(t *testing.T) {
	cfg := Default()
	exp, err := cfg.LogExporter(&bytes.Buffer{})
	require.NoError(t, err)
	assert.Nil(t, exp)

	var out bytes.Buffer
	cfg.Logging.Export = "stdout"
	exp, err = cfg.LogExporter(&out)
	require.NoError(t, err)
	require.NoError(t, exp.Export(context.Background(), logging.LogEntry{Level: logging.LevelWarn, Message: "late tick"}))
	assert.Contains(t, out.String(), "WARN: late tick")

	path := filepath.Join(t.TempDir(), "export.log")
	cfg, err = Parse([]byte("logging:\n  export: file\n  export_path: " + path + "\n"))
	require.NoError(t, err)
	exp, err = cfg.LogExporter(nil)
	require.NoError(t, err)
	require.NoError(t, exp.Export(context.Background(), logging.LogEntry{Level: logging.LevelInfo, Message: "saved"}))
	require.NoError(t, exp.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFO: saved")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// Watcher
// -----------------------------------------------------------------------------

type recordingSetter struct {
	mu   sync.Mutex
	ctrl float64
	sim  float64
}

func (r *recordingSetter) SetControllerFrequency(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctrl = hz
	return nil
}

func (r *recordingSetter) SetSimulatorFrequency(hz float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sim = hz
	return nil
}

func (r *recordingSetter) get() (float64, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctrl, r.sim
}

func TestApplyLive(t *testing.T) {
	target := &recordingSetter{}
	old := Default()
	updated := Default()
	updated.Simulator.Hz = 90

	ApplyLive(target, Overrides{}, nil)(old, updated)
	ctrl, sim := target.get()
	assert.Zero(t, ctrl, "unchanged frequency must not be reapplied")
	assert.Equal(t, 90.0, sim)
}

func TestApplyLive_KeepsOverriddenFrequency(t *testing.T) {
	target := &recordingSetter{}
	apply := ApplyLive(target, Overrides{ControllerHz: true}, nil)

	// An unrelated edit leaves both frequencies alone.
	old := Default()
	updated := Default()
	updated.Logging.Level = "debug"
	apply(old, updated)
	ctrl, sim := target.get()
	assert.Zero(t, ctrl)
	assert.Zero(t, sim)

	// A file edit to a flag-pinned frequency is ignored; the other applies.
	updated = Default()
	updated.Controller.Hz = 30
	updated.Simulator.Hz = 90
	apply(old, updated)
	ctrl, sim = target.get()
	assert.Zero(t, ctrl, "flag value must survive the reload")
	assert.Equal(t, 90.0, sim)
}

func TestWatcher_AppliesFrequencyChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("simulator:\n  hz: 30\n"), 0644))

	current, err := Load(path)
	require.NoError(t, err)

	target := &recordingSetter{}
	w, err := NewWatcher(path, current, ApplyLive(target, Overrides{}, nil), &WatcherOptions{Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("simulator:\n  hz: -5\n"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 30.0, w.Current().Simulator.Hz)

	require.NoError(t, os.WriteFile(path, []byte("simulator:\n  hz: 45\n"), 0644))
	require.Eventually(t, func() bool {
		_, sim := target.get()
		return sim == 45
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 45.0, w.Current().Simulator.Hz)
}
