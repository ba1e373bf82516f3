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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the previous and the newly loaded configuration.
type ChangeHandler func(old, updated *Config)

// Watcher reloads a config file when it changes on disk.
//
// The parent directory is watched rather than the file so that editors
// which replace the file on save are still seen. Bursts of events are
// debounced into one reload. A file that fails to parse or validate is
// logged and ignored; the previous configuration stays current.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handler  ChangeHandler
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Config

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long to wait for more events before reloading.
	// Default: 100ms
	Debounce time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewWatcher creates a watcher for path. current is the configuration last
// read from the file, before any command-line overrides; reloads are
// compared against it.
func NewWatcher(path string, current *Config, handler ChangeHandler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		opts = &WatcherOptions{}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		handler:  handler,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "config_watcher"), slog.String("path", abs)),
		current:  current,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// Current returns the configuration last read from the file.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	updated, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous configuration",
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	old := w.current
	if old != nil {
		updated.Telemetry.Registry = old.Telemetry.Registry
		updated.Telemetry.Output = old.Telemetry.Output
	}
	w.current = updated
	w.mu.Unlock()

	if old == nil || reflect.DeepEqual(old, updated) {
		return
	}
	w.logger.Info("config reloaded")
	if w.handler != nil {
		w.handler(old, updated)
	}
}

// FrequencySetter is the part of an engine a reload can change live.
type FrequencySetter interface {
	SetControllerFrequency(hz float64) error
	SetSimulatorFrequency(hz float64) error
}

// Overrides marks settings fixed for this run by command-line flags. A
// reload never changes them.
type Overrides struct {
	ControllerHz bool
	SimulatorHz  bool
}

// ApplyLive returns a ChangeHandler that applies tick frequency changes to
// target and logs every other change as needing a restart. old and updated
// are both file configurations, so only edits to the file itself count.
func ApplyLive(target FrequencySetter, pinned Overrides, logger *slog.Logger) ChangeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(old, updated *Config) {
		if old.Controller.Hz != updated.Controller.Hz && pinned.ControllerHz {
			logger.Info("controller.hz changed in file but --controller-hz is set; keeping the flag value")
		} else if old.Controller.Hz != updated.Controller.Hz {
			if err := target.SetControllerFrequency(updated.Controller.Hz); err != nil {
				logger.Warn("controller frequency not applied", slog.String("error", err.Error()))
			}
		}
		if old.Simulator.Hz != updated.Simulator.Hz && pinned.SimulatorHz {
			logger.Info("simulator.hz changed in file but --simulator-hz is set; keeping the flag value")
		} else if old.Simulator.Hz != updated.Simulator.Hz {
			if err := target.SetSimulatorFrequency(updated.Simulator.Hz); err != nil {
				logger.Warn("simulator frequency not applied", slog.String("error", err.Error()))
			}
		}

		a, b := *old, *updated
		a.Controller, b.Controller = SideConfig{}, SideConfig{}
		a.Simulator, b.Simulator = SideConfig{}, SideConfig{}
		if !reflect.DeepEqual(a, b) {
			logger.Warn("config changes outside controller.hz and simulator.hz take effect after restart")
		}
	}
}
