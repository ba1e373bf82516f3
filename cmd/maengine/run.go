// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NickSpyker/multi-agent-engine/pkg/logging"
	"github.com/NickSpyker/multi-agent-engine/pkg/ux"
	"github.com/NickSpyker/multi-agent-engine/services/boids"
	"github.com/NickSpyker/multi-agent-engine/services/engine"
	"github.com/NickSpyker/multi-agent-engine/services/engine/admin"
	"github.com/NickSpyker/multi-agent-engine/services/engine/config"
	"github.com/NickSpyker/multi-agent-engine/services/engine/pipeline"
	"github.com/NickSpyker/multi-agent-engine/services/engine/telemetry"
)

// loadConfig reads path. A missing file yields the defaults and found=false.
func loadConfig(path string) (cfg *config.Config, found bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	cfg, err = config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// applyFlags overlays command-line overrides and revalidates.
// overrides reports which live-reloadable settings the flags pin.
func (f runFlags) overrides() config.Overrides {
	return config.Overrides{
		ControllerHz: f.controllerHz > 0,
		SimulatorHz:  f.simulatorHz > 0,
	}
}

func applyFlags(cfg *config.Config, flags runFlags) error {
	if flags.agents > 0 {
		cfg.Demo.Agents = flags.agents
	}
	if flags.maxTicks > 0 {
		cfg.Demo.MaxTicks = flags.maxTicks
	}
	if flags.controllerHz > 0 {
		cfg.Controller.Hz = flags.controllerHz
	}
	if flags.simulatorHz > 0 {
		cfg.Simulator.Hz = flags.simulatorHz
	}
	if flags.admin != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = flags.admin
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg.Validate()
}

// demo bundles the engine with the boids pair it runs.
type demo struct {
	engine     *engine.Engine[boids.Params, boids.World]
	controller *boids.Controller
	simulator  *boids.Simulator
}

// demoSummary is the admin view of the latest world.
type demoSummary struct {
	boids.Summary
	Controller boids.ControllerStats `json:"controller"`
	Pipeline   pipeline.Stats        `json:"pipeline"`
}

func (d *demo) summary() any {
	snap := d.engine.LatestState()
	defer snap.Release()
	return demoSummary{
		Summary:    boids.Summarize(snap.Value()),
		Controller: d.controller.Stats(),
		Pipeline:   d.simulator.Pipeline().Stats(),
	}
}

func newDemo(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*demo, error) {
	var dev pipeline.Device[boids.Boid]
	if cfg.Pipeline.Device == "host" {
		host := pipeline.NewHostDevice[boids.Boid]("host", boids.Layout(), cfg.Pipeline.Workers)
		dev = pipeline.NewBreakerDevice[boids.Boid](host, cfg.Breaker(), logger)
	}

	sim, err := boids.NewSimulator(boids.SimulatorOptions{
		Agents:   cfg.Demo.Agents,
		MaxTicks: cfg.Demo.MaxTicks,
		Seed:     cfg.Demo.Seed,
		Device:   dev,
		Workers:  cfg.Pipeline.Workers,
		Resident: cfg.Pipeline.ResidentAgents,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	params := boids.DefaultParams(cfg.Demo.WorldSize)
	ctrl := boids.NewController(boids.ControllerOptions{
		Params:         params,
		MinAgents:      cfg.Demo.Agents / 2,
		RefillCount:    max(cfg.Demo.Agents/4, 1),
		PredatorPeriod: uint64(cfg.Controller.Hz * 10),
		StopOnComplete: true,
		Logger:         logger,
	})

	opts := append(cfg.EngineOptions(), engine.WithLogger(logger), engine.WithRegisterer(reg))
	eng, err := engine.New[boids.Params, boids.World](ctrl, sim, params, opts...)
	if err != nil {
		return nil, err
	}
	return &demo{engine: eng, controller: ctrl, simulator: sim}, nil
}

func runEngine(ctx context.Context, cmd *cobra.Command, flags runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := flags.printer(cmd)
	if err != nil {
		return err
	}
	cfg, found, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	fileCfg := *cfg
	if err := applyFlags(cfg, flags); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	exporter, err := cfg.LogExporter(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	logs := logging.New(logging.Config{
		Level:    level,
		LogDir:   cfg.Logging.Dir,
		Service:  "maengine",
		JSON:     cfg.Logging.JSON,
		Quiet:    cfg.Logging.Quiet,
		Output:   cmd.ErrOrStderr(),
		Exporter: exporter,
	})
	defer logs.Close()
	logger := logs.Slog()
	if !found {
		logger.Info("no config file, using defaults", slog.String("path", flags.configPath))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg.Telemetry.Registry = reg
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	d, err := newDemo(cfg, reg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting engine",
		slog.String("run_id", d.engine.RunID()),
		slog.Int("agents", cfg.Demo.Agents),
		slog.Float64("controller_hz", cfg.Controller.Hz),
		slog.Float64("simulator_hz", cfg.Simulator.Hz),
	)

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	// Cancelled when the engine finishes so the helpers below return.
	runCtx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	if found {
		w, err := config.NewWatcher(flags.configPath, &fileCfg, config.ApplyLive(d.engine, flags.overrides(), logger), &config.WatcherOptions{Logger: logger})
		if err != nil {
			return err
		}
		if err := w.Start(runCtx); err != nil {
			logger.Warn("config watcher not started", slog.String("error", err.Error()))
		}
		defer w.Stop()
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return d.engine.Run(gctx)
	})

	if cfg.Admin.Enabled {
		metrics := telemetry.MetricsHandler()
		if metrics == nil {
			metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		}
		srv := admin.NewServer(d.engine, admin.Options{
			Addr:           cfg.Admin.Addr,
			StreamInterval: cfg.Admin.StreamInterval,
			Metrics:        metrics,
			Summary:        d.summary,
			Extensions:     cfg.AdminExtensions(logger),
			Logger:         logger,
		})
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	if !flags.noProgress && p.Mode() == ux.ModeRich {
		g.Go(func() error {
			reportProgress(gctx, p, d, time.Second)
			return nil
		})
	}

	err = g.Wait()
	st := d.engine.Status()
	logger.Info("engine finished",
		slog.String("state", st.State.String()),
		slog.Uint64("simulator_ticks", st.Simulator.Ticks),
		slog.Uint64("controller_ticks", st.Controller.Ticks),
	)
	if cfg.History.Enabled {
		if herr := saveRun(cfg, d, started, logger); herr != nil {
			logger.Warn("run not recorded", slog.String("error", herr.Error()))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.Error(fmt.Sprintf("run %s failed at tick %d: %v", d.engine.RunID(), st.Simulator.Ticks, err))
		return err
	}
	p.Success(fmt.Sprintf("run %s %s after %d simulator ticks", d.engine.RunID(), st.State, st.Simulator.Ticks))
	return nil
}

// reportProgress redraws the status line every interval until ctx ends.
func reportProgress(ctx context.Context, p *ux.Printer, d *demo, interval time.Duration) {
	spin := ux.NewSpinner(ux.SpinnerCompass)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.EndProgress()
			return
		case <-ticker.C:
			p.Progress(progressLine(p, spin.Next(), d.engine.Status(), d.summary().(demoSummary)))
		}
	}
}

func progressLine(p *ux.Printer, spin string, st engine.Status, s demoSummary) string {
	return p.StatusLine(spin, ux.EngineStatus{
		State:     st.State.String(),
		Tick:      s.Tick,
		Agents:    s.Agents,
		MeanSpeed: s.MeanSpeed,
		Frames:    st.Controller.Ticks,
		Skipped:   st.Simulator.Skipped,
	})
}
