// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package boids

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/NickSpyker/multi-agent-engine/services/engine"
)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Params is the starting configuration. The predator position is
	// overwritten every update.
	Params Params

	// MinAgents triggers a SpawnAgent request for RefillCount boids when
	// the flock falls below it. Zero disables refills.
	MinAgents   int
	RefillCount int

	// PredatorPeriod is the number of updates for one predator orbit. Zero
	// keeps the predator inactive.
	PredatorPeriod uint64

	// StopOnComplete ends the run once the simulator reports completion.
	StopOnComplete bool

	Logger *slog.Logger
}

// ControllerStats are counters safe to read from any goroutine.
type ControllerStats struct {
	Updates  uint64 `json:"updates"`
	Deaths   uint64 `json:"deaths"`
	Refills  uint64 `json:"refills"`
	Skipped  uint64 `json:"skipped_sim_ticks"`
	Complete bool   `json:"complete"`
}

// Controller steers the simulation through its parameters.
type Controller struct {
	opts   ControllerOptions
	logger *slog.Logger
	port   *engine.Port[engine.ControllerMessage]

	params   Params
	updates  uint64
	refilled uint64 // world tick of the last refill request

	deaths   atomic.Uint64
	refills  atomic.Uint64
	skipped  atomic.Uint64
	count    atomic.Uint64
	complete atomic.Bool
}

// NewController creates a controller.
func NewController(opts ControllerOptions) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RefillCount <= 0 {
		opts.RefillCount = opts.MinAgents
	}
	return &Controller{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "boids_controller")),
		params: opts.Params,
	}
}

// BindPort stores the port to the simulator.
func (c *Controller) BindPort(p *engine.Port[engine.ControllerMessage]) { c.port = p }

// Stats returns the controller counters.
func (c *Controller) Stats() ControllerStats {
	return ControllerStats{
		Updates:  c.count.Load(),
		Deaths:   c.deaths.Load(),
		Refills:  c.refills.Load(),
		Skipped:  c.skipped.Load(),
		Complete: c.complete.Load(),
	}
}

// Initialize greets the simulator. It runs again after a reset.
func (c *Controller) Initialize(ctx context.Context, w World) error {
	c.params = c.opts.Params
	c.updates = 0
	c.refilled = 0
	c.complete.Store(false)
	_ = c.send(engine.Custom{Kind: KindHello})
	c.logger.Info("controller initialized", slog.Int("agents", len(w.Boids)))
	return nil
}

// Update moves the predator and requests refills.
func (c *Controller) Update(ctx context.Context, w World) (Params, bool, error) {
	if c.opts.StopOnComplete && c.complete.Load() {
		return Params{}, false, engine.ErrDone
	}
	c.updates++
	c.count.Add(1)

	if c.opts.MinAgents > 0 && len(w.Boids) < c.opts.MinAgents && w.Tick > c.refilled {
		// One request per observed world tick; the simulator applies it on
		// its next tick.
		if c.send(engine.SpawnAgent{Count: c.opts.RefillCount}) == nil {
			c.refilled = w.Tick
			c.refills.Add(1)
		}
	}

	if c.opts.PredatorPeriod == 0 {
		return Params{}, false, nil
	}
	phase := 2 * math.Pi * float64(c.updates%c.opts.PredatorPeriod) / float64(c.opts.PredatorPeriod)
	size := c.params.WorldSize
	c.params.PredatorActive = true
	c.params.Predator = Vec2{
		X: size/2 + size/3*math.Cos(phase),
		Y: size/2 + size/3*math.Sin(phase),
	}
	return c.params, true, nil
}

// HandleMessages records simulator reports.
func (c *Controller) HandleMessages(ctx context.Context, msgs []engine.SimulatorMessage) error {
	for _, msg := range msgs {
		switch m := msg.(type) {
		case engine.SimulationComplete:
			c.complete.Store(true)
			c.logger.Info("simulation complete", slog.Uint64("tick", m.Tick))
		case engine.AgentDied:
			c.deaths.Add(1)
		case engine.Statistics:
			c.skipped.Add(m.Skipped)
			c.logger.Debug("simulator behind schedule",
				slog.Uint64("skipped", m.Skipped),
				slog.Duration("late", m.Late),
				slog.Int("agents", m.Agents),
			)
		case engine.TickError:
			c.logger.Warn("simulator tick failed", slog.Uint64("tick", m.Tick), slog.String("error", m.Err.Error()))
		case engine.Fault:
			c.logger.Error("simulator faulted", slog.String("error", m.Err.Error()))
		case engine.Custom:
			c.logger.Info("simulator says", slog.String("kind", m.Kind))
		}
	}
	return nil
}

func (c *Controller) send(msg engine.ControllerMessage) error {
	if c.port == nil {
		return engine.ErrNotRunning
	}
	err := c.port.Send(msg)
	if err != nil {
		c.logger.Debug("message to simulator not sent",
			slog.String("kind", engine.Kind(msg)),
			slog.String("error", err.Error()),
		)
	}
	return err
}

var (
	_ engine.Controller[Params, World] = (*Controller)(nil)
	_ engine.ControllerPortBinder      = (*Controller)(nil)
)
