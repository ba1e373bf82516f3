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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/NickSpyker/multi-agent-engine/services/engine"
	"github.com/NickSpyker/multi-agent-engine/services/engine/pipeline"
)

// Custom message kinds exchanged by the demo.
const (
	KindHello    = "hello"
	KindHalfDone = "half_done"
)

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	// Agents is the initial population.
	Agents int

	// MaxTicks ends the simulation after this many ticks. Zero runs forever.
	MaxTicks uint64

	// Seed makes spawns reproducible. Reset reuses it.
	Seed int64

	// Device runs steering and integration on a device. Nil uses the CPU.
	Device pipeline.Device[Boid]

	Workers  int
	Resident bool
	Logger   *slog.Logger
}

// Simulator runs the flock.
type Simulator struct {
	opts   SimulatorOptions
	exec   *pipeline.Executor[World, Params, Boid]
	logger *slog.Logger
	port   *engine.Port[engine.SimulatorMessage]

	rng    *rand.Rand
	world  World
	spawns []engine.SpawnAgent
	agents atomic.Int64
}

// NewSimulator builds the simulator and its pipeline.
func NewSimulator(opts SimulatorOptions) (*Simulator, error) {
	if opts.Agents < 0 {
		return nil, fmt.Errorf("agents must not be negative: %d", opts.Agents)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	exec, err := NewPipeline(PipelineOptions{
		Device:   opts.Device,
		Workers:  opts.Workers,
		Resident: opts.Resident,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &Simulator{
		opts:   opts,
		exec:   exec,
		logger: opts.Logger.With(slog.String("component", "boids_simulator")),
	}, nil
}

// Pipeline returns the executor for inspection.
func (s *Simulator) Pipeline() *pipeline.Executor[World, Params, Boid] { return s.exec }

// BindPort stores the port to the controller.
func (s *Simulator) BindPort(p *engine.Port[engine.SimulatorMessage]) { s.port = p }

// AgentCount returns the population of the last published world.
func (s *Simulator) AgentCount() int { return int(s.agents.Load()) }

// Initialize seeds a fresh world. It is also called on reset.
func (s *Simulator) Initialize(ctx context.Context, p Params) (World, error) {
	seed := uint64(s.opts.Seed)
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	s.spawns = s.spawns[:0]
	s.exec.Invalidate()

	w := World{NextID: 1}
	w.Boids, w.NextID = s.spawn(nil, w.NextID, s.opts.Agents, nil, p)
	w = summarize(w)
	s.world = w
	s.agents.Store(int64(len(w.Boids)))

	s.send(engine.Custom{Kind: KindHello, Payload: len(w.Boids)})
	s.logger.Info("flock initialized",
		slog.Int("agents", len(w.Boids)),
		slog.Int64("seed", s.opts.Seed),
	)
	return w, nil
}

// Tick advances the flock by one step.
func (s *Simulator) Tick(ctx context.Context, p Params) (World, error) {
	if s.opts.MaxTicks > 0 && s.world.Tick >= s.opts.MaxTicks {
		return World{}, engine.ErrDone
	}

	in := s.world
	in.Tick++
	in.Died = nil
	if len(s.spawns) > 0 {
		boids := make([]Boid, len(in.Boids))
		copy(boids, in.Boids)
		for _, req := range s.spawns {
			tmpl, _ := req.Template.(*Boid)
			if t, ok := req.Template.(Boid); ok {
				tmpl = &t
			}
			boids, in.NextID = s.spawn(boids, in.NextID, req.Count, tmpl, p)
		}
		in.Boids = boids
	}

	out, err := s.exec.Run(ctx, in, p)
	if err != nil {
		// Spawns stay queued for the retry on the next tick.
		return World{}, err
	}
	s.spawns = s.spawns[:0]

	for _, d := range out.Died {
		s.send(engine.AgentDied{ID: d.ID, Reason: d.Reason})
	}
	if s.opts.MaxTicks > 1 && out.Tick == s.opts.MaxTicks/2 {
		s.send(engine.Custom{Kind: KindHalfDone, Payload: out.Tick})
	}

	s.world = out
	s.agents.Store(int64(len(out.Boids)))
	return out, nil
}

// HandleMessages queues spawn requests for the next tick.
func (s *Simulator) HandleMessages(ctx context.Context, msgs []engine.ControllerMessage) error {
	var errs []error
	for _, msg := range msgs {
		switch m := msg.(type) {
		case engine.SpawnAgent:
			if m.Count <= 0 {
				errs = append(errs, fmt.Errorf("spawn count must be positive: %d", m.Count))
				continue
			}
			s.spawns = append(s.spawns, m)
		case engine.Custom:
			s.logger.Debug("controller message", slog.String("kind", m.Kind))
		default:
			s.logger.Debug("ignored controller message", slog.String("kind", engine.Kind(msg)))
		}
	}
	return errors.Join(errs...)
}

// spawn appends n boids to dst. A non-nil template supplies velocity and
// energy; positions are always random.
func (s *Simulator) spawn(dst []Boid, next uint64, n int, tmpl *Boid, p Params) ([]Boid, uint64) {
	for range n {
		b := Boid{
			ID:     next,
			Pos:    Vec2{s.rng.Float64() * p.WorldSize, s.rng.Float64() * p.WorldSize},
			Energy: 1,
		}
		if tmpl != nil {
			b.Vel = tmpl.Vel
			if tmpl.Energy > 0 {
				b.Energy = tmpl.Energy
			}
		} else {
			angle := s.rng.Float64() * 2 * math.Pi
			speed := p.MaxSpeed * (0.25 + 0.75*s.rng.Float64())
			b.Vel = Vec2{math.Cos(angle) * speed, math.Sin(angle) * speed}
		}
		dst = append(dst, b)
		next++
	}
	return dst, next
}

func (s *Simulator) send(msg engine.SimulatorMessage) {
	if s.port == nil {
		return
	}
	if err := s.port.Send(msg); err != nil {
		s.logger.Debug("message to controller not sent",
			slog.String("kind", engine.Kind(msg)),
			slog.String("error", err.Error()),
		)
	}
}

// summarize fills the derived fields of w the way the census stage does.
func summarize(w World) World {
	out, _ := census(context.Background(), w, Params{})
	return out
}

var (
	_ engine.Simulator[Params, World] = (*Simulator)(nil)
	_ engine.SimulatorPortBinder      = (*Simulator)(nil)
	_ engine.AgentCounter             = (*Simulator)(nil)
)
