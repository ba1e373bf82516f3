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

	"github.com/NickSpyker/multi-agent-engine/services/engine/pipeline"
)

// Stage names.
const (
	StageFlock      = "flock"
	StageIntegrate  = "integrate"
	StageMetabolism = "metabolism"
	StageCensus     = "census"
)

// PipelineOptions selects where the device stages run.
type PipelineOptions struct {
	// Device runs flock and integrate on the GPU target. Nil runs every
	// stage on the CPU.
	Device pipeline.Device[Boid]

	// Workers bounds CPU per-agent parallelism. Zero uses GOMAXPROCS.
	Workers int

	// Resident keeps agents on the device between ticks.
	Resident bool

	Logger *slog.Logger
}

// NewPipeline builds the per-tick pipeline.
func NewPipeline(opts PipelineOptions) (*pipeline.Executor[World, Params, Boid], error) {
	target := pipeline.CPU
	if opts.Device != nil {
		target = pipeline.GPU
	}

	b := pipeline.NewBuilder[World, Params, Boid]("boids").
		WithPopulation(Population()).
		WithLayout(Layout()).
		WithWorkers(opts.Workers).
		WithLogger(opts.Logger)
	if opts.Device != nil {
		b = b.WithDevice(opts.Device).WithResidentAgents(opts.Resident)
	}

	return b.
		AddStage(pipeline.NewBatchStage[World, Params, Boid](StageFlock, target,
			pipeline.Fields(FieldPos, FieldVel),
			pipeline.Fields(FieldSteer, FieldNeighbours),
			flock)).
		AddStage(pipeline.NewAgentStage[World, Params, Boid](StageIntegrate, target,
			pipeline.Fields(FieldPos, FieldVel, FieldSteer),
			pipeline.Fields(FieldPos, FieldVel),
			integrate)).
		AddStage(pipeline.NewAgentStage[World, Params, Boid](StageMetabolism, pipeline.CPU,
			pipeline.Fields(FieldEnergy, FieldNeighbours, FieldAge),
			pipeline.Fields(FieldEnergy, FieldAge),
			metabolism)).
		AddStage(pipeline.NewWholeStage[World, Params, Boid](StageCensus, pipeline.CPU, 0, census)).
		Build()
}

// flock computes each boid's steering from its neighbours and the predator.
func flock(ctx context.Context, boids []Boid, p Params) error {
	for i := range boids {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		self := &boids[i]

		var sep, ali, coh Vec2
		var n uint32
		for j := range boids {
			if j == i {
				continue
			}
			d := delta(self.Pos, boids[j].Pos, p.WorldSize)
			dist := d.Len()
			if dist == 0 || dist >= p.Radius {
				continue
			}
			n++
			ali = ali.Add(boids[j].Vel)
			coh = coh.Add(d)
			sep = sep.Sub(d.Scale((p.Radius - dist) / (p.Radius * dist)))
		}

		var steer Vec2
		if n > 0 {
			inv := 1 / float64(n)
			ali = ali.Scale(inv).Sub(self.Vel)
			coh = coh.Scale(inv)
			steer = sep.Scale(p.Separation * p.MaxSpeed).
				Add(ali.Scale(p.Alignment)).
				Add(coh.Scale(p.Cohesion))
		}

		if p.PredatorActive && p.PredatorRadius > 0 {
			d := delta(self.Pos, p.Predator, p.WorldSize)
			if dist := d.Len(); dist > 0 && dist < p.PredatorRadius {
				steer = steer.Sub(d.Scale(2 * p.MaxForce / dist))
			}
		}

		self.Steer = steer.Limit(p.MaxForce)
		self.Neighbours = n
	}
	return nil
}

// integrate advances velocity and position.
func integrate(_ context.Context, b *Boid, p Params) error {
	b.Vel = b.Vel.Add(b.Steer.Scale(p.Dt)).Limit(p.MaxSpeed)
	b.Pos = wrap(b.Pos.Add(b.Vel.Scale(p.Dt)), p.WorldSize)
	return nil
}

// metabolism drains energy, feeds boids with company and ages them.
func metabolism(_ context.Context, b *Boid, p Params) error {
	b.Energy += p.Feed*float64(b.Neighbours) - p.Drain
	if b.Energy > 1 {
		b.Energy = 1
	}
	b.Age++
	return nil
}

// census removes dead boids and recomputes the flock summary. It never
// modifies the input's boid slice.
func census(_ context.Context, w World, p Params) (World, error) {
	alive := make([]Boid, 0, len(w.Boids))
	var died []Death
	var sum Vec2
	var speed float64
	for _, b := range w.Boids {
		switch {
		case b.Energy <= 0:
			died = append(died, Death{ID: b.ID, Reason: ReasonStarved})
			continue
		case p.MaxAge > 0 && b.Age >= p.MaxAge:
			died = append(died, Death{ID: b.ID, Reason: ReasonOldAge})
			continue
		}
		alive = append(alive, b)
		sum = sum.Add(b.Pos)
		speed += b.Vel.Len()
	}

	w.Boids = alive
	w.Died = died
	w.Centroid = Vec2{}
	w.MeanSpeed = 0
	if n := float64(len(alive)); n > 0 {
		w.Centroid = sum.Scale(1 / n)
		w.MeanSpeed = speed / n
	}
	return w, nil
}
