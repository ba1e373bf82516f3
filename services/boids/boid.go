// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package boids is a flocking simulation driven by the engine.
//
// The simulator runs each tick through a pipeline: steering and
// integration are device stages, metabolism runs on the CPU, and a census
// stage removes starved agents and summarizes the flock. The controller
// moves a predator around the world, publishing it as configuration, and
// tops the flock up with SpawnAgent requests when it thins out.
package boids

import (
	"math"

	"github.com/NickSpyker/multi-agent-engine/services/engine/pipeline"
)

// Vec2 is a 2D vector.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns v+o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Sub returns v-o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Scale returns v*k.
func (v Vec2) Scale(k float64) Vec2 { return Vec2{v.X * k, v.Y * k} }

// Len returns the Euclidean length.
func (v Vec2) Len() float64 { return math.Hypot(v.X, v.Y) }

// Limit scales v down to at most max.
func (v Vec2) Limit(max float64) Vec2 {
	l := v.Len()
	if l <= max || l == 0 {
		return v
	}
	return v.Scale(max / l)
}

// Boid is one agent record.
type Boid struct {
	ID         uint64
	Pos        Vec2
	Vel        Vec2
	Steer      Vec2
	Energy     float64
	Neighbours uint32
	Age        uint32
}

// Field indices into the boid layout.
const (
	FieldPos = iota
	FieldVel
	FieldSteer
	FieldEnergy
	FieldNeighbours
	FieldAge
)

// Layout returns the field layout of Boid.
func Layout() *pipeline.FieldLayout[Boid] {
	return &pipeline.FieldLayout[Boid]{
		IDOf: func(b *Boid) uint64 { return b.ID },
		Fields: []pipeline.Field[Boid]{
			FieldPos:        {Name: "pos", Size: 16, Copy: func(d, s *Boid) { d.Pos = s.Pos }},
			FieldVel:        {Name: "vel", Size: 16, Copy: func(d, s *Boid) { d.Vel = s.Vel }},
			FieldSteer:      {Name: "steer", Size: 16, Copy: func(d, s *Boid) { d.Steer = s.Steer }},
			FieldEnergy:     {Name: "energy", Size: 8, Copy: func(d, s *Boid) { d.Energy = s.Energy }},
			FieldNeighbours: {Name: "neighbours", Size: 4, Copy: func(d, s *Boid) { d.Neighbours = s.Neighbours }},
			FieldAge:        {Name: "age", Size: 4, Copy: func(d, s *Boid) { d.Age = s.Age }},
		},
	}
}

// Death records a boid removed during a tick.
type Death struct {
	ID     uint64
	Reason string
}

// Death reasons.
const (
	ReasonStarved = "starved"
	ReasonOldAge  = "old_age"
)

// World is the simulation state. A published World is never modified.
type World struct {
	Tick      uint64
	Boids     []Boid
	NextID    uint64
	Centroid  Vec2
	MeanSpeed float64
	Died      []Death
}

// Population returns the pipeline population accessor for World.
func Population() pipeline.Population[World, Boid] {
	return pipeline.PopulationFuncs[World, Boid]{
		Get: func(w World) []Boid { return w.Boids },
		Set: func(w World, boids []Boid) World {
			w.Boids = boids
			return w
		},
	}
}

// Summary is a compact view of a World for status endpoints.
type Summary struct {
	Tick      uint64  `json:"tick"`
	Agents    int     `json:"agents"`
	Centroid  Vec2    `json:"centroid"`
	MeanSpeed float64 `json:"mean_speed"`
	Died      int     `json:"died_last_tick"`
}

// Summarize returns the summary of w.
func Summarize(w World) Summary {
	return Summary{
		Tick:      w.Tick,
		Agents:    len(w.Boids),
		Centroid:  w.Centroid,
		MeanSpeed: w.MeanSpeed,
		Died:      len(w.Died),
	}
}
