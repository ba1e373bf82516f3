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
	"math"
	"time"
)

// Params is the configuration the controller publishes each update.
type Params struct {
	// WorldSize is the side of the square, toroidal world.
	WorldSize float64

	// Radius is the neighbourhood radius for flocking.
	Radius float64

	// Separation, Alignment and Cohesion weight the three flocking rules.
	Separation float64
	Alignment  float64
	Cohesion   float64

	// MaxSpeed caps velocity; MaxForce caps steering.
	MaxSpeed float64
	MaxForce float64

	// Dt is the integration step.
	Dt float64

	// Drain is the energy lost per tick; Feed is gained per neighbour.
	Drain float64
	Feed  float64

	// MaxAge removes boids older than this many ticks. Zero disables it.
	MaxAge uint32

	// Predator is avoided by every boid within PredatorRadius.
	Predator       Vec2
	PredatorRadius float64
	PredatorActive bool
}

// DefaultParams returns tuned parameters for a world of the given size.
func DefaultParams(worldSize float64) Params {
	return Params{
		WorldSize:      worldSize,
		Radius:         worldSize / 20,
		Separation:     1.5,
		Alignment:      1.0,
		Cohesion:       1.0,
		MaxSpeed:       worldSize / 10,
		MaxForce:       worldSize / 5,
		Dt:             (time.Second / 30).Seconds(),
		Drain:          0.01,
		Feed:           0.004,
		PredatorRadius: worldSize / 8,
	}
}

// wrap maps v into [0, size) on both axes.
func wrap(v Vec2, size float64) Vec2 {
	return Vec2{wrap1(v.X, size), wrap1(v.Y, size)}
}

func wrap1(x, size float64) float64 {
	if size <= 0 {
		return x
	}
	x = math.Mod(x, size)
	if x < 0 {
		x += size
	}
	if x >= size {
		x = 0
	}
	return x
}

// delta returns the shortest vector from a to b in a toroidal world.
func delta(a, b Vec2, size float64) Vec2 {
	d := b.Sub(a)
	if size > 0 {
		half := size / 2
		if d.X > half {
			d.X -= size
		} else if d.X < -half {
			d.X += size
		}
		if d.Y > half {
			d.Y -= size
		} else if d.Y < -half {
			d.Y += size
		}
	}
	return d
}
