// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"log/slog"
)

// Builder assembles an Executor. Stage order is the order of AddStage calls
// and is fixed for the lifetime of the executor.
type Builder[S, C, A any] struct {
	name       string
	stages     []Stage[S, C, A]
	names      map[string]bool
	population Population[S, A]
	layout     Layout[A]
	device     Device[A]
	workers    int
	resident   bool
	logger     *slog.Logger
	errors     []error
}

// NewBuilder creates a builder for a pipeline named name.
func NewBuilder[S, C, A any](name string) *Builder[S, C, A] {
	return &Builder[S, C, A]{
		name:  name,
		names: make(map[string]bool),
	}
}

// WithPopulation sets how agents are read from and written to the state.
func (b *Builder[S, C, A]) WithPopulation(p Population[S, A]) *Builder[S, C, A] {
	b.population = p
	return b
}

// WithLayout sets the agent record layout.
func (b *Builder[S, C, A]) WithLayout(l Layout[A]) *Builder[S, C, A] {
	b.layout = l
	return b
}

// WithDevice sets the device GPU stages run on.
func (b *Builder[S, C, A]) WithDevice(d Device[A]) *Builder[S, C, A] {
	b.device = d
	return b
}

// WithWorkers bounds CPU per-agent parallelism. Zero uses GOMAXPROCS.
func (b *Builder[S, C, A]) WithWorkers(n int) *Builder[S, C, A] {
	b.workers = n
	return b
}

// WithResidentAgents keeps agent data on the device between runs.
//
// Only enable this when each Run receives the state the previous Run
// returned, with agents added or removed but no fields changed outside
// the pipeline. Otherwise call Invalidate after changing agents directly.
func (b *Builder[S, C, A]) WithResidentAgents(resident bool) *Builder[S, C, A] {
	b.resident = resident
	return b
}

// WithLogger sets the logger. Nil uses slog.Default().
func (b *Builder[S, C, A]) WithLogger(l *slog.Logger) *Builder[S, C, A] {
	b.logger = l
	return b
}

// AddStage appends a stage.
func (b *Builder[S, C, A]) AddStage(s Stage[S, C, A]) *Builder[S, C, A] {
	if !s.valid() {
		b.errors = append(b.errors, &StageError{Stage: s.Name, Target: s.Target, Err: ErrInvalidStage})
		return b
	}
	if b.names[s.Name] {
		b.errors = append(b.errors, &StageError{Stage: s.Name, Target: s.Target, Err: ErrDuplicateStage})
		return b
	}
	b.names[s.Name] = true
	b.stages = append(b.stages, s)
	return b
}

// Build validates the pipeline and returns its executor.
//
// Outputs:
//
//	*Executor - The executor.
//	error - The first recorded AddStage error, ErrNoStages, ErrNoDevice
//	        or ErrNoPopulation.
func (b *Builder[S, C, A]) Build() (*Executor[S, C, A], error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.stages) == 0 {
		return nil, ErrNoStages
	}

	for _, s := range b.stages {
		if s.Target == GPU && b.device == nil {
			return nil, &StageError{Stage: s.Name, Target: s.Target, Err: ErrNoDevice}
		}
		if s.Granularity == PerAgent && (b.population == nil || b.layout == nil) {
			return nil, &StageError{Stage: s.Name, Target: s.Target, Err: ErrNoPopulation}
		}
		if s.Target != CPU && s.Target != GPU {
			return nil, &StageError{Stage: s.Name, Target: s.Target, Err: fmt.Errorf("%w: unknown target", ErrInvalidStage)}
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	stages := make([]Stage[S, C, A], len(b.stages))
	copy(stages, b.stages)

	return &Executor[S, C, A]{
		name:       b.name,
		stages:     stages,
		population: b.population,
		layout:     b.layout,
		device:     b.device,
		workers:    b.workers,
		resident:   b.resident,
		logger:     logger.With(slog.String("component", "pipeline"), slog.String("pipeline", b.name)),
	}, nil
}
