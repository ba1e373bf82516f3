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
	"context"
)

// -----------------------------------------------------------------------------
// Stage
// -----------------------------------------------------------------------------

// WholeFunc transforms the full state once.
type WholeFunc[S, C any] func(ctx context.Context, state S, cfg C) (S, error)

// EachFunc updates one agent record in place. Calls for different agents
// may run concurrently and in any order.
type EachFunc[C, A any] func(ctx context.Context, agent *A, cfg C) error

// BatchFunc updates the whole contiguous agent buffer in one call. It is
// the shape a device kernel launch takes.
type BatchFunc[C, A any] func(ctx context.Context, agents []A, cfg C) error

// Stage is one step of a pipeline.
//
// Reads and Writes declare which agent fields the stage touches. The
// executor uses them to decide what crosses the CPU/GPU boundary, so a
// stage that writes a field it did not declare may have the write lost.
// Whole-state stages declare the agent fields they may change in Writes;
// they always see the fully synchronized state.
type Stage[S, C, A any] struct {
	Name        string
	Target      Target
	Granularity Granularity
	Reads       FieldSet
	Writes      FieldSet

	whole WholeFunc[S, C]
	each  EachFunc[C, A]
	batch BatchFunc[C, A]
}

// NewWholeStage creates a whole-state stage. On GPU it runs through the
// device's Run hook so the backend can serialize or guard it.
func NewWholeStage[S, C, A any](name string, target Target, writes FieldSet, fn WholeFunc[S, C]) Stage[S, C, A] {
	return Stage[S, C, A]{
		Name:        name,
		Target:      target,
		Granularity: WholeState,
		Reads:       AllFields,
		Writes:      writes,
		whole:       fn,
	}
}

// NewAgentStage creates a per-agent stage that runs fn once per agent.
func NewAgentStage[S, C, A any](name string, target Target, reads, writes FieldSet, fn EachFunc[C, A]) Stage[S, C, A] {
	return Stage[S, C, A]{
		Name:        name,
		Target:      target,
		Granularity: PerAgent,
		Reads:       reads,
		Writes:      writes,
		each:        fn,
	}
}

// NewBatchStage creates a per-agent stage that receives the whole buffer
// in a single dispatch.
func NewBatchStage[S, C, A any](name string, target Target, reads, writes FieldSet, fn BatchFunc[C, A]) Stage[S, C, A] {
	return Stage[S, C, A]{
		Name:        name,
		Target:      target,
		Granularity: PerAgent,
		Reads:       reads,
		Writes:      writes,
		batch:       fn,
	}
}

func (s *Stage[S, C, A]) valid() bool {
	if s.Name == "" {
		return false
	}
	switch s.Granularity {
	case WholeState:
		return s.whole != nil
	case PerAgent:
		return (s.each != nil) != (s.batch != nil)
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Population
// -----------------------------------------------------------------------------

// Population gives the executor access to the agent set inside a state.
type Population[S, A any] interface {
	// Agents returns the agent records of s. The executor copies them and
	// never writes through the returned slice.
	Agents(s S) []A

	// WithAgents returns s with its agent set replaced. The executor passes
	// a freshly allocated slice the state may keep.
	WithAgents(s S, agents []A) S
}

// PopulationFuncs adapts two functions to Population.
type PopulationFuncs[S, A any] struct {
	Get func(S) []A
	Set func(S, []A) S
}

// Agents calls Get.
func (p PopulationFuncs[S, A]) Agents(s S) []A { return p.Get(s) }

// WithAgents calls Set.
func (p PopulationFuncs[S, A]) WithAgents(s S, agents []A) S { return p.Set(s, agents) }

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

// Layout describes the fixed record layout of an agent.
type Layout[A any] interface {
	// ID returns the agent's stable identity, used to remap device slots
	// when agents spawn or die between dispatches.
	ID(a *A) uint64

	// Copy copies the selected fields from src to dst.
	Copy(dst, src *A, fields FieldSet)

	// Stride returns the byte size of the selected fields of one record.
	Stride(fields FieldSet) int
}

// Field describes one field of an agent record.
type Field[A any] struct {
	Name string
	Size int
	Copy func(dst, src *A)
}

// FieldLayout is a Layout assembled from a field table. Field i is bit i
// of a FieldSet.
type FieldLayout[A any] struct {
	IDOf   func(a *A) uint64
	Fields []Field[A]
}

// ID calls IDOf.
func (l *FieldLayout[A]) ID(a *A) uint64 { return l.IDOf(a) }

// Copy copies each selected field.
func (l *FieldLayout[A]) Copy(dst, src *A, fields FieldSet) {
	if fields == AllFields {
		*dst = *src
		return
	}
	for i := range l.Fields {
		if fields.Has(i) {
			l.Fields[i].Copy(dst, src)
		}
	}
}

// Stride sums the sizes of the selected fields.
func (l *FieldLayout[A]) Stride(fields FieldSet) int {
	n := 0
	for i := range l.Fields {
		if fields.Has(i) {
			n += l.Fields[i].Size
		}
	}
	return n
}

// Index returns the bit index of the named field, or -1.
func (l *FieldLayout[A]) Index(name string) int {
	for i := range l.Fields {
		if l.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Set returns the FieldSet for the named fields. Unknown names are ignored.
func (l *FieldLayout[A]) Set(names ...string) FieldSet {
	var fs FieldSet
	for _, n := range names {
		if i := l.Index(n); i >= 0 {
			fs |= 1 << uint(i)
		}
	}
	return fs
}

// Names returns the names of the selected fields in layout order.
func (l *FieldLayout[A]) Names(fields FieldSet) []string {
	out := make([]string, 0, fields.Count())
	for i := range l.Fields {
		if fields.Has(i) {
			out = append(out, l.Fields[i].Name)
		}
	}
	return out
}
