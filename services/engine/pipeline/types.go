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
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is passed to Run.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoStages is returned by Build for an empty pipeline.
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrInvalidStage is returned by Build for a stage without a name or function.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrDuplicateStage is returned by Build when two stages share a name.
	ErrDuplicateStage = errors.New("stage with this name already exists")

	// ErrNoDevice is returned by Build when a GPU stage is present but no device is set.
	ErrNoDevice = errors.New("GPU stage requires a device")

	// ErrNoPopulation is returned by Build when a per-agent stage is present
	// but the population or layout is missing.
	ErrNoPopulation = errors.New("per-agent stage requires a population and layout")

	// ErrStageFailed wraps every error returned by Run.
	ErrStageFailed = errors.New("pipeline stage failed")

	// ErrStagePanic is returned when a stage function panics.
	ErrStagePanic = errors.New("pipeline stage panicked")

	// ErrDeviceUnavailable is returned when a device refuses work, for
	// example because its circuit breaker is open.
	ErrDeviceUnavailable = errors.New("compute device unavailable")

	// ErrIDMismatch is returned when a device is handed a buffer whose
	// length does not match its resident agent count.
	ErrIDMismatch = errors.New("agent buffer does not match device residency")
)

// StageError records which stage failed and where it ran.
type StageError struct {
	Stage  string
	Target Target
	Err    error
}

// Error returns the error message.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q (%s): %v", e.Stage, e.Target, e.Err)
}

// Unwrap returns the wrapped errors so errors.Is matches both
// ErrStageFailed and the underlying cause.
func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Err}
}

// PanicError carries a recovered panic value and its stack.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns ErrStagePanic.
func (e *PanicError) Unwrap() error {
	return ErrStagePanic
}

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Target is the compute target a stage runs on.
type Target int

const (
	// CPU stages run on the calling goroutine or a local worker pool.
	CPU Target = iota

	// GPU stages run on the executor's Device.
	GPU
)

// String returns "cpu", "gpu" or "unknown".
func (t Target) String() string {
	switch t {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return "unknown"
	}
}

// Granularity is how a stage is dispatched.
type Granularity int

const (
	// WholeState stages transform the full state once.
	WholeState Granularity = iota

	// PerAgent stages run over the contiguous agent buffer.
	PerAgent
)

// String returns "whole_state", "per_agent" or "unknown".
func (g Granularity) String() string {
	switch g {
	case WholeState:
		return "whole_state"
	case PerAgent:
		return "per_agent"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// FieldSet
// -----------------------------------------------------------------------------

// FieldSet is a bitmask of agent record fields, indexed by the field's
// position in the Layout. At most 64 fields are addressable.
type FieldSet uint64

// AllFields selects every field.
const AllFields FieldSet = ^FieldSet(0)

// Fields builds a set from field indices.
func Fields(idx ...int) FieldSet {
	var fs FieldSet
	for _, i := range idx {
		fs |= 1 << uint(i)
	}
	return fs
}

// Has reports whether field i is in the set.
func (fs FieldSet) Has(i int) bool { return fs&(1<<uint(i)) != 0 }

// Empty reports whether no field is selected.
func (fs FieldSet) Empty() bool { return fs == 0 }

// Count returns the number of selected fields.
func (fs FieldSet) Count() int { return bits.OnesCount64(uint64(fs)) }

// String lists the selected field indices, e.g. "{0,3}".
func (fs FieldSet) String() string {
	if fs == AllFields {
		return "{all}"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := 0; i < 64; i++ {
		if fs.Has(i) {
			if !first {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%d", i)
			first = false
		}
	}
	b.WriteByte('}')
	return b.String()
}
