// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrDone is returned by a callback to finish its side cleanly.
	//
	// From Simulator.Tick it stops the simulator after sending
	// SimulationComplete to the controller. From Controller.Update it stops
	// the whole engine.
	ErrDone = errors.New("simulation done")

	// ErrAlreadyStarted is returned by Start on an engine that is not Created.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotRunning is returned by Pause when the engine is not Running.
	ErrNotRunning = errors.New("engine not running")

	// ErrNotPaused is returned by Resume when the engine is not Paused.
	ErrNotPaused = errors.New("engine not paused")

	// ErrStopped is returned by operations on a Stopping or Stopped engine.
	ErrStopped = errors.New("engine stopped")

	// ErrSimulatorStopped is returned by Pause, Resume and Reset once the
	// simulator thread has exited while the engine is still running.
	ErrSimulatorStopped = errors.New("simulator thread stopped")

	// ErrNilController is returned by New when the controller is nil.
	ErrNilController = errors.New("controller must not be nil")

	// ErrNilSimulator is returned by New when the simulator is nil.
	ErrNilSimulator = errors.New("simulator must not be nil")

	// ErrFault matches every *FaultError.
	ErrFault = errors.New("callback fault")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Side identifies one of the two engine threads.
type Side int

const (
	// ControllerSide handles interaction and publishes Config.
	ControllerSide Side = iota

	// SimulatorSide computes and publishes State.
	SimulatorSide
)

// String returns the string representation of the side.
func (s Side) String() string {
	switch s {
	case ControllerSide:
		return "controller"
	case SimulatorSide:
		return "simulator"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is an engine or side run state.
type State int32

const (
	// StateCreated means the threads have not been started.
	StateCreated State = iota

	// StateRunning means both threads are ticking.
	StateRunning

	// StatePaused means the simulator is suspended. The controller keeps
	// ticking so it can observe and resume.
	StatePaused

	// StateStopping means stop was requested and threads are finishing
	// their current tick.
	StateStopping

	// StateStopped means the threads have been joined.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

type atomicState struct{ v atomic.Int32 }

func (a *atomicState) load() State { return State(a.v.Load()) }

func (a *atomicState) store(s State) { a.v.Store(int32(s)) }

func (a *atomicState) cas(from, to State) bool {
	return a.v.CompareAndSwap(int32(from), int32(to))
}

// -----------------------------------------------------------------------------
// Error types
// -----------------------------------------------------------------------------

// FaultError is a panic recovered from a user callback.
type FaultError struct {
	Side  Side
	Op    string
	Tick  uint64
	Panic any
	Stack string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s %s panicked at tick %d: %v", e.Side, e.Op, e.Tick, e.Panic)
}

// Unwrap returns ErrFault, or the panic value when it is an error.
func (e *FaultError) Unwrap() []error {
	if err, ok := e.Panic.(error); ok {
		return []error{ErrFault, err}
	}
	return []error{ErrFault}
}

// CallbackError is an error returned by a user callback.
type CallbackError struct {
	Side Side
	Op   string
	Tick uint64
	Err  error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s %s failed at tick %d: %v", e.Side, e.Op, e.Tick, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Capabilities
// -----------------------------------------------------------------------------

// Controller is the interaction side. All methods are called from the
// controller thread only.
type Controller[C, S any] interface {
	// Initialize receives the simulator's first State before the first
	// Update. It runs again after a Reset.
	Initialize(ctx context.Context, state S) error

	// Update observes the latest State. When publish is true, cfg becomes
	// the current Config for the simulator.
	Update(ctx context.Context, state S) (cfg C, publish bool, err error)

	// HandleMessages receives every message the simulator sent since the
	// previous tick, in send order. msgs is reused after the call returns.
	HandleMessages(ctx context.Context, msgs []SimulatorMessage) error
}

// Simulator is the computation side. All methods are called from the
// simulator thread only.
type Simulator[C, S any] interface {
	// Initialize builds the first State from the initial Config. It runs
	// again after a Reset.
	Initialize(ctx context.Context, cfg C) (S, error)

	// Tick computes the next State from the latest Config. On error the
	// previous State stays published.
	Tick(ctx context.Context, cfg C) (S, error)

	// HandleMessages receives controller messages in send order. Pause,
	// Resume and Reset are applied by the engine and not delivered here.
	// msgs is reused after the call returns.
	HandleMessages(ctx context.Context, msgs []ControllerMessage) error
}

// ControllerPortBinder is implemented by controllers that send messages to
// the simulator. BindPort is called once before Initialize.
type ControllerPortBinder interface {
	BindPort(p *Port[ControllerMessage])
}

// SimulatorPortBinder is implemented by simulators that send messages to
// the controller. BindPort is called once before Initialize.
type SimulatorPortBinder interface {
	BindPort(p *Port[SimulatorMessage])
}

// AgentCounter is implemented by simulators that report their population
// in Statistics messages. It is called from the simulator thread.
type AgentCounter interface {
	AgentCount() int
}
