// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs a Controller and a Simulator on two independently
// clocked threads.
//
// The two sides never block each other. Each publishes its latest output
// into a snapshot cell the other side loads from, and each owns the
// producer end of one message channel to its peer. A fault in one side's
// callbacks is recovered at the tick boundary, reported to the peer as a
// Fault message, and stops only that side.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
	"github.com/NickSpyker/multi-agent-engine/services/engine/snapshot"
	"github.com/NickSpyker/multi-agent-engine/services/engine/tick"
)

// ErrNilContext is returned when a nil context is provided.
var ErrNilContext = errors.New("context must not be nil")

// SideStatus describes one side.
type SideStatus struct {
	State      State         `json:"state"`
	Frequency  float64       `json:"frequency_hz"`
	Ticks      uint64        `json:"ticks"`
	Skipped    uint64        `json:"skipped_ticks"`
	TickErrors uint64        `json:"tick_errors"`
	Faults     uint64        `json:"faults"`
	Outbox     message.Stats `json:"outbox"`
}

// Status is a point-in-time view of an engine.
type Status struct {
	RunID         string     `json:"run_id"`
	State         State      `json:"state"`
	Controller    SideStatus `json:"controller"`
	Simulator     SideStatus `json:"simulator"`
	ConfigVersion uint64     `json:"config_version"`
	StateVersion  uint64     `json:"state_version"`
	Error         string     `json:"error,omitempty"`
}

// Engine owns the snapshot cells, message channels and tick schedulers of
// one Controller/Simulator pair.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use.
type Engine[C, S any] struct {
	id      string
	opts    options
	logger  *slog.Logger
	metrics *Metrics

	controller Controller[C, S]
	simulator  Simulator[C, S]
	initial    C

	configW *snapshot.Writer[C]
	configR *snapshot.Reader[C]
	stateW  *snapshot.Writer[S]
	stateR  *snapshot.Reader[S]

	toSim  *message.Sender[ControllerMessage]
	simIn  *message.Receiver[ControllerMessage]
	toCtrl *message.Sender[SimulatorMessage]
	ctrlIn *message.Receiver[SimulatorMessage]

	ctrl *side
	sim  *side

	resetSim  atomic.Bool
	resetCtrl atomic.Bool

	mu     sync.Mutex
	state  atomicState
	cancel context.CancelFunc
	fault  error

	simReady     chan struct{}
	simReadyOnce sync.Once
	ready        chan struct{}
	readyOnce    sync.Once
	done         chan struct{}
}

// New creates an engine in the Created state.
//
// Inputs:
//
//	ctrl - The controller. Must not be nil.
//	sim - The simulator. Must not be nil.
//	initial - The initial Config. Published before the simulator starts and
//	          republished on Reset.
//	opts - Frequencies, channel settings, logger, metrics and clock.
//
// Outputs:
//
//	*Engine - The engine.
//	error - Non-nil if an option is invalid.
func New[C, S any](ctrl Controller[C, S], sim Simulator[C, S], initial C, opts ...Option) (*Engine[C, S], error) {
	if ctrl == nil {
		return nil, ErrNilController
	}
	if sim == nil {
		return nil, ErrNilSimulator
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctrlSched, err := tick.New(o.controllerHz, tick.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("controller frequency: %w", err)
	}
	simSched, err := tick.New(o.simulatorHz, tick.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("simulator frequency: %w", err)
	}

	toSim, simIn, err := message.New[ControllerMessage](o.capacity, message.WithPolicy(o.policy))
	if err != nil {
		return nil, fmt.Errorf("controller channel: %w", err)
	}
	toCtrl, ctrlIn, err := message.New[SimulatorMessage](o.capacity, message.WithPolicy(o.policy))
	if err != nil {
		return nil, fmt.Errorf("simulator channel: %w", err)
	}

	id := uuid.NewString()
	logger := o.logger.With(slog.String("component", "engine"), slog.String("run_id", id))

	var zero S
	configW, configR := snapshot.New(initial, snapshot.WithClock[C](o.clock))
	stateW, stateR := snapshot.New(zero, snapshot.WithClock[S](o.clock))

	e := &Engine[C, S]{
		id:         id,
		opts:       o,
		logger:     logger,
		metrics:    NewMetrics(o.registerer),
		controller: ctrl,
		simulator:  sim,
		initial:    initial,
		configW:    configW,
		configR:    configR,
		stateW:     stateW,
		stateR:     stateR,
		toSim:      toSim,
		simIn:      simIn,
		toCtrl:     toCtrl,
		ctrlIn:     ctrlIn,
		ctrl:       newSide(ControllerSide, ctrlSched, logger),
		sim:        newSide(SimulatorSide, simSched, logger),
		simReady:   make(chan struct{}),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.metrics.watchChannel("controller_to_simulator", toSim.Stats)
	e.metrics.watchChannel("simulator_to_controller", toCtrl.Stats)
	e.setState(StateCreated)
	return e, nil
}

// RunID identifies this engine instance in logs and metrics.
func (e *Engine[C, S]) RunID() string { return e.id }

// Metrics returns the engine metrics.
func (e *Engine[C, S]) Metrics() *Metrics { return e.metrics }

// Ready is closed once both sides have initialized, or the engine stopped
// before they could.
func (e *Engine[C, S]) Ready() <-chan struct{} { return e.ready }

// Done is closed when the engine reaches Stopped.
func (e *Engine[C, S]) Done() <-chan struct{} { return e.done }

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the controller and simulator threads and returns.
//
// Cancelling ctx stops the engine like Stop. Callbacks receive a context
// that is not cancelled on stop, so a tick in progress always completes.
func (e *Engine[C, S]) Start(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	e.mu.Lock()
	if e.state.load() != StateCreated {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.setState(StateRunning)
	e.mu.Unlock()

	if b, ok := e.controller.(ControllerPortBinder); ok {
		b.BindPort(&Port[ControllerMessage]{side: e.ctrl, out: e.toSim, ctx: runCtx})
	}
	if b, ok := e.simulator.(SimulatorPortBinder); ok {
		b.BindPort(&Port[SimulatorMessage]{side: e.sim, out: e.toCtrl, ctx: runCtx})
	}

	var g errgroup.Group
	g.Go(func() error { return e.thread(func() { e.runSimulator(runCtx) }) })
	g.Go(func() error { return e.thread(func() { e.runController(runCtx) }) })
	go func() {
		_ = g.Wait()
		cancel()
		e.finish()
	}()

	e.logger.Info("engine started",
		slog.Float64("controller_hz", e.ctrl.sched.Frequency()),
		slog.Float64("simulator_hz", e.sim.sched.Frequency()),
		slog.Int("channel_capacity", e.toSim.Cap()),
		slog.String("overflow_policy", e.toSim.Policy().String()),
	)
	return nil
}

// thread runs fn as one engine side, pinned to an OS thread when enabled.
func (e *Engine[C, S]) thread(fn func()) error {
	if e.opts.lockThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	fn()
	return nil
}

// Run starts the engine and blocks until it stops. Cancelling ctx stops
// the engine. It returns what Wait returns.
func (e *Engine[C, S]) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return e.Stop()
	case <-e.done:
		return e.Err()
	}
}

// Pause suspends the simulator. The controller keeps ticking.
func (e *Engine[C, S]) Pause() error {
	if err := e.simulatorAlive(); err != nil {
		return err
	}
	if !e.state.cas(StateRunning, StatePaused) {
		if e.stopRequested() {
			return ErrStopped
		}
		return ErrNotRunning
	}
	e.metrics.RunState.Set(float64(StatePaused))
	e.logger.Info("engine paused")
	return nil
}

// Resume resumes a paused simulator. Messages the controller sent while
// paused are delivered first, in order.
func (e *Engine[C, S]) Resume() error {
	if err := e.simulatorAlive(); err != nil {
		return err
	}
	if !e.state.cas(StatePaused, StateRunning) {
		if e.stopRequested() {
			return ErrStopped
		}
		return ErrNotPaused
	}
	e.metrics.RunState.Set(float64(StateRunning))
	e.logger.Info("engine resumed")
	return nil
}

// Reset re-initializes Config and State to their initial snapshots at the
// next simulator tick. The run state does not change.
func (e *Engine[C, S]) Reset() error {
	switch e.state.load() {
	case StateCreated:
		return ErrNotRunning
	case StateStopping, StateStopped:
		return ErrStopped
	}
	if err := e.simulatorAlive(); err != nil {
		return err
	}
	e.resetSim.Store(true)
	return nil
}

// simulatorAlive reports ErrSimulatorStopped when the simulator thread has
// exited on its own, for example after a fault.
func (e *Engine[C, S]) simulatorAlive() error {
	if e.stopRequested() {
		return ErrStopped
	}
	switch e.sim.state.load() {
	case StateStopping, StateStopped:
		return ErrSimulatorStopped
	}
	return nil
}

// Stop requests both threads to finish their current tick, waits for them
// and returns what Wait returns. Stopping a Created engine just marks it
// Stopped.
//
// Stop must not be called from a callback; return ErrDone instead.
func (e *Engine[C, S]) Stop() error {
	e.mu.Lock()
	if e.state.load() == StateCreated {
		e.setState(StateStopped)
		e.mu.Unlock()
		e.readyOnce.Do(func() { close(e.ready) })
		close(e.done)
		return nil
	}
	e.mu.Unlock()

	e.requestStop()
	<-e.done
	return e.Err()
}

// Wait blocks until the engine is Stopped. It returns nil for a clean
// termination and the last fault otherwise.
func (e *Engine[C, S]) Wait() error {
	<-e.done
	return e.Err()
}

// Err returns the last fault recorded so far, or nil.
func (e *Engine[C, S]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault
}

func (e *Engine[C, S]) requestStop() {
	for {
		s := e.state.load()
		if s == StateCreated || s == StateStopping || s == StateStopped {
			return
		}
		if e.state.cas(s, StateStopping) {
			e.metrics.RunState.Set(float64(StateStopping))
			e.mu.Lock()
			cancel := e.cancel
			e.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			e.logger.Info("engine stopping")
			return
		}
	}
}

func (e *Engine[C, S]) stopRequested() bool {
	s := e.state.load()
	return s == StateStopping || s == StateStopped
}

func (e *Engine[C, S]) paused() bool {
	return e.state.load() == StatePaused
}

func (e *Engine[C, S]) setState(s State) {
	e.state.store(s)
	e.metrics.RunState.Set(float64(s))
}

func (e *Engine[C, S]) recordFault(err error) {
	e.mu.Lock()
	e.fault = err
	e.mu.Unlock()
}

func (e *Engine[C, S]) finish() {
	e.setState(StateStopped)
	e.simReadyOnce.Do(func() { close(e.simReady) })
	e.readyOnce.Do(func() { close(e.ready) })

	attrs := []any{
		slog.Uint64("controller_ticks", e.ctrl.ticks.Load()),
		slog.Uint64("simulator_ticks", e.sim.ticks.Load()),
	}
	if err := e.Err(); err != nil {
		e.logger.Error("engine stopped after fault", append(attrs, slog.String("error", err.Error()))...)
	} else {
		e.logger.Info("engine stopped", attrs...)
	}
	close(e.done)
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

// Status returns a point-in-time view of the engine.
func (e *Engine[C, S]) Status() Status {
	st := Status{
		RunID:         e.id,
		State:         e.state.load(),
		Controller:    e.ctrl.status(),
		Simulator:     e.sim.status(),
		ConfigVersion: e.configW.Version(),
		StateVersion:  e.stateW.Version(),
	}
	st.Controller.Outbox = e.toSim.Stats()
	st.Simulator.Outbox = e.toCtrl.Stats()
	if err := e.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// LatestState returns the current State snapshot. The caller must Release it.
func (e *Engine[C, S]) LatestState() *snapshot.Snapshot[S] { return e.stateR.Load() }

// LatestConfig returns the current Config snapshot. The caller must Release it.
func (e *Engine[C, S]) LatestConfig() *snapshot.Snapshot[C] { return e.configR.Load() }

// SetControllerFrequency changes the controller tick rate from its next tick.
func (e *Engine[C, S]) SetControllerFrequency(hz float64) error {
	if err := e.ctrl.sched.SetFrequency(hz); err != nil {
		return err
	}
	e.logger.Info("controller frequency changed", slog.Float64("hz", hz))
	return nil
}

// SetSimulatorFrequency changes the simulator tick rate from its next tick.
func (e *Engine[C, S]) SetSimulatorFrequency(hz float64) error {
	if err := e.sim.sched.SetFrequency(hz); err != nil {
		return err
	}
	e.logger.Info("simulator frequency changed", slog.Float64("hz", hz))
	return nil
}

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

// call runs a user callback, converting a panic into a *FaultError and a
// returned error into a *CallbackError.
func (e *Engine[C, S]) call(sd *side, tick uint64, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{
				Side:  sd.name,
				Op:    op,
				Tick:  tick,
				Panic: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	if cbErr := fn(); cbErr != nil {
		return &CallbackError{Side: sd.name, Op: op, Tick: tick, Err: cbErr}
	}
	return nil
}

// peerMessage is a message either side can send.
type peerMessage interface {
	ControllerMessage
	SimulatorMessage
}

func (e *Engine[C, S]) tellPeer(ctx context.Context, sd *side, msg peerMessage) {
	if sd.name == SimulatorSide {
		send[SimulatorMessage](ctx, sd, e.toCtrl, msg)
	} else {
		send[ControllerMessage](ctx, sd, e.toSim, msg)
	}
}

// settle applies the outcome of a callback. It returns true when the side
// must exit its loop.
func (e *Engine[C, S]) settle(ctx context.Context, sd *side, tick uint64, err error) bool {
	if err == nil {
		return false
	}

	var fault *FaultError
	switch {
	case errors.As(err, &fault):
		sd.faults.Add(1)
		e.metrics.Faults.WithLabelValues(sd.name.String()).Inc()
		e.recordFault(fault)
		sd.logger.Error("callback panicked, stopping side",
			slog.String("op", fault.Op),
			slog.Uint64("tick", tick),
			slog.Any("panic", fault.Panic),
			slog.String("stack", fault.Stack),
		)
		e.tellPeer(ctx, sd, Fault{Err: fault})
		if e.opts.stopOnFault {
			e.requestStop()
		}
		return true

	case errors.Is(err, ErrDone):
		if sd.name == SimulatorSide {
			sd.logger.Info("simulation complete", slog.Uint64("tick", tick))
			send[SimulatorMessage](ctx, sd, e.toCtrl, SimulationComplete{Tick: tick})
		} else {
			sd.logger.Info("controller finished", slog.Uint64("tick", tick))
			e.requestStop()
		}
		return true

	default:
		sd.tickErrors.Add(1)
		e.metrics.TickErrors.WithLabelValues(sd.name.String()).Inc()
		sd.errWarn.Do(func() {
			sd.logger.Warn("callback failed, keeping previous snapshot",
				slog.Uint64("tick", tick),
				slog.String("error", err.Error()),
			)
		})
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			err = cbErr.Err
		}
		e.tellPeer(ctx, sd, TickError{Side: sd.name, Tick: tick, Err: err})
		return false
	}
}

// fatal records an initialization failure and stops the engine.
func (e *Engine[C, S]) fatal(ctx context.Context, sd *side, err error) {
	var fault *FaultError
	if errors.As(err, &fault) {
		sd.faults.Add(1)
		e.metrics.Faults.WithLabelValues(sd.name.String()).Inc()
		e.tellPeer(ctx, sd, Fault{Err: fault})
	}
	e.recordFault(err)
	sd.logger.Error("initialization failed, stopping engine", slog.String("error", err.Error()))
	e.requestStop()
}

// observe records a tick boundary.
func (e *Engine[C, S]) observe(sd *side, info tick.Info) {
	sd.info.Store(&info)
	sd.ticks.Add(1)
	e.metrics.Ticks.WithLabelValues(sd.name.String()).Inc()
	if info.Skipped == 0 {
		return
	}
	sd.skipped.Add(info.Skipped)
	e.metrics.SkippedTicks.WithLabelValues(sd.name.String()).Add(float64(info.Skipped))
	sd.lateWarn.Do(func() {
		sd.logger.Warn("side fell behind, skipping ticks",
			slog.Uint64("tick", info.Index),
			slog.Uint64("skipped", info.Skipped),
			slog.Duration("late", info.Late),
			slog.Duration("period", info.Period),
		)
	})
}

func (e *Engine[C, S]) timed(sd *side, start time.Time) {
	e.metrics.TickDuration.WithLabelValues(sd.name.String()).Observe(e.opts.clock.Since(start).Seconds())
}

// exit moves a side through Stopping to Stopped and closes both channels
// it takes part in. Queued messages stay receivable by the peer.
func (e *Engine[C, S]) exit(sd *side) {
	sd.state.store(StateStopping)
	e.toSim.Close()
	e.toCtrl.Close()
	sd.state.store(StateStopped)
	sd.logger.Debug("side stopped", slog.Uint64("ticks", sd.ticks.Load()))
}
