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
	"log/slog"
)

// -----------------------------------------------------------------------------
// Simulator thread
// -----------------------------------------------------------------------------

func (e *Engine[C, S]) runSimulator(ctx context.Context) {
	sd := e.sim
	cb := context.WithoutCancel(ctx)
	sd.state.store(StateRunning)
	defer e.exit(sd)
	defer e.simReadyOnce.Do(func() { close(e.simReady) })

	var first S
	err := e.call(sd, 0, "initialize", func() error {
		var err error
		first, err = e.simulator.Initialize(cb, e.initial)
		return err
	})
	if err != nil {
		e.fatal(ctx, sd, err)
		return
	}
	_, _ = e.stateW.Publish(first)
	e.simReadyOnce.Do(func() { close(e.simReady) })

	var inbox, pending []ControllerMessage
	for {
		if e.stopRequested() {
			return
		}
		info, err := sd.sched.Wait(ctx)
		if err != nil {
			return
		}
		e.observe(sd, info)
		if info.Skipped > 0 {
			stats := Statistics{
				Tick:    info.Index,
				Skipped: info.Skipped,
				Elapsed: info.Elapsed,
				Late:    info.Late,
				Period:  info.Period,
			}
			if ac, ok := e.simulator.(AgentCounter); ok {
				stats.Agents = ac.AgentCount()
			}
			send[SimulatorMessage](ctx, sd, e.toCtrl, stats)
		}

		if e.resetSim.Swap(false) {
			if e.resetSimulator(ctx, cb, info.Index) {
				return
			}
		}

		// Lifecycle messages apply in order. Everything else is delivered
		// in order too, but held back while paused.
		inbox = e.simIn.DrainInto(inbox[:0])
		for _, msg := range inbox {
			switch msg.(type) {
			case Pause, Resume, Reset:
				if len(pending) > 0 && !e.paused() {
					if e.deliverToSimulator(ctx, cb, info.Index, pending) {
						return
					}
					pending = pending[:0]
				}
				if e.applyLifecycle(ctx, cb, info.Index, msg) {
					return
				}
			default:
				pending = append(pending, msg)
			}
		}
		if e.paused() {
			continue
		}
		if len(pending) > 0 {
			if e.deliverToSimulator(ctx, cb, info.Index, pending) {
				return
			}
			pending = pending[:0]
		}

		cfg := e.configR.Load()
		var next S
		start := e.opts.clock.Now()
		err = e.call(sd, info.Index, "tick", func() error {
			var err error
			next, err = e.simulator.Tick(cb, cfg.Value())
			return err
		})
		cfg.Release()
		e.timed(sd, start)
		if err != nil {
			if e.settle(ctx, sd, info.Index, err) {
				return
			}
			continue
		}
		_, _ = e.stateW.Publish(next)
	}
}

func (e *Engine[C, S]) deliverToSimulator(ctx, cb context.Context, tick uint64, msgs []ControllerMessage) bool {
	err := e.call(e.sim, tick, "handle_messages", func() error {
		return e.simulator.HandleMessages(cb, msgs)
	})
	return e.settle(ctx, e.sim, tick, err)
}

func (e *Engine[C, S]) applyLifecycle(ctx, cb context.Context, tick uint64, msg ControllerMessage) bool {
	sd := e.sim
	switch msg.(type) {
	case Pause:
		if err := e.Pause(); err != nil {
			sd.logger.Debug("pause message ignored", slog.String("reason", err.Error()))
		}
	case Resume:
		if err := e.Resume(); err != nil {
			sd.logger.Debug("resume message ignored", slog.String("reason", err.Error()))
		}
	case Reset:
		return e.resetSimulator(ctx, cb, tick)
	}
	return false
}

// resetSimulator re-runs Simulator.Initialize with the initial Config and
// asks the controller thread to follow. It returns true if the simulator
// must exit.
func (e *Engine[C, S]) resetSimulator(ctx, cb context.Context, tick uint64) bool {
	sd := e.sim
	var st S
	err := e.call(sd, tick, "initialize", func() error {
		var err error
		st, err = e.simulator.Initialize(cb, e.initial)
		return err
	})
	if err != nil {
		return e.settle(ctx, sd, tick, err)
	}
	_, _ = e.stateW.Publish(st)
	sd.sched.Reset()
	e.resetCtrl.Store(true)
	sd.logger.Info("simulation reset", slog.Uint64("tick", tick))
	return false
}

// -----------------------------------------------------------------------------
// Controller thread
// -----------------------------------------------------------------------------

func (e *Engine[C, S]) runController(ctx context.Context) {
	sd := e.ctrl
	cb := context.WithoutCancel(ctx)
	sd.state.store(StateRunning)
	defer e.exit(sd)

	select {
	case <-e.simReady:
	case <-ctx.Done():
		return
	}
	if e.stopRequested() {
		return
	}

	if err := e.initController(cb, 0); err != nil {
		e.fatal(ctx, sd, err)
		return
	}
	e.readyOnce.Do(func() { close(e.ready) })

	var inbox []SimulatorMessage
	for {
		if e.stopRequested() {
			return
		}
		info, err := sd.sched.Wait(ctx)
		if err != nil {
			return
		}
		e.observe(sd, info)

		if e.resetCtrl.Swap(false) {
			_, _ = e.configW.Publish(e.initial)
			if err := e.initController(cb, info.Index); e.settle(ctx, sd, info.Index, err) {
				return
			}
			sd.sched.Reset()
		}

		inbox = e.ctrlIn.DrainInto(inbox[:0])
		if len(inbox) > 0 {
			err := e.call(sd, info.Index, "handle_messages", func() error {
				return e.controller.HandleMessages(cb, inbox)
			})
			if e.settle(ctx, sd, info.Index, err) {
				return
			}
		}

		state := e.stateR.Load()
		var (
			cfg     C
			publish bool
		)
		start := e.opts.clock.Now()
		err = e.call(sd, info.Index, "update", func() error {
			var err error
			cfg, publish, err = e.controller.Update(cb, state.Value())
			return err
		})
		state.Release()
		e.timed(sd, start)
		if err != nil {
			if e.settle(ctx, sd, info.Index, err) {
				return
			}
			continue
		}
		if publish {
			_, _ = e.configW.Publish(cfg)
		}
	}
}

func (e *Engine[C, S]) initController(cb context.Context, tick uint64) error {
	state := e.stateR.Load()
	defer state.Release()
	return e.call(e.ctrl, tick, "initialize", func() error {
		return e.controller.Initialize(cb, state.Value())
	})
}
