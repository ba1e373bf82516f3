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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
	"github.com/NickSpyker/multi-agent-engine/services/engine/tick"
)

// side is the per-thread bookkeeping of one engine side.
type side struct {
	name   Side
	sched  *tick.Scheduler
	logger *slog.Logger

	state      atomicState
	ticks      atomic.Uint64
	skipped    atomic.Uint64
	tickErrors atomic.Uint64
	faults     atomic.Uint64
	info       atomic.Pointer[tick.Info]

	lateWarn rate.Sometimes
	errWarn  rate.Sometimes
	sendWarn rate.Sometimes
}

func newSide(name Side, sched *tick.Scheduler, logger *slog.Logger) *side {
	sd := &side{
		name:     name,
		sched:    sched,
		logger:   logger.With(slog.String("side", name.String())),
		lateWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		errWarn:  rate.Sometimes{First: 3, Interval: 5 * time.Second},
		sendWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	sd.state.store(StateCreated)
	return sd
}

func (sd *side) status() SideStatus {
	return SideStatus{
		State:      sd.state.load(),
		Frequency:  sd.sched.Frequency(),
		Ticks:      sd.ticks.Load(),
		Skipped:    sd.skipped.Load(),
		TickErrors: sd.tickErrors.Load(),
		Faults:     sd.faults.Load(),
	}
}

// Port lets a Controller or Simulator send messages to its peer and see
// its current tick.
//
// A Port must only be used from its own side's callbacks: each message
// channel has exactly one producer.
type Port[M any] struct {
	side *side
	out  *message.Sender[M]
	ctx  context.Context
}

// Send enqueues msg for the peer. It returns message.ErrFull when the
// channel is full under the Reject policy and message.ErrClosed once the
// peer has stopped. Under the Block policy it waits until there is room
// or the engine stops.
func (p *Port[M]) Send(msg M) error {
	return p.out.SendContext(p.ctx, msg)
}

// Tick returns the tick currently being processed by this side.
func (p *Port[M]) Tick() tick.Info {
	if info := p.side.info.Load(); info != nil {
		return *info
	}
	return tick.Info{}
}

// Side returns the side owning the port.
func (p *Port[M]) Side() Side { return p.side.name }

// Pending returns the number of messages the peer has not consumed yet.
func (p *Port[M]) Pending() int { return p.out.Len() }

// send delivers an engine-generated message, logging failures at a
// bounded rate.
func send[M any](ctx context.Context, sd *side, out *message.Sender[M], msg M) {
	if err := out.SendContext(ctx, msg); err != nil {
		sd.sendWarn.Do(func() {
			sd.logger.Warn("engine message not delivered",
				slog.String("kind", Kind(msg)),
				slog.String("error", err.Error()),
			)
		})
	}
}
