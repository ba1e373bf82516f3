// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tick paces a loop at a target frequency.
//
// A Scheduler keeps a fixed phase while the loop keeps up. When an
// iteration overruns by one or more whole periods, the missed boundaries
// are skipped rather than replayed back to back, the schedule re-anchors
// at the current time, and the number skipped is reported in Info.
package tick

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidFrequency is returned for a frequency that is not a positive,
	// finite number of hertz, or whose period rounds to zero.
	ErrInvalidFrequency = errors.New("tick frequency must be positive and finite")
)

// -----------------------------------------------------------------------------
// Info
// -----------------------------------------------------------------------------

// Info describes one tick.
type Info struct {
	// Index counts ticks from zero. It never repeats or goes backwards.
	Index uint64

	// Elapsed is wall-clock time since the previous tick. Zero for the first.
	Elapsed time.Duration

	// Skipped is the number of whole period boundaries missed before this
	// tick because the previous iteration overran.
	Skipped uint64

	// Late is how far past its scheduled boundary this tick started.
	Late time.Duration

	// Period is the period in effect for this tick.
	Period time.Duration

	// At is the clock time this tick started.
	At time.Time
}

// -----------------------------------------------------------------------------
// Scheduler
// -----------------------------------------------------------------------------

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// Scheduler gates iterations of one loop.
//
// Thread Safety:
//
//	Wait and Reset must be called from the loop's goroutine. SetFrequency,
//	Frequency and Period are safe from any goroutine.
type Scheduler struct {
	clock  clock.Clock
	period atomic.Int64

	started    bool
	next       time.Time
	nextPeriod time.Duration
	last       time.Time
	index      uint64
}

// New creates a Scheduler running at hz ticks per second.
func New(hz float64, opts ...Option) (*Scheduler, error) {
	p, err := PeriodOf(hz)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{clock: clock.New()}
	s.period.Store(int64(p))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PeriodOf converts a frequency in hertz to a tick period.
func PeriodOf(hz float64) (time.Duration, error) {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFrequency, hz)
	}
	p := time.Duration(float64(time.Second) / hz)
	if p <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFrequency, hz)
	}
	return p, nil
}

// Wait blocks until the next tick boundary and describes the tick.
//
// Description:
//
//	The first call returns immediately with Index 0. Later calls sleep
//	until the scheduled boundary. If the boundary has already passed by d,
//	the tick starts immediately; when d covers one or more whole periods,
//	Skipped = floor(d / period) and the following boundary is one period
//	from now instead of from the missed one.
//
// Inputs:
//
//	ctx - Cancels the sleep. A cancelled context returns ctx.Err() and does
//	      not consume a tick index.
//
// Outputs:
//
//	Info - Tick description.
//	error - Non-nil only when ctx ended during the sleep.
func (s *Scheduler) Wait(ctx context.Context) (Info, error) {
	p := s.Period()

	if !s.started {
		now := s.clock.Now()
		s.started = true
		s.next = now.Add(p)
		s.nextPeriod = p
		elapsed := time.Duration(0)
		if !s.last.IsZero() {
			elapsed = now.Sub(s.last)
		}
		s.last = now
		info := Info{Index: s.index, Elapsed: elapsed, Period: p, At: now}
		s.index++
		return info, nil
	}

	// A frequency change moves the pending boundary, keeping the start of
	// the current period.
	if p != s.nextPeriod {
		s.next = s.next.Add(p - s.nextPeriod)
		s.nextPeriod = p
	}

	now := s.clock.Now()
	if wait := s.next.Sub(now); wait > 0 {
		timer := s.clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Info{}, ctx.Err()
		}
		now = s.clock.Now()
	}

	late := now.Sub(s.next)
	if late < 0 {
		late = 0
	}
	var skipped uint64
	if late >= p {
		skipped = uint64(late / p)
		s.next = now.Add(p)
	} else {
		s.next = s.next.Add(p)
	}

	info := Info{
		Index:   s.index,
		Elapsed: now.Sub(s.last),
		Skipped: skipped,
		Late:    late,
		Period:  p,
		At:      now,
	}
	s.index++
	s.last = now
	return info, nil
}

// Reset re-anchors the schedule so the next Wait returns immediately
// without reporting the gap as skipped ticks. The tick index continues.
// The engine calls it after a simulation reset, whose re-initialization is
// not a missed tick. Like Wait, it must be called from the owning goroutine.
func (s *Scheduler) Reset() {
	s.started = false
}

// SetFrequency changes the rate. The next Wait uses the new period.
func (s *Scheduler) SetFrequency(hz float64) error {
	p, err := PeriodOf(hz)
	if err != nil {
		return err
	}
	s.period.Store(int64(p))
	return nil
}

// Frequency returns the current rate in hertz.
func (s *Scheduler) Frequency() float64 {
	return float64(time.Second) / float64(s.Period())
}

// Period returns the current tick period.
func (s *Scheduler) Period() time.Duration {
	return time.Duration(s.period.Load())
}
