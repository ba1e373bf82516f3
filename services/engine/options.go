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
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
)

// Defaults match an interactive front end over a slower simulation.
const (
	DefaultControllerHz    = 60
	DefaultSimulatorHz     = 30
	DefaultChannelCapacity = 1024
)

type options struct {
	controllerHz float64
	simulatorHz  float64
	capacity     int
	policy       message.Policy
	logger       *slog.Logger
	registerer   prometheus.Registerer
	clock        clock.Clock
	stopOnFault  bool
	lockThreads  bool
}

func defaultOptions() options {
	return options{
		controllerHz: DefaultControllerHz,
		simulatorHz:  DefaultSimulatorHz,
		capacity:     DefaultChannelCapacity,
		policy:       message.Reject,
		clock:        clock.New(),
		lockThreads:  true,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithControllerFrequency sets the controller tick rate in Hz.
func WithControllerFrequency(hz float64) Option {
	return func(o *options) { o.controllerHz = hz }
}

// WithSimulatorFrequency sets the simulator tick rate in Hz.
func WithSimulatorFrequency(hz float64) Option {
	return func(o *options) { o.simulatorHz = hz }
}

// WithChannelCapacity sets the capacity of both message channels.
func WithChannelCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithOverflowPolicy sets what a full message channel does on Send.
func WithOverflowPolicy(p message.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithLogger sets the logger. Nil uses slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers engine metrics with reg. Without it metrics are
// collected but not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock sets the clock used by tick schedulers and snapshot timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithStopOnFault stops the whole engine when either side faults, instead
// of only the faulting side.
func WithStopOnFault(stop bool) Option {
	return func(o *options) { o.stopOnFault = stop }
}

// WithLockOSThread controls whether each side pins its goroutine to an OS
// thread. Default: true.
func WithLockOSThread(lock bool) Option {
	return func(o *options) { o.lockThreads = lock }
}
