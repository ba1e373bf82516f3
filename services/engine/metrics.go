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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
)

// Metrics holds the Prometheus metrics of one engine.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// Ticks counts completed ticks by side.
	Ticks *prometheus.CounterVec

	// SkippedTicks counts tick boundaries skipped because a side fell behind.
	SkippedTicks *prometheus.CounterVec

	// TickDuration measures callback time per tick by side.
	TickDuration *prometheus.HistogramVec

	// TickErrors counts callbacks that returned an error.
	TickErrors *prometheus.CounterVec

	// Faults counts recovered callback panics.
	Faults *prometheus.CounterVec

	// RunState is the engine State as a number.
	RunState prometheus.Gauge

	factory promauto.Factory
}

// NewMetrics creates engine metrics registered with reg. A nil reg creates
// unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ticks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "ticks_total",
				Help:      "Total ticks by side",
			},
			[]string{"side"},
		),

		SkippedTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "skipped_ticks_total",
				Help:      "Tick boundaries skipped because the side fell behind",
			},
			[]string{"side"},
		),

		TickDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "tick_duration_seconds",
				Help:      "Time spent in user callbacks per tick",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"side"},
		),

		TickErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "tick_errors_total",
				Help:      "Callback errors by side",
			},
			[]string{"side"},
		),

		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "faults_total",
				Help:      "Recovered callback panics by side",
			},
			[]string{"side"},
		),

		RunState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "maengine",
				Subsystem: "engine",
				Name:      "run_state",
				Help:      "Engine run state (0 created, 1 running, 2 paused, 3 stopping, 4 stopped)",
			},
		),

		factory: f,
	}
}

// watchChannel exports the counters of one message channel.
func (m *Metrics) watchChannel(direction string, stats func() message.Stats) {
	labels := prometheus.Labels{"direction": direction}
	counter := func(name, help string, read func(message.Stats) uint64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "maengine",
			Subsystem:   "messages",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(read(stats())) })
	}
	counter("sent_total", "Messages accepted by the channel", func(s message.Stats) uint64 { return s.Sent })
	counter("received_total", "Messages taken by the consumer", func(s message.Stats) uint64 { return s.Received })
	counter("dropped_total", "Messages discarded by a drop policy", func(s message.Stats) uint64 { return s.Dropped })
	counter("rejected_total", "Sends refused because the channel was full", func(s message.Stats) uint64 { return s.Rejected })
}
