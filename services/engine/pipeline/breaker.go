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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures a BreakerDevice.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failed device calls that
	// opens the circuit. Default: 5.
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before a probe call
	// is allowed through. Default: 5s.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probe calls allowed while half open.
	// Default: 1.
	HalfOpenRequests uint32
}

// ApplyDefaults fills zero fields with defaults.
func (c *BreakerConfig) ApplyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 5 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
}

// BreakerDevice guards a Device with a circuit breaker. After repeated
// failures, calls fail fast with ErrDeviceUnavailable instead of waiting on
// a device that keeps erroring, so the simulator keeps its tick budget.
//
// Context cancellation does not count as a device failure.
type BreakerDevice[A any] struct {
	inner  Device[A]
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreakerDevice wraps inner. A nil logger uses slog.Default().
func NewBreakerDevice[A any](inner Device[A], cfg BreakerConfig, logger *slog.Logger) *BreakerDevice[A] {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "device_breaker"), slog.String("device", inner.Name()))

	d := &BreakerDevice[A]{inner: inner, logger: logger}
	d.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("device circuit state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return d
}

func (d *BreakerDevice[A]) guard(op string, fn func() error) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, op, err)
	}
	return err
}

// State returns the breaker state: "closed", "half-open" or "open".
func (d *BreakerDevice[A]) State() string {
	return d.cb.State().String()
}

// Name returns the inner device name.
func (d *BreakerDevice[A]) Name() string { return d.inner.Name() }

// Sync guards inner.Sync.
func (d *BreakerDevice[A]) Sync(ctx context.Context, ids []uint64) ([]int, error) {
	var fresh []int
	err := d.guard("sync", func() error {
		var err error
		fresh, err = d.inner.Sync(ctx, ids)
		return err
	})
	return fresh, err
}

// Upload guards inner.Upload.
func (d *BreakerDevice[A]) Upload(ctx context.Context, src []A, fields FieldSet, only []int) error {
	return d.guard("upload", func() error { return d.inner.Upload(ctx, src, fields, only) })
}

// Download guards inner.Download.
func (d *BreakerDevice[A]) Download(ctx context.Context, dst []A, fields FieldSet) error {
	return d.guard("download", func() error { return d.inner.Download(ctx, dst, fields) })
}

// DispatchEach guards inner.DispatchEach.
func (d *BreakerDevice[A]) DispatchEach(ctx context.Context, stage string, fn func(ctx context.Context, i int, agent *A) error) error {
	return d.guard(stage, func() error { return d.inner.DispatchEach(ctx, stage, fn) })
}

// DispatchAll guards inner.DispatchAll.
func (d *BreakerDevice[A]) DispatchAll(ctx context.Context, stage string, fn func(ctx context.Context, agents []A) error) error {
	return d.guard(stage, func() error { return d.inner.DispatchAll(ctx, stage, fn) })
}

// Run guards inner.Run.
func (d *BreakerDevice[A]) Run(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	return d.guard(stage, func() error { return d.inner.Run(ctx, stage, fn) })
}

// Reset resets the inner device. The breaker state is kept.
func (d *BreakerDevice[A]) Reset() { d.inner.Reset() }

var _ Device[struct{}] = (*BreakerDevice[struct{}])(nil)
