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
	"fmt"
	"sync/atomic"
)

// Device is the boundary to a compute backend with its own memory.
//
// The executor never touches device memory directly. It keeps the device
// resident set aligned with the host buffer through Sync, moves fields with
// Upload and Download, and launches work with the Dispatch methods. Every
// method blocks the calling goroutine until the device has finished.
type Device[A any] interface {
	// Name identifies the device in logs and spans.
	Name() string

	// Sync makes device slot i hold the agent with ids[i]. Agents already
	// resident keep their data and move to their new slot; the returned
	// indices are slots with no prior data, which need a full upload.
	Sync(ctx context.Context, ids []uint64) (fresh []int, err error)

	// Upload copies the selected fields from src into device memory. When
	// only is non-nil, just those slots are copied.
	Upload(ctx context.Context, src []A, fields FieldSet, only []int) error

	// Download copies the selected fields of every resident slot into dst.
	Download(ctx context.Context, dst []A, fields FieldSet) error

	// DispatchEach runs fn once per resident agent on device memory.
	DispatchEach(ctx context.Context, stage string, fn func(ctx context.Context, i int, agent *A) error) error

	// DispatchAll runs fn once over the whole resident buffer.
	DispatchAll(ctx context.Context, stage string, fn func(ctx context.Context, agents []A) error) error

	// Run executes device-bound work that is not expressed over the agent
	// buffer, such as a whole-state stage targeting the device.
	Run(ctx context.Context, stage string, fn func(ctx context.Context) error) error

	// Reset drops all resident data.
	Reset()
}

// -----------------------------------------------------------------------------
// HostDevice
// -----------------------------------------------------------------------------

// DeviceStats counts device traffic.
type DeviceStats struct {
	Dispatches    uint64
	BytesUploaded uint64
	BytesDown     uint64
	Resident      int
}

// HostDevice is a Device whose memory is a separate slice in host RAM and
// whose dispatches run on a local worker pool.
//
// It behaves like a discrete device from the executor's point of view:
// stages on it only see what was uploaded, and their writes only reach the
// state through Download. It backs GPU stages in tests and on machines
// without an accelerator.
type HostDevice[A any] struct {
	name    string
	layout  Layout[A]
	workers int

	mem   []A
	index map[uint64]int

	// resident mirrors len(mem) for Stats callers on other goroutines.
	resident   atomic.Int64
	dispatches atomic.Uint64
	bytesUp    atomic.Uint64
	bytesDown  atomic.Uint64
}

// NewHostDevice creates an emulated device. workers <= 0 uses GOMAXPROCS.
func NewHostDevice[A any](name string, layout Layout[A], workers int) *HostDevice[A] {
	return &HostDevice[A]{
		name:    name,
		layout:  layout,
		workers: workers,
		index:   make(map[uint64]int),
	}
}

// Name returns the device name.
func (d *HostDevice[A]) Name() string { return d.name }

// Sync remaps resident agents to the new slot order.
func (d *HostDevice[A]) Sync(ctx context.Context, ids []uint64) ([]int, error) {
	mem := make([]A, len(ids))
	index := make(map[uint64]int, len(ids))
	var fresh []int
	for i, id := range ids {
		if j, ok := d.index[id]; ok {
			mem[i] = d.mem[j]
		} else {
			fresh = append(fresh, i)
		}
		index[id] = i
	}
	d.mem = mem
	d.index = index
	d.resident.Store(int64(len(mem)))
	return fresh, nil
}

// Upload copies fields from src into device memory.
func (d *HostDevice[A]) Upload(ctx context.Context, src []A, fields FieldSet, only []int) error {
	if len(src) != len(d.mem) {
		return fmt.Errorf("%w: upload %d records to %d slots", ErrIDMismatch, len(src), len(d.mem))
	}
	if only != nil {
		for _, i := range only {
			d.layout.Copy(&d.mem[i], &src[i], fields)
		}
		d.bytesUp.Add(uint64(len(only) * d.layout.Stride(fields)))
		return nil
	}
	for i := range src {
		d.layout.Copy(&d.mem[i], &src[i], fields)
	}
	d.bytesUp.Add(uint64(len(src) * d.layout.Stride(fields)))
	return nil
}

// Download copies fields from device memory into dst.
func (d *HostDevice[A]) Download(ctx context.Context, dst []A, fields FieldSet) error {
	if len(dst) != len(d.mem) {
		return fmt.Errorf("%w: download %d slots to %d records", ErrIDMismatch, len(d.mem), len(dst))
	}
	for i := range dst {
		d.layout.Copy(&dst[i], &d.mem[i], fields)
	}
	d.bytesDown.Add(uint64(len(dst) * d.layout.Stride(fields)))
	return nil
}

// DispatchEach runs fn over device memory on the worker pool.
func (d *HostDevice[A]) DispatchEach(ctx context.Context, stage string, fn func(ctx context.Context, i int, agent *A) error) error {
	d.dispatches.Add(1)
	return forEachAgent(ctx, d.mem, d.workers, fn)
}

// DispatchAll runs fn once over device memory.
func (d *HostDevice[A]) DispatchAll(ctx context.Context, stage string, fn func(ctx context.Context, agents []A) error) error {
	d.dispatches.Add(1)
	return callSafe(func() error { return fn(ctx, d.mem) })
}

// Run runs fn on the calling goroutine.
func (d *HostDevice[A]) Run(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	d.dispatches.Add(1)
	return callSafe(func() error { return fn(ctx) })
}

// Reset drops all resident data.
func (d *HostDevice[A]) Reset() {
	d.mem = nil
	d.index = make(map[uint64]int)
	d.resident.Store(0)
}

// Stats returns the device counters. Safe to call while the simulator
// thread uses the device.
func (d *HostDevice[A]) Stats() DeviceStats {
	return DeviceStats{
		Dispatches:    d.dispatches.Load(),
		BytesUploaded: d.bytesUp.Load(),
		BytesDown:     d.bytesDown.Load(),
		Resident:      int(d.resident.Load()),
	}
}

var _ Device[struct{}] = (*HostDevice[struct{}])(nil)
