// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot provides a single-writer, multi-reader cell holding an
// immutable, reference-counted value.
//
// The writer publishes by swapping an atomic pointer. Readers acquire a
// reference to whatever was current and keep it alive until they release
// it, no matter how many publishes happen in between. Neither side ever
// takes a lock or waits on the other.
//
// # Ownership
//
// New returns the two halves separately. Only the Writer can publish, so
// the single-writer rule is enforced by who holds the Writer, not by a
// runtime check. Readers may be shared by any number of goroutines.
//
// # Reclamation
//
// Memory is managed by the garbage collector. The reference count decides
// when a snapshot is dead from the cell's point of view, which is when the
// optional reclaim hook runs. A hook may recycle buffers held by the value;
// it runs exactly once per published value, after its last holder released.
package snapshot

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrClosed is returned by Publish after the writer was closed.
	ErrClosed = errors.New("snapshot cell is closed")
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type options[T any] struct {
	reclaim func(T)
	clock   clock.Clock
}

// Option configures a cell.
type Option[T any] func(*options[T])

// WithReclaim registers a hook called once for each value when the last
// reference to it is released. The hook runs on the goroutine that dropped
// the last reference, which may be either the writer or a reader.
func WithReclaim[T any](fn func(T)) Option[T] {
	return func(o *options[T]) {
		o.reclaim = fn
	}
}

// WithClock sets the clock used to stamp PublishedAt.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(o *options[T]) {
		if c != nil {
			o.clock = c
		}
	}
}

// -----------------------------------------------------------------------------
// Cell internals
// -----------------------------------------------------------------------------

// node is one published value. refs counts the cell's own reference (while
// the node is current) plus one per outstanding Snapshot handle.
type node[T any] struct {
	value       T
	version     uint64
	publishedAt time.Time
	refs        atomic.Int64
	cell        *cell[T]
}

// tryAcquire takes a reference only if the node is still alive. A node whose
// count reached zero is never revived.
func (n *node[T]) tryAcquire() bool {
	for {
		r := n.refs.Load()
		if r <= 0 {
			return false
		}
		if n.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

func (n *node[T]) release() {
	if n.refs.Add(-1) == 0 {
		n.cell.reclaims.Add(1)
		if n.cell.reclaim != nil {
			n.cell.reclaim(n.value)
		}
	}
}

type cell[T any] struct {
	current atomic.Pointer[node[T]]
	reclaim func(T)
	clock   clock.Clock

	publishes atomic.Uint64
	loads     atomic.Uint64
	reclaims  atomic.Uint64
}

// Stats is a point-in-time view of cell activity.
type Stats struct {
	// Publishes counts Publish calls, excluding the initial value.
	Publishes uint64

	// Loads counts successful Load calls.
	Loads uint64

	// Reclaims counts values whose last reference was released.
	Reclaims uint64
}

func (c *cell[T]) stats() Stats {
	return Stats{
		Publishes: c.publishes.Load(),
		Loads:     c.loads.Load(),
		Reclaims:  c.reclaims.Load(),
	}
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

// New creates a cell holding initial at version 0 and returns its writer and
// reader halves.
func New[T any](initial T, opts ...Option[T]) (*Writer[T], *Reader[T]) {
	o := options[T]{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &cell[T]{reclaim: o.reclaim, clock: o.clock}
	n := &node[T]{value: initial, publishedAt: o.clock.Now(), cell: c}
	n.refs.Store(1)
	c.current.Store(n)

	return &Writer[T]{cell: c}, &Reader[T]{cell: c}
}

// -----------------------------------------------------------------------------
// Writer
// -----------------------------------------------------------------------------

// Writer is the publishing half of a cell. Publish and Close must be called
// from one goroutine at a time; Version and Stats are safe from any.
type Writer[T any] struct {
	cell    *cell[T]
	version atomic.Uint64
	closed  atomic.Bool
}

// Publish makes v the current value and returns its version.
//
// The previous value stays readable for every reader still holding it and
// is reclaimed when the last of them releases.
func (w *Writer[T]) Publish(v T) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	version := w.version.Load() + 1
	n := &node[T]{value: v, version: version, publishedAt: w.cell.clock.Now(), cell: w.cell}
	n.refs.Store(1)

	old := w.cell.current.Swap(n)
	w.cell.publishes.Add(1)
	w.version.Store(version)
	old.release()
	return version, nil
}

// Version returns the version of the last published value.
func (w *Writer[T]) Version() uint64 {
	return w.version.Load()
}

// Stats returns the cell's counters.
func (w *Writer[T]) Stats() Stats {
	return w.cell.stats()
}

// Close drops the cell's reference to the current value. Readers can still
// load it; it is reclaimed once they all release. Close is idempotent.
func (w *Writer[T]) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.cell.current.Load().release()
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Reader is the loading half of a cell. Safe for concurrent use.
type Reader[T any] struct {
	cell *cell[T]
}

// Load returns a handle to the current value. It never blocks the writer.
//
// The loop only repeats when the writer replaced and fully released the
// node between our pointer load and our acquire; the next iteration sees
// the newer node.
//
// After the writer is closed and all handles to the final value are
// released, Load returns a detached handle to that final value.
func (r *Reader[T]) Load() *Snapshot[T] {
	for {
		n := r.cell.current.Load()
		if n.tryAcquire() {
			r.cell.loads.Add(1)
			return &Snapshot[T]{node: n}
		}
		if r.cell.current.Load() == n {
			// Closed cell, final value already reclaimed.
			s := &Snapshot[T]{node: n}
			s.released.Store(true)
			return s
		}
	}
}

// Value loads the current value, copies it out and releases the handle.
func (r *Reader[T]) Value() T {
	s := r.Load()
	defer s.Release()
	return s.Value()
}

// Stats returns the cell's counters.
func (r *Reader[T]) Stats() Stats {
	return r.cell.stats()
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is a held reference to one published value. The value must be
// treated as read-only.
type Snapshot[T any] struct {
	node     *node[T]
	released atomic.Bool
}

// Value returns the held value. It remains valid after Release, but the
// reclaim hook may have recycled what it points to.
func (s *Snapshot[T]) Value() T {
	return s.node.value
}

// Version returns the value's publish version. The initial value is 0.
func (s *Snapshot[T]) Version() uint64 {
	return s.node.version
}

// PublishedAt returns when the value was published.
func (s *Snapshot[T]) PublishedAt() time.Time {
	return s.node.publishedAt
}

// Release drops this handle's reference. Calling it more than once on the
// same handle has no further effect.
func (s *Snapshot[T]) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.node.release()
	}
}
