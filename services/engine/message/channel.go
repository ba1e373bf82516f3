// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package message provides a bounded, lock-free, single-producer
// single-consumer queue for passing typed messages between the two engine
// threads.
//
// The queue is a ring of slots, each carrying a sequence number that tells
// the producer whether the slot is free for the current lap and tells the
// consumer whether it holds a value. Positions only ever grow, so any
// capacity works; the slot index is the position modulo capacity.
//
// Messages are delivered in the order they were sent. None is reordered or
// duplicated, and none is dropped unless the configured Policy says so, in
// which case the drop is counted in Stats.
package message

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrFull is returned by Send under the Reject policy when the queue is at capacity.
	ErrFull = errors.New("message channel is full")

	// ErrClosed is returned by Send after the sender was closed.
	ErrClosed = errors.New("message channel is closed")

	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("message channel capacity must be at least 1")
)

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy selects what Send does when the queue is at capacity.
type Policy int

const (
	// Reject returns ErrFull to the caller. This is the default.
	Reject Policy = iota

	// DropNewest discards the message being sent and counts it.
	DropNewest

	// DropOldest evicts the oldest queued message to make room and counts it.
	DropOldest

	// Block waits until the consumer frees a slot.
	Block
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case Reject:
		return "reject"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return Reject, nil
	case "drop_newest", "drop-newest":
		return DropNewest, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return Reject, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type options struct {
	policy Policy
}

// Option configures a channel.
type Option func(*options)

// WithPolicy sets the overflow policy.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// -----------------------------------------------------------------------------
// Ring
// -----------------------------------------------------------------------------

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

type ring[T any] struct {
	slots  []slot[T]
	size   uint64
	policy Policy

	// head is the next position to dequeue, tail the next to enqueue.
	head atomic.Uint64
	tail atomic.Uint64

	closed atomic.Bool
	done   chan struct{}
	space  chan struct{}

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// Stats counts channel traffic since construction.
type Stats struct {
	// Sent counts messages accepted into the queue.
	Sent uint64

	// Received counts messages handed to the consumer.
	Received uint64

	// Dropped counts messages discarded by DropNewest or DropOldest.
	Dropped uint64

	// Rejected counts Send calls that returned ErrFull.
	Rejected uint64
}

// New creates a channel with room for capacity messages and returns its two
// ends. Each end must be owned by exactly one goroutine at a time.
func New[T any](capacity int, opts ...Option) (*Sender[T], *Receiver[T], error) {
	if capacity < 1 {
		return nil, nil, ErrInvalidCapacity
	}
	o := options{policy: Reject}
	for _, opt := range opts {
		opt(&o)
	}

	r := &ring[T]{
		slots:  make([]slot[T], capacity),
		size:   uint64(capacity),
		policy: o.policy,
		done:   make(chan struct{}),
		space:  make(chan struct{}, 1),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return &Sender[T]{ring: r}, &Receiver[T]{ring: r}, nil
}

// tryEnqueue claims the tail slot if it is free for this lap.
func (r *ring[T]) tryEnqueue(v T) bool {
	for {
		pos := r.tail.Load()
		s := &r.slots[pos%r.size]
		diff := int64(s.seq.Load()) - int64(pos)
		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				s.val = v
				s.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// tryDequeue takes the head slot if it holds a value. Under DropOldest the
// producer also dequeues, so head advances by CAS.
func (r *ring[T]) tryDequeue() (T, bool) {
	var zero T
	for {
		pos := r.head.Load()
		s := &r.slots[pos%r.size]
		diff := int64(s.seq.Load()) - int64(pos+1)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := s.val
				s.val = zero
				s.seq.Store(pos + r.size)
				return v, true
			}
		case diff < 0:
			return zero, false
		}
	}
}

func (r *ring[T]) length() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail <= head {
		return 0
	}
	n := tail - head
	if n > r.size {
		n = r.size
	}
	return int(n)
}

func (r *ring[T]) signalSpace() {
	select {
	case r.space <- struct{}{}:
	default:
	}
}

func (r *ring[T]) stats() Stats {
	return Stats{
		Sent:     r.sent.Load(),
		Received: r.received.Load(),
		Dropped:  r.dropped.Load(),
		Rejected: r.rejected.Load(),
	}
}

// -----------------------------------------------------------------------------
// Sender
// -----------------------------------------------------------------------------

// Sender is the producing end of a channel.
type Sender[T any] struct {
	ring *ring[T]
}

// Send enqueues v without blocking, applying the overflow policy when the
// queue is full. Under the Block policy it behaves like SendContext with a
// background context.
//
// Returns ErrFull under Reject, nil under the drop policies (the drop is
// counted), and ErrClosed after Close.
func (s *Sender[T]) Send(v T) error {
	return s.SendContext(context.Background(), v)
}

// SendContext is Send with a context bounding the wait under the Block
// policy. Other policies never wait.
func (s *Sender[T]) SendContext(ctx context.Context, v T) error {
	r := s.ring
	if r.closed.Load() {
		return ErrClosed
	}

	for {
		if r.tryEnqueue(v) {
			r.sent.Add(1)
			return nil
		}

		switch r.policy {
		case DropNewest:
			r.dropped.Add(1)
			return nil

		case DropOldest:
			if _, ok := r.tryDequeue(); ok {
				r.dropped.Add(1)
			} else {
				runtime.Gosched()
			}

		case Block:
			select {
			case <-r.space:
			case <-r.done:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			r.rejected.Add(1)
			return ErrFull
		}
	}
}

// Close marks the channel closed. Queued messages remain receivable.
func (s *Sender[T]) Close() {
	if s.ring.closed.CompareAndSwap(false, true) {
		close(s.ring.done)
	}
}

// Policy returns the overflow policy.
func (s *Sender[T]) Policy() Policy { return s.ring.policy }

// Len returns the number of queued messages.
func (s *Sender[T]) Len() int { return s.ring.length() }

// Cap returns the channel capacity.
func (s *Sender[T]) Cap() int { return int(s.ring.size) }

// Stats returns the channel counters.
func (s *Sender[T]) Stats() Stats { return s.ring.stats() }

// -----------------------------------------------------------------------------
// Receiver
// -----------------------------------------------------------------------------

// Receiver is the consuming end of a channel.
type Receiver[T any] struct {
	ring *ring[T]
}

// TryRecv dequeues one message if one is available.
func (r *Receiver[T]) TryRecv() (T, bool) {
	v, ok := r.ring.tryDequeue()
	if ok {
		r.ring.received.Add(1)
		r.ring.signalSpace()
	}
	return v, ok
}

// Drain dequeues every message queued at the time of the call, in order.
// Returns nil when the queue is empty.
func (r *Receiver[T]) Drain() []T {
	return r.DrainInto(nil)
}

// DrainInto is Drain appending to dst, so a caller can reuse one buffer
// across ticks. Messages sent while draining are left for the next call.
func (r *Receiver[T]) DrainInto(dst []T) []T {
	n := r.ring.length()
	for i := 0; i < n; i++ {
		v, ok := r.TryRecv()
		if !ok {
			break
		}
		dst = append(dst, v)
	}
	return dst
}

// Closed reports whether the sender closed the channel.
func (r *Receiver[T]) Closed() bool { return r.ring.closed.Load() }

// Len returns the number of queued messages.
func (r *Receiver[T]) Len() int { return r.ring.length() }

// Cap returns the channel capacity.
func (r *Receiver[T]) Cap() int { return int(r.ring.size) }

// Stats returns the channel counters.
func (r *Receiver[T]) Stats() Stats { return r.ring.stats() }
