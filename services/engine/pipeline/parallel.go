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
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny populations on a single worker; goroutine startup
// costs more than a few dozen agent updates.
const minChunk = 64

// recoverInto converts a panic into a *PanicError stored in err.
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Value: r, Stack: debug.Stack()}
	}
}

// callSafe runs fn and returns its error, or a *PanicError if it panicked.
func callSafe(fn func() error) (err error) {
	defer recoverInto(&err)
	return fn()
}

// parallelFor splits [0, n) into contiguous chunks and runs fn on each from
// up to workers goroutines. The first error cancels ctx for the remaining
// chunks and is returned. Panics in fn are returned as *PanicError.
func parallelFor(ctx context.Context, n, workers int, fn func(ctx context.Context, lo, hi int) error) error {
	if n == 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	if chunk >= n {
		return callSafe(func() error { return fn(ctx, 0, n) })
	}

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return callSafe(func() error { return fn(gctx, lo, hi) })
		})
	}
	return g.Wait()
}

// forEachAgent runs fn on every element of agents in parallel chunks.
func forEachAgent[A any](ctx context.Context, agents []A, workers int, fn func(ctx context.Context, i int, a *A) error) error {
	return parallelFor(ctx, len(agents), workers, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			if err := fn(ctx, i, &agents[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
