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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("maengine.pipeline")
	meter  = otel.Meter("maengine.pipeline")
)

// Direction of a host/device transfer.
type Direction string

const (
	// Upload is host to device.
	Upload Direction = "upload"

	// Download is device to host.
	Download Direction = "download"
)

// Transfer records one crossing of the CPU/GPU boundary.
type Transfer struct {
	// Before is the stage the transfer was made for, or "flush" for the
	// end-of-run download.
	Before    string
	Direction Direction
	Fields    FieldSet
	Agents    int
	Bytes     int
}

// Report describes the most recent Run.
type Report struct {
	Duration  time.Duration
	Agents    int
	Transfers []Transfer
	Failed    string
}

// Stats are cumulative executor counters.
type Stats struct {
	Runs            uint64
	Failures        uint64
	BytesUploaded   uint64
	BytesDownloaded uint64
	Transfers       uint64
}

// Executor threads a state through a fixed list of stages.
//
// Description:
//
//	Per-agent stages operate on a host buffer gathered from the state.
//	GPU stages operate on device memory. The executor tracks, per field,
//	which side holds the newest copy and moves only what the next stage
//	declares it reads or writes and the other side lacks. Unchanged fields
//	never cross the boundary.
//
// Thread Safety:
//
//	Run calls are serialized. Stats and LastReport are safe from any
//	goroutine.
type Executor[S, C, A any] struct {
	name       string
	stages     []Stage[S, C, A]
	population Population[S, A]
	layout     Layout[A]
	device     Device[A]
	workers    int
	resident   bool
	logger     *slog.Logger

	mu      sync.Mutex
	host    []A
	ids     []uint64
	warm    bool
	carried FieldSet
	report  atomic.Pointer[Report]

	runs      atomic.Uint64
	failures  atomic.Uint64
	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
	transfers atomic.Uint64

	metricsOnce   sync.Once
	stageLatency  metric.Float64Histogram
	stageFailures metric.Int64Counter
	transferBytes metric.Int64Counter
	runLatency    metric.Float64Histogram
}

// initMetrics lazily creates instruments. Failures degrade observability
// but never fail a run.
func (e *Executor[S, C, A]) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.stageLatency, err = meter.Float64Histogram("pipeline_stage_duration_seconds",
			metric.WithDescription("Time spent in each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		e.stageFailures, err = meter.Int64Counter("pipeline_stage_failure_total",
			metric.WithDescription("Number of failed stage executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_failures: "+err.Error())
		}

		e.transferBytes, err = meter.Int64Counter("pipeline_transfer_bytes_total",
			metric.WithDescription("Bytes moved across the host/device boundary"),
			metric.WithUnit("By"),
		)
		if err != nil {
			initErrors = append(initErrors, "transfer_bytes: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Name returns the pipeline name.
func (e *Executor[S, C, A]) Name() string { return e.name }

// Stages returns the stage names in order.
func (e *Executor[S, C, A]) Stages() []string {
	out := make([]string, len(e.stages))
	for i := range e.stages {
		out[i] = e.stages[i].Name
	}
	return out
}

// Stats returns cumulative counters.
func (e *Executor[S, C, A]) Stats() Stats {
	return Stats{
		Runs:            e.runs.Load(),
		Failures:        e.failures.Load(),
		BytesUploaded:   e.bytesUp.Load(),
		BytesDownloaded: e.bytesDown.Load(),
		Transfers:       e.transfers.Load(),
	}
}

// LastReport returns the report of the most recent Run, or nil.
func (e *Executor[S, C, A]) LastReport() *Report {
	return e.report.Load()
}

// Invalidate forgets everything resident on the device. The next run
// uploads every field a GPU stage needs.
func (e *Executor[S, C, A]) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalidateLocked()
}

func (e *Executor[S, C, A]) invalidateLocked() {
	e.warm = false
	if e.device != nil {
		e.device.Reset()
	}
}

// Run executes every stage in order on in.
//
// Description:
//
//	Returns the state produced by the last stage. If any stage or transfer
//	fails, the remaining stages are skipped and Run returns in unchanged
//	together with a *StageError; device residency is invalidated so the
//	next run starts from the returned state.
//
// Inputs:
//
//	ctx - Cancellation is checked before every stage. Must not be nil.
//	in - The previous state. Not modified.
//	cfg - The configuration for this tick, passed to every stage.
//
// Outputs:
//
//	S - The new state, or in on failure.
//	error - Nil, or a *StageError matching ErrStageFailed.
func (e *Executor[S, C, A]) Run(ctx context.Context, in S, cfg C) (S, error) {
	if ctx == nil {
		return in, ErrNilContext
	}
	e.initMetrics()

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.name),
			attribute.Int("pipeline.stage_count", len(e.stages)),
		),
	)
	defer span.End()

	start := time.Now()
	e.runs.Add(1)

	r := &run[S, C, A]{e: e, state: in, report: &Report{}}
	r.deviceStale = AllFields
	if e.warm {
		r.deviceStale = e.carried
	}
	e.warm = false

	out, err := r.execute(ctx, cfg)
	duration := time.Since(start)
	r.report.Duration = duration
	if r.hostValid {
		r.report.Agents = len(e.host)
	}
	e.report.Store(r.report)

	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", e.name)),
		)
	}

	if err != nil {
		e.failures.Add(1)
		e.invalidateLocked()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("pipeline run failed",
			slog.String("stage", r.report.Failed),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return in, err
	}

	e.warm = e.resident && e.device != nil
	e.carried = r.deviceStale
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("pipeline run completed",
		slog.Duration("duration", duration),
		slog.Int("agents", r.report.Agents),
		slog.Int("transfers", len(r.report.Transfers)),
	)
	return out, nil
}

// -----------------------------------------------------------------------------
// Run state
// -----------------------------------------------------------------------------

// run holds the freshness bookkeeping for one Run call.
//
// hostStale and deviceStale are disjoint: a field is newest on the host,
// on the device, or on both.
type run[S, C, A any] struct {
	e      *Executor[S, C, A]
	state  S
	report *Report

	hostValid    bool
	stateStale   bool
	deviceSynced bool
	hostStale    FieldSet
	deviceStale  FieldSet
}

func (r *run[S, C, A]) execute(ctx context.Context, cfg C) (S, error) {
	e := r.e
	for i := range e.stages {
		st := &e.stages[i]
		if err := ctx.Err(); err != nil {
			return r.fail(st, err)
		}
		if err := r.runStage(ctx, st, cfg); err != nil {
			return r.fail(st, err)
		}
	}

	if err := r.flush(ctx, "flush"); err != nil {
		r.report.Failed = "flush"
		return r.state, &StageError{Stage: "flush", Target: GPU, Err: err}
	}
	return r.state, nil
}

func (r *run[S, C, A]) fail(st *Stage[S, C, A], err error) (S, error) {
	r.report.Failed = st.Name
	if r.e.stageFailures != nil {
		r.e.stageFailures.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("stage", st.Name),
				attribute.String("target", st.Target.String()),
			),
		)
	}
	return r.state, &StageError{Stage: st.Name, Target: st.Target, Err: err}
}

func (r *run[S, C, A]) runStage(ctx context.Context, st *Stage[S, C, A], cfg C) error {
	e := r.e
	ctx, span := tracer.Start(ctx, st.Name,
		trace.WithAttributes(
			attribute.String("pipeline.stage", st.Name),
			attribute.String("pipeline.target", st.Target.String()),
			attribute.String("pipeline.granularity", st.Granularity.String()),
		),
	)
	defer span.End()

	start := time.Now()
	err := r.dispatch(ctx, st, cfg)
	if e.stageLatency != nil {
		e.stageLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("stage", st.Name),
				attribute.String("target", st.Target.String()),
			),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *run[S, C, A]) dispatch(ctx context.Context, st *Stage[S, C, A], cfg C) error {
	e := r.e
	touched := st.Reads | st.Writes

	if st.Granularity == WholeState {
		if err := r.flush(ctx, st.Name); err != nil {
			return err
		}
		var next S
		call := func(ctx context.Context) error {
			var err error
			next, err = st.whole(ctx, r.state, cfg)
			return err
		}
		var err error
		if st.Target == GPU {
			err = e.device.Run(ctx, st.Name, call)
		} else {
			err = callSafe(func() error { return call(ctx) })
		}
		if err != nil {
			return err
		}
		r.state = next
		// The agent set may have changed shape. Regather on next use and
		// remap device slots by identity.
		r.hostValid = false
		r.deviceSynced = false
		r.deviceStale |= st.Writes
		return nil
	}

	if st.Target == CPU {
		if err := r.ensureHost(ctx, st.Name, touched); err != nil {
			return err
		}
		if st.batch != nil {
			err := callSafe(func() error { return st.batch(ctx, e.host, cfg) })
			if err != nil {
				return err
			}
		} else {
			err := forEachAgent(ctx, e.host, e.workers, func(ctx context.Context, _ int, a *A) error {
				return st.each(ctx, a, cfg)
			})
			if err != nil {
				return err
			}
		}
		r.stateStale = true
		r.deviceStale |= st.Writes
		return nil
	}

	if err := r.ensureDevice(ctx, st.Name, touched); err != nil {
		return err
	}
	var err error
	if st.batch != nil {
		err = e.device.DispatchAll(ctx, st.Name, func(ctx context.Context, agents []A) error {
			return st.batch(ctx, agents, cfg)
		})
	} else {
		err = e.device.DispatchEach(ctx, st.Name, func(ctx context.Context, _ int, a *A) error {
			return st.each(ctx, a, cfg)
		})
	}
	if err != nil {
		return err
	}
	r.hostStale |= st.Writes
	r.deviceStale &^= st.Writes
	return nil
}

// gather copies the state's agents into the reusable host buffer.
func (r *run[S, C, A]) gather() {
	e := r.e
	if r.hostValid {
		return
	}
	agents := e.population.Agents(r.state)
	if cap(e.host) < len(agents) {
		e.host = make([]A, len(agents))
	}
	e.host = e.host[:len(agents)]
	copy(e.host, agents)

	if cap(e.ids) < len(agents) {
		e.ids = make([]uint64, len(agents))
	}
	e.ids = e.ids[:len(agents)]
	for i := range e.host {
		e.ids[i] = e.layout.ID(&e.host[i])
	}
	r.hostValid = true
}

// ensureHost makes the host buffer current for fields.
func (r *run[S, C, A]) ensureHost(ctx context.Context, stage string, fields FieldSet) error {
	r.gather()
	need := r.hostStale & fields
	if need.Empty() {
		return nil
	}
	if err := r.e.device.Download(ctx, r.e.host, need); err != nil {
		return fmt.Errorf("download %s: %w", need, err)
	}
	r.record(stage, Download, need, len(r.e.host))
	r.hostStale &^= need
	r.stateStale = true
	return nil
}

// ensureDevice makes device memory current for fields.
func (r *run[S, C, A]) ensureDevice(ctx context.Context, stage string, fields FieldSet) error {
	e := r.e
	r.gather()

	if !r.deviceSynced {
		fresh, err := e.device.Sync(ctx, e.ids)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		r.deviceSynced = true
		switch {
		case len(fresh) == 0 || r.deviceStale == AllFields:
		case len(fresh) == len(e.host):
			// Nothing resident survived.
			r.deviceStale = AllFields
		default:
			// Spawned agents have no device copy of any field.
			if err := e.device.Upload(ctx, e.host, AllFields, fresh); err != nil {
				return fmt.Errorf("upload new agents: %w", err)
			}
			r.record(stage, Upload, AllFields, len(fresh))
		}
	}

	need := r.deviceStale & fields
	if need.Empty() {
		return nil
	}
	if err := e.device.Upload(ctx, e.host, need, nil); err != nil {
		return fmt.Errorf("upload %s: %w", need, err)
	}
	r.record(stage, Upload, need, len(e.host))
	r.deviceStale &^= need
	return nil
}

// flush brings the state up to date with every field written on either side.
func (r *run[S, C, A]) flush(ctx context.Context, stage string) error {
	if !r.hostValid {
		return nil
	}
	if err := r.ensureHost(ctx, stage, AllFields); err != nil {
		return err
	}
	if r.stateStale {
		out := make([]A, len(r.e.host))
		copy(out, r.e.host)
		r.state = r.e.population.WithAgents(r.state, out)
		r.stateStale = false
	}
	return nil
}

func (r *run[S, C, A]) record(stage string, dir Direction, fields FieldSet, agents int) {
	e := r.e
	bytes := agents * e.layout.Stride(fields)
	r.report.Transfers = append(r.report.Transfers, Transfer{
		Before:    stage,
		Direction: dir,
		Fields:    fields,
		Agents:    agents,
		Bytes:     bytes,
	})
	e.transfers.Add(1)
	if dir == Upload {
		e.bytesUp.Add(uint64(bytes))
	} else {
		e.bytesDown.Add(uint64(bytes))
	}
	if e.transferBytes != nil {
		e.transferBytes.Add(context.Background(), int64(bytes),
			metric.WithAttributes(
				attribute.String("pipeline", e.name),
				attribute.String("direction", string(dir)),
			),
		)
	}
}
