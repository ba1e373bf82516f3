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
	"reflect"
	"testing"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

type body struct {
	ID   uint64
	Pos  int64
	Vel  int64
	Mass int64
}

const (
	fPos = iota
	fVel
	fMass
)

type world struct {
	Tick   int
	Bodies []body
	Total  int64
}

type params struct {
	Gravity int64
}

func testLayout() *FieldLayout[body] {
	return &FieldLayout[body]{
		IDOf: func(b *body) uint64 { return b.ID },
		Fields: []Field[body]{
			{Name: "pos", Size: 8, Copy: func(d, s *body) { d.Pos = s.Pos }},
			{Name: "vel", Size: 8, Copy: func(d, s *body) { d.Vel = s.Vel }},
			{Name: "mass", Size: 8, Copy: func(d, s *body) { d.Mass = s.Mass }},
		},
	}
}

func testPopulation() PopulationFuncs[world, body] {
	return PopulationFuncs[world, body]{
		Get: func(w world) []body { return w.Bodies },
		Set: func(w world, b []body) world { w.Bodies = b; return w },
	}
}

func newWorld(n int) world {
	w := world{Bodies: make([]body, n)}
	for i := range w.Bodies {
		w.Bodies[i] = body{ID: uint64(i + 1), Pos: int64(i * 10), Vel: 1, Mass: int64(i + 1)}
	}
	return w
}

func cloneWorld(w world) world {
	c := w
	c.Bodies = append([]body(nil), w.Bodies...)
	return c
}

// gravity (CPU) -> integrate (GPU) -> total (CPU whole-state).
func physicsBuilder(dev Device[body]) *Builder[world, params, body] {
	return NewBuilder[world, params, body]("physics").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		WithDevice(dev).
		AddStage(NewAgentStage[world, params, body](
			"gravity", CPU, Fields(fVel), Fields(fVel),
			func(ctx context.Context, b *body, p params) error {
				b.Vel += p.Gravity
				return nil
			})).
		AddStage(NewAgentStage[world, params, body](
			"integrate", GPU, Fields(fPos, fVel), Fields(fPos),
			func(ctx context.Context, b *body, p params) error {
				b.Pos += b.Vel
				return nil
			})).
		AddStage(NewWholeStage[world, params, body](
			"total", CPU, 0,
			func(ctx context.Context, w world, p params) (world, error) {
				w.Total = 0
				for _, b := range w.Bodies {
					w.Total += b.Pos
				}
				w.Tick++
				return w, nil
			}))
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

func TestBuilder_Errors(t *testing.T) {
	noop := func(ctx context.Context, b *body, p params) error { return nil }

	tests := []struct {
		name    string
		builder *Builder[world, params, body]
		want    error
	}{
		{
			name:    "no stages",
			builder: NewBuilder[world, params, body]("empty"),
			want:    ErrNoStages,
		},
		{
			name: "unnamed stage",
			builder: NewBuilder[world, params, body]("p").
				AddStage(NewAgentStage[world, params, body]("", CPU, 0, 0, noop)),
			want: ErrInvalidStage,
		},
		{
			name: "duplicate stage",
			builder: NewBuilder[world, params, body]("p").
				WithPopulation(testPopulation()).WithLayout(testLayout()).
				AddStage(NewAgentStage[world, params, body]("a", CPU, 0, 0, noop)).
				AddStage(NewAgentStage[world, params, body]("a", CPU, 0, 0, noop)),
			want: ErrDuplicateStage,
		},
		{
			name: "gpu without device",
			builder: NewBuilder[world, params, body]("p").
				WithPopulation(testPopulation()).WithLayout(testLayout()).
				AddStage(NewAgentStage[world, params, body]("a", GPU, 0, 0, noop)),
			want: ErrNoDevice,
		},
		{
			name: "per-agent without population",
			builder: NewBuilder[world, params, body]("p").
				AddStage(NewAgentStage[world, params, body]("a", CPU, 0, 0, noop)),
			want: ErrNoPopulation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

func TestRun_WholeStateOnly(t *testing.T) {
	exec, err := NewBuilder[int, int, struct{}]("counter").
		AddStage(NewWholeStage[int, int, struct{}]("add", CPU, 0,
			func(ctx context.Context, s, c int) (int, error) { return s + c, nil })).
		AddStage(NewWholeStage[int, int, struct{}]("double", CPU, 0,
			func(ctx context.Context, s, c int) (int, error) { return s * 2, nil })).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got, err := exec.Run(context.Background(), 3, 4)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != 14 {
		t.Errorf("Run() = %d, want 14", got)
	}
	if exec.Stats().Runs != 1 {
		t.Errorf("Runs = %d, want 1", exec.Stats().Runs)
	}
}

func TestRun_MixedStagesComputeCorrectly(t *testing.T) {
	dev := NewHostDevice[body]("test-gpu", testLayout(), 2)
	exec, err := physicsBuilder(dev).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := newWorld(100)
	orig := cloneWorld(in)

	out, err := exec.Run(context.Background(), in, params{Gravity: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !reflect.DeepEqual(in, orig) {
		t.Fatal("Run() modified its input")
	}
	var total int64
	for i, b := range out.Bodies {
		wantVel := int64(3)
		wantPos := int64(i*10) + wantVel
		if b.Vel != wantVel || b.Pos != wantPos || b.Mass != int64(i+1) {
			t.Fatalf("body %d = %+v, want pos=%d vel=%d", i, b, wantPos, wantVel)
		}
		total += b.Pos
	}
	if out.Total != total || out.Tick != 1 {
		t.Errorf("Total = %d (want %d), Tick = %d", out.Total, total, out.Tick)
	}
}

// TestRun_TransfersOnlyDeclaredFields checks the boundary crossings: the
// GPU stage reads pos and vel, so exactly those go up; it writes pos, so
// exactly pos comes down before the CPU stage. Mass never moves.
func TestRun_TransfersOnlyDeclaredFields(t *testing.T) {
	dev := NewHostDevice[body]("test-gpu", testLayout(), 1)
	exec, err := physicsBuilder(dev).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	const n = 10
	if _, err := exec.Run(context.Background(), newWorld(n), params{Gravity: 1}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []Transfer{
		{Before: "integrate", Direction: Upload, Fields: Fields(fPos, fVel), Agents: n, Bytes: n * 16},
		{Before: "total", Direction: Download, Fields: Fields(fPos), Agents: n, Bytes: n * 8},
	}
	got := exec.LastReport().Transfers
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Transfers = %+v\nwant %+v", got, want)
	}
	if s := exec.Stats(); s.BytesUploaded != n*16 || s.BytesDownloaded != n*8 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestRun_StageFailureReturnsInput(t *testing.T) {
	errKernel := errors.New("kernel launch failed")
	dev := NewHostDevice[body]("test-gpu", testLayout(), 1)
	exec, err := NewBuilder[world, params, body]("failing").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		WithDevice(dev).
		AddStage(NewAgentStage[world, params, body]("move", CPU, Fields(fPos), Fields(fPos),
			func(ctx context.Context, b *body, p params) error { b.Pos += 100; return nil })).
		AddStage(NewBatchStage[world, params, body]("explode", GPU, Fields(fPos), Fields(fPos),
			func(ctx context.Context, bs []body, p params) error { return errKernel })).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := newWorld(5)
	orig := cloneWorld(in)
	out, err := exec.Run(context.Background(), in, params{})

	if !errors.Is(err, ErrStageFailed) || !errors.Is(err, errKernel) {
		t.Fatalf("Run() error = %v, want ErrStageFailed wrapping kernel error", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "explode" || se.Target != GPU {
		t.Fatalf("StageError = %+v", se)
	}
	if !reflect.DeepEqual(out, orig) || !reflect.DeepEqual(in, orig) {
		t.Errorf("Run() returned a half-updated state: %+v", out)
	}
	if exec.Stats().Failures != 1 || exec.LastReport().Failed != "explode" {
		t.Errorf("failure not recorded: %+v %+v", exec.Stats(), exec.LastReport())
	}
}

func TestRun_PanicInAgentStage(t *testing.T) {
	exec, err := NewBuilder[world, params, body]("panicky").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		AddStage(NewAgentStage[world, params, body]("boom", CPU, 0, Fields(fVel),
			func(ctx context.Context, b *body, p params) error {
				if b.ID == 3 {
					panic("bad agent")
				}
				return nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := newWorld(500)
	out, err := exec.Run(context.Background(), in, params{})
	if !errors.Is(err, ErrStagePanic) {
		t.Fatalf("Run() error = %v, want ErrStagePanic", err)
	}
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "bad agent" || len(pe.Stack) == 0 {
		t.Errorf("PanicError = %+v", pe)
	}
	if !reflect.DeepEqual(out, in) {
		t.Error("Run() did not return its input on panic")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	exec, err := physicsBuilder(NewHostDevice[body]("gpu", testLayout(), 1)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = exec.Run(ctx, newWorld(3), params{})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrStageFailed) {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_Deterministic(t *testing.T) {
	exec, err := physicsBuilder(NewHostDevice[body]("gpu", testLayout(), 4)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	in := newWorld(1000)

	first, err := exec.Run(context.Background(), in, params{Gravity: 3})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := exec.Run(context.Background(), in, params{Gravity: 3})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs from the first", i)
		}
	}
}

// TestRun_AgentOrderIndependent reverses the agent order and checks that a
// per-agent stage followed by a sum produces the same total.
func TestRun_AgentOrderIndependent(t *testing.T) {
	exec, err := physicsBuilder(NewHostDevice[body]("gpu", testLayout(), 4)).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := newWorld(777)
	rev := cloneWorld(in)
	for i, j := 0, len(rev.Bodies)-1; i < j; i, j = i+1, j-1 {
		rev.Bodies[i], rev.Bodies[j] = rev.Bodies[j], rev.Bodies[i]
	}

	a, err := exec.Run(context.Background(), in, params{Gravity: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	b, err := exec.Run(context.Background(), rev, params{Gravity: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if a.Total != b.Total {
		t.Errorf("Total depends on agent order: %d vs %d", a.Total, b.Total)
	}
}

// TestRun_ResidentRemapsSpawnsAndDeaths keeps agents on the device across
// runs. Between runs one agent dies and one spawns; only the newcomer is
// uploaded, and survivors keep their device data.
func TestRun_ResidentRemapsSpawnsAndDeaths(t *testing.T) {
	dev := NewHostDevice[body]("gpu", testLayout(), 1)
	exec, err := NewBuilder[world, params, body]("resident").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		WithDevice(dev).
		WithResidentAgents(true).
		AddStage(NewAgentStage[world, params, body]("drift", GPU, Fields(fPos, fVel), Fields(fPos),
			func(ctx context.Context, b *body, p params) error { b.Pos += b.Vel; return nil })).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	w, err := exec.Run(context.Background(), newWorld(4), params{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Agent 2 dies, agent 9 spawns at the front.
	next := world{Bodies: []body{{ID: 9, Pos: 500, Vel: 7, Mass: 1}}}
	for _, b := range w.Bodies {
		if b.ID != 2 {
			next.Bodies = append(next.Bodies, b)
		}
	}

	out, err := exec.Run(context.Background(), next, params{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := map[uint64]int64{9: 507, 1: 2, 3: 22, 4: 32}
	if len(out.Bodies) != len(want) {
		t.Fatalf("got %d bodies, want %d", len(out.Bodies), len(want))
	}
	for _, b := range out.Bodies {
		if b.Pos != want[b.ID] {
			t.Errorf("body %d pos = %d, want %d", b.ID, b.Pos, want[b.ID])
		}
	}

	tr := exec.LastReport().Transfers
	if len(tr) != 2 {
		t.Fatalf("Transfers = %+v, want spawn upload and pos download", tr)
	}
	if tr[0].Direction != Upload || tr[0].Agents != 1 || tr[0].Fields != AllFields {
		t.Errorf("spawn upload = %+v", tr[0])
	}
	if tr[1].Direction != Download || tr[1].Fields != Fields(fPos) {
		t.Errorf("download = %+v", tr[1])
	}
}

// TestRun_WholeStateResizeBetweenDeviceStages spawns agents in a CPU
// whole-state stage sitting between two GPU stages.
func TestRun_WholeStateResizeBetweenDeviceStages(t *testing.T) {
	dev := NewHostDevice[body]("gpu", testLayout(), 1)
	gpuInc := func(ctx context.Context, b *body, p params) error { b.Pos++; return nil }
	exec, err := NewBuilder[world, params, body]("spawner").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		WithDevice(dev).
		AddStage(NewAgentStage[world, params, body]("inc1", GPU, Fields(fPos), Fields(fPos), gpuInc)).
		AddStage(NewWholeStage[world, params, body]("spawn", CPU, AllFields,
			func(ctx context.Context, w world, p params) (world, error) {
				w.Bodies = append(w.Bodies[:len(w.Bodies):len(w.Bodies)], body{ID: 100, Pos: 1000})
				return w, nil
			})).
		AddStage(NewAgentStage[world, params, body]("inc2", GPU, Fields(fPos), Fields(fPos), gpuInc)).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	out, err := exec.Run(context.Background(), newWorld(3), params{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []int64{2, 12, 22, 1001}
	for i, b := range out.Bodies {
		if b.Pos != want[i] {
			t.Errorf("body %d pos = %d, want %d", b.ID, b.Pos, want[i])
		}
	}
}

func TestRun_FailureInvalidatesResidency(t *testing.T) {
	dev := NewHostDevice[body]("gpu", testLayout(), 1)
	fail := true
	exec, err := NewBuilder[world, params, body]("flaky").
		WithPopulation(testPopulation()).
		WithLayout(testLayout()).
		WithDevice(dev).
		WithResidentAgents(true).
		AddStage(NewAgentStage[world, params, body]("drift", GPU, Fields(fPos), Fields(fPos),
			func(ctx context.Context, b *body, p params) error { b.Pos++; return nil })).
		AddStage(NewWholeStage[world, params, body]("check", CPU, 0,
			func(ctx context.Context, w world, p params) (world, error) {
				if fail {
					return w, errors.New("rejected")
				}
				return w, nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	in := newWorld(2)
	if _, err := exec.Run(context.Background(), in, params{}); err == nil {
		t.Fatal("expected failure")
	}
	if dev.Stats().Resident != 0 {
		t.Errorf("device still holds %d agents after failure", dev.Stats().Resident)
	}

	fail = false
	out, err := exec.Run(context.Background(), in, params{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Bodies[0].Pos != 1 || out.Bodies[1].Pos != 11 {
		t.Errorf("bodies = %+v", out.Bodies)
	}
}

func TestFieldSet(t *testing.T) {
	fs := Fields(0, 3)
	if !fs.Has(0) || fs.Has(1) || !fs.Has(3) {
		t.Errorf("Has() wrong for %s", fs)
	}
	if fs.Count() != 2 || fs.String() != "{0,3}" {
		t.Errorf("Count() = %d, String() = %s", fs.Count(), fs)
	}
	if AllFields.String() != "{all}" || !FieldSet(0).Empty() {
		t.Error("AllFields/Empty wrong")
	}

	l := testLayout()
	if l.Set("pos", "mass") != Fields(fPos, fMass) {
		t.Errorf("Set() = %s", l.Set("pos", "mass"))
	}
	if got := l.Names(Fields(fVel, fMass)); !reflect.DeepEqual(got, []string{"vel", "mass"}) {
		t.Errorf("Names() = %v", got)
	}
	if l.Stride(AllFields) != 24 {
		t.Errorf("Stride(all) = %d", l.Stride(AllFields))
	}
}
