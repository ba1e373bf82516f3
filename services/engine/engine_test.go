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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type world struct {
	Tick   int
	Config int
	Epoch  int
}

type fakeController struct {
	port *Port[ControllerMessage]

	inits   atomic.Int32
	updates atomic.Int64
	sending atomic.Bool
	seq     int

	// outbox is drained by Update and sent through the port.
	outboxMu sync.Mutex
	outbox   []ControllerMessage

	mu       sync.Mutex
	received []SimulatorMessage

	stopOnComplete bool
	initErr        error
}

func (c *fakeController) BindPort(p *Port[ControllerMessage]) { c.port = p }

func (c *fakeController) Initialize(ctx context.Context, s world) error {
	c.inits.Add(1)
	return c.initErr
}

func (c *fakeController) Update(ctx context.Context, s world) (int, bool, error) {
	n := c.updates.Add(1)

	c.outboxMu.Lock()
	queued := c.outbox
	c.outbox = nil
	c.outboxMu.Unlock()
	for _, m := range queued {
		_ = c.port.Send(m)
	}

	if c.sending.Load() {
		if err := c.port.Send(Custom{Kind: "seq", Payload: c.seq}); err == nil {
			c.seq++
		}
	}
	return int(n), true, nil
}

func (c *fakeController) HandleMessages(ctx context.Context, msgs []SimulatorMessage) error {
	c.mu.Lock()
	c.received = append(c.received, msgs...)
	c.mu.Unlock()
	if c.stopOnComplete {
		for _, m := range msgs {
			if _, ok := m.(SimulationComplete); ok {
				return ErrDone
			}
		}
	}
	return nil
}

func (c *fakeController) queue(m ControllerMessage) {
	c.outboxMu.Lock()
	c.outbox = append(c.outbox, m)
	c.outboxMu.Unlock()
}

func (c *fakeController) messages() []SimulatorMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SimulatorMessage(nil), c.received...)
}

type fakeSimulator struct {
	port *Port[SimulatorMessage]

	inits atomic.Int32
	ticks atomic.Int64
	epoch int
	tick  int

	// onTick, when set, runs before the tick returns.
	onTick func(n int64) error

	// reinitDelay slows every Initialize after the first.
	reinitDelay time.Duration

	mu       sync.Mutex
	received []ControllerMessage
}

func (s *fakeSimulator) BindPort(p *Port[SimulatorMessage]) { s.port = p }

func (s *fakeSimulator) Initialize(ctx context.Context, cfg int) (world, error) {
	if s.inits.Add(1) > 1 && s.reinitDelay > 0 {
		time.Sleep(s.reinitDelay)
	}
	s.epoch++
	s.tick = 0
	return world{Config: cfg, Epoch: s.epoch}, nil
}

func (s *fakeSimulator) Tick(ctx context.Context, cfg int) (world, error) {
	n := s.ticks.Add(1)
	if s.onTick != nil {
		if err := s.onTick(n); err != nil {
			return world{}, err
		}
	}
	s.tick++
	return world{Tick: s.tick, Config: cfg, Epoch: s.epoch}, nil
}

func (s *fakeSimulator) HandleMessages(ctx context.Context, msgs []ControllerMessage) error {
	s.mu.Lock()
	s.received = append(s.received, msgs...)
	s.mu.Unlock()
	return nil
}

func (s *fakeSimulator) messages() []ControllerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ControllerMessage(nil), s.received...)
}

func newTestEngine(t *testing.T, c *fakeController, s *fakeSimulator, opts ...Option) *Engine[int, world] {
	t.Helper()
	opts = append([]Option{
		WithControllerFrequency(1000),
		WithSimulatorFrequency(500),
		WithChannelCapacity(256),
	}, opts...)
	e, err := New[int, world](c, s, 7, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func startAndWaitReady(t *testing.T, e *Engine[int, world]) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}
}

const (
	waitFor = 5 * time.Second
	poll    = time.Millisecond
)

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}

	_, err := New[int, world](nil, s, 0)
	assert.ErrorIs(t, err, ErrNilController)

	_, err = New[int, world](c, nil, 0)
	assert.ErrorIs(t, err, ErrNilSimulator)

	_, err = New[int, world](c, s, 0, WithSimulatorFrequency(0))
	assert.Error(t, err)

	_, err = New[int, world](c, s, 0, WithChannelCapacity(0))
	assert.ErrorIs(t, err, message.ErrInvalidCapacity)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateStopped.IsTerminal())
	assert.False(t, StateStopping.IsTerminal())
	assert.Equal(t, "simulator", SimulatorSide.String())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func TestEngine_StartTickStop(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s)
	assert.Equal(t, StateCreated, e.Status().State)
	assert.NotEmpty(t, e.RunID())

	startAndWaitReady(t, e)
	assert.Equal(t, StateRunning, e.Status().State)
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	// The controller publishes its update count; the simulator echoes it.
	require.Eventually(t, func() bool {
		snap := e.LatestState()
		defer snap.Release()
		return snap.Value().Tick > 5 && snap.Value().Config > 0
	}, waitFor, poll)

	assert.EqualValues(t, 1, c.inits.Load())
	assert.EqualValues(t, 1, s.inits.Load())

	require.NoError(t, e.Stop())
	st := e.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, StateStopped, st.Controller.State)
	assert.Equal(t, StateStopped, st.Simulator.State)
	assert.Positive(t, st.StateVersion)
	assert.Positive(t, st.ConfigVersion)

	ticks := s.ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, s.ticks.Load(), "simulator ticked after Stop")
	assert.ErrorIs(t, e.Pause(), ErrStopped)
}

func TestEngine_StatusWhileRunning(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	// Readers on other goroutines race both publishers; run with -race.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(200 * time.Millisecond)
			var last uint64
			for time.Now().Before(deadline) {
				st := e.Status()
				assert.GreaterOrEqual(t, st.StateVersion, last)
				last = st.StateVersion
			}
		}()
	}
	wg.Wait()

	require.NoError(t, e.Stop())
	assert.Positive(t, e.Status().StateVersion)
}

func TestEngine_StopBeforeStart(t *testing.T) {
	e := newTestEngine(t, &fakeController{}, &fakeSimulator{})
	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.Status().State)
	assert.NoError(t, e.Wait())
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, &fakeController{}, &fakeSimulator{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	<-e.Ready()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, e.Status().State)
}

func TestEngine_PauseResume(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	assert.ErrorIs(t, e.Resume(), ErrNotPaused)
	require.NoError(t, e.Pause())
	assert.ErrorIs(t, e.Pause(), ErrNotRunning)
	assert.Equal(t, StatePaused, e.Status().State)

	// Let an in-flight tick finish, then the simulator must stay still
	// while the controller keeps going.
	time.Sleep(10 * time.Millisecond)
	simTicks := s.ticks.Load()
	ctrlUpdates := c.updates.Load()
	c.sending.Store(true)
	require.Eventually(t, func() bool { return c.updates.Load() > ctrlUpdates+20 }, waitFor, poll)
	assert.Equal(t, simTicks, s.ticks.Load())
	assert.Empty(t, s.messages(), "messages delivered while paused")

	c.sending.Store(false)
	require.NoError(t, e.Resume())
	require.Eventually(t, func() bool { return s.ticks.Load() > simTicks+3 }, waitFor, poll)

	// Deferred messages arrive in send order with no gaps.
	msgs := s.messages()
	require.NotEmpty(t, msgs)
	for i, m := range msgs {
		custom, ok := m.(Custom)
		require.True(t, ok, "unexpected message %T", m)
		assert.Equal(t, i, custom.Payload)
	}
}

func TestEngine_PauseAndResumeMessages(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	c.queue(Pause{})
	require.Eventually(t, func() bool { return e.Status().State == StatePaused }, waitFor, poll)

	c.queue(Resume{})
	require.Eventually(t, func() bool { return e.Status().State == StateRunning }, waitFor, poll)

	// Lifecycle messages are applied by the engine, not delivered.
	assert.Empty(t, s.messages())
}

func TestEngine_Reset(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	require.Eventually(t, func() bool {
		snap := e.LatestState()
		defer snap.Release()
		return snap.Value().Tick > 10
	}, waitFor, poll)

	require.NoError(t, e.Reset())
	require.Eventually(t, func() bool {
		return s.inits.Load() == 2 && c.inits.Load() == 2
	}, waitFor, poll)

	snap := e.LatestState()
	defer snap.Release()
	assert.Equal(t, 2, snap.Value().Epoch)
	assert.Equal(t, StateRunning, e.Status().State)

	c.queue(Reset{})
	require.Eventually(t, func() bool { return s.inits.Load() == 3 }, waitFor, poll)
}

func TestEngine_ResetIsNotReportedAsSkipped(t *testing.T) {
	c := &fakeController{}
	s := &fakeSimulator{reinitDelay: 150 * time.Millisecond}
	e := newTestEngine(t, c, s, WithSimulatorFrequency(50))
	startAndWaitReady(t, e)

	require.Eventually(t, func() bool { return s.ticks.Load() > 3 }, waitFor, poll)
	before := e.Status().Simulator.Skipped

	require.NoError(t, e.Reset())
	require.Eventually(t, func() bool { return s.inits.Load() == 2 }, waitFor, poll)
	ticks := s.ticks.Load()
	require.Eventually(t, func() bool { return s.ticks.Load() > ticks+3 }, waitFor, poll)

	// A 150ms re-initialization at 50 Hz would otherwise count ~7 skips.
	assert.Less(t, e.Status().Simulator.Skipped-before, uint64(3))
}

// -----------------------------------------------------------------------------
// Errors and faults
// -----------------------------------------------------------------------------

func TestEngine_FaultIsolation(t *testing.T) {
	c := &fakeController{}
	s := &fakeSimulator{onTick: func(n int64) error {
		if n == 5 {
			panic("simulation blew up")
		}
		return nil
	}}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	var fault Fault
	require.Eventually(t, func() bool {
		for _, m := range c.messages() {
			if f, ok := m.(Fault); ok {
				fault = f
				return true
			}
		}
		return false
	}, waitFor, poll)

	require.NotNil(t, fault.Err)
	assert.Equal(t, SimulatorSide, fault.Err.Side)
	assert.Equal(t, "tick", fault.Err.Op)
	assert.Equal(t, "simulation blew up", fault.Err.Panic)
	assert.NotEmpty(t, fault.Err.Stack)

	require.Eventually(t, func() bool { return e.Status().Simulator.State == StateStopped }, waitFor, poll)
	st := e.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, StateRunning, st.Controller.State)
	assert.EqualValues(t, 1, st.Simulator.Faults)

	// Lifecycle calls report the dead simulator instead of succeeding.
	assert.ErrorIs(t, e.Pause(), ErrSimulatorStopped)
	assert.ErrorIs(t, e.Resume(), ErrSimulatorStopped)
	assert.ErrorIs(t, e.Reset(), ErrSimulatorStopped)
	assert.Equal(t, StateRunning, e.Status().State)

	// The controller keeps ticking.
	updates := c.updates.Load()
	require.Eventually(t, func() bool { return c.updates.Load() > updates+10 }, waitFor, poll)

	err := e.Stop()
	assert.ErrorIs(t, err, ErrFault)
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, SimulatorSide, fe.Side)
}

func TestEngine_StopOnFault(t *testing.T) {
	errDevice := errors.New("device lost")
	c := &fakeController{}
	s := &fakeSimulator{onTick: func(n int64) error {
		if n == 3 {
			panic(errDevice)
		}
		return nil
	}}
	e := newTestEngine(t, c, s, WithStopOnFault(true))
	require.NoError(t, e.Start(context.Background()))

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not stop after fault")
	}
	err := e.Wait()
	assert.ErrorIs(t, err, ErrFault)
	assert.ErrorIs(t, err, errDevice, "panic value is unwrapped")
	assert.Equal(t, StateStopped, e.Status().State)
}

func TestEngine_TickErrorKeepsRunning(t *testing.T) {
	errBad := errors.New("bad tick")
	c := &fakeController{}
	s := &fakeSimulator{onTick: func(n int64) error {
		if n%3 == 0 {
			return errBad
		}
		return nil
	}}
	e := newTestEngine(t, c, s)
	startAndWaitReady(t, e)

	require.Eventually(t, func() bool { return e.Status().Simulator.TickErrors >= 3 }, waitFor, poll)

	var tickErr TickError
	require.Eventually(t, func() bool {
		for _, m := range c.messages() {
			if te, ok := m.(TickError); ok {
				tickErr = te
				return true
			}
		}
		return false
	}, waitFor, poll)
	assert.Equal(t, SimulatorSide, tickErr.Side)
	assert.ErrorIs(t, tickErr.Err, errBad)

	assert.Equal(t, StateRunning, e.Status().Simulator.State)
	assert.NoError(t, e.Stop(), "tick errors are not terminal")
}

func TestEngine_SimulationComplete(t *testing.T) {
	c := &fakeController{stopOnComplete: true}
	s := &fakeSimulator{onTick: func(n int64) error {
		if n == 10 {
			return ErrDone
		}
		return nil
	}}
	e := newTestEngine(t, c, s)
	require.NoError(t, e.Start(context.Background()))

	select {
	case <-e.Done():
	case <-time.After(waitFor):
		t.Fatal("engine did not stop after completion")
	}
	assert.NoError(t, e.Wait())
	assert.EqualValues(t, 10, s.ticks.Load())

	var complete bool
	for _, m := range c.messages() {
		if _, ok := m.(SimulationComplete); ok {
			complete = true
		}
	}
	assert.True(t, complete)
}

func TestEngine_InitializeFailure(t *testing.T) {
	errInit := errors.New("no display")
	c := &fakeController{initErr: errInit}
	e := newTestEngine(t, c, &fakeSimulator{})
	require.NoError(t, e.Start(context.Background()))

	err := e.Wait()
	require.ErrorIs(t, err, errInit)
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, ControllerSide, cbErr.Side)
	assert.Equal(t, "initialize", cbErr.Op)
	assert.Equal(t, StateStopped, e.Status().State)
}

func TestEngine_SkippedTicksSendStatistics(t *testing.T) {
	c := &fakeController{}
	s := &fakeSimulator{onTick: func(n int64) error {
		if n == 2 {
			time.Sleep(30 * time.Millisecond)
		}
		return nil
	}}
	e := newTestEngine(t, c, s, WithSimulatorFrequency(200))
	startAndWaitReady(t, e)

	require.Eventually(t, func() bool {
		for _, m := range c.messages() {
			if st, ok := m.(Statistics); ok && st.Skipped > 0 {
				return st.Period == 5*time.Millisecond
			}
		}
		return false
	}, waitFor, poll)
	assert.Positive(t, e.Status().Simulator.Skipped)
}

func TestEngine_SetFrequency(t *testing.T) {
	e := newTestEngine(t, &fakeController{}, &fakeSimulator{})
	require.NoError(t, e.SetSimulatorFrequency(120))
	require.NoError(t, e.SetControllerFrequency(240))
	assert.Equal(t, 120.0, e.Status().Simulator.Frequency)
	assert.Equal(t, 240.0, e.Status().Controller.Frequency)
	assert.Error(t, e.SetSimulatorFrequency(-1))
}

func TestEngine_PortFullUnderReject(t *testing.T) {
	c, s := &fakeController{}, &fakeSimulator{}
	e := newTestEngine(t, c, s, WithChannelCapacity(2))
	startAndWaitReady(t, e)

	// One controller tick sends more than the channel holds; the simulator
	// drains only at its own tick boundary.
	for i := 0; i < 10; i++ {
		c.queue(Custom{Kind: "burst", Payload: i})
	}
	require.Eventually(t, func() bool { return e.Status().Controller.Outbox.Rejected >= 2 }, waitFor, poll)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, &fakeController{}, &fakeSimulator{}, WithRegisterer(reg))
	startAndWaitReady(t, e)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(e.Metrics().Ticks.WithLabelValues("simulator")) > 3
	}, waitFor, poll)
	assert.Equal(t, float64(StateRunning), testutil.ToFloat64(e.Metrics().RunState))

	n, err := testutil.GatherAndCount(reg, "maengine_messages_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.Stop())
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(e.Metrics().RunState))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "pause", Kind(Pause{}))
	assert.Equal(t, "custom:seq", Kind(Custom{Kind: "seq"}))
	assert.Equal(t, "statistics", Kind(Statistics{}))
	assert.Equal(t, "unknown", Kind(42))
}
