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
	"time"
)

// Messages are values. A payload handed to Send belongs to the receiver
// from then on; the sender must not keep mutating it.

// ControllerMessage travels from the controller to the simulator.
type ControllerMessage interface {
	controllerMessage()
}

// SimulatorMessage travels from the simulator to the controller.
type SimulatorMessage interface {
	simulatorMessage()
}

// -----------------------------------------------------------------------------
// Controller -> Simulator
// -----------------------------------------------------------------------------

// Pause suspends the simulator.
type Pause struct{}

// Resume resumes a paused simulator.
type Resume struct{}

// Reset re-initializes Config and State to their initial snapshots.
type Reset struct{}

// SpawnAgent asks the simulator to add agents. Template is application
// defined.
type SpawnAgent struct {
	Count    int
	Template any
}

func (Pause) controllerMessage()      {}
func (Resume) controllerMessage()     {}
func (Reset) controllerMessage()      {}
func (SpawnAgent) controllerMessage() {}

// -----------------------------------------------------------------------------
// Simulator -> Controller
// -----------------------------------------------------------------------------

// SimulationComplete is sent when the simulator finishes with ErrDone.
type SimulationComplete struct {
	Tick uint64
}

// AgentDied reports an agent removed by the simulation.
type AgentDied struct {
	ID     uint64
	Reason string
}

// Statistics reports simulator timing. The engine sends one whenever the
// simulator falls behind and skips tick boundaries.
type Statistics struct {
	Tick    uint64
	Skipped uint64
	Elapsed time.Duration
	Late    time.Duration
	Period  time.Duration
	Agents  int
}

func (SimulationComplete) simulatorMessage() {}
func (AgentDied) simulatorMessage()          {}
func (Statistics) simulatorMessage()         {}

// -----------------------------------------------------------------------------
// Both directions
// -----------------------------------------------------------------------------

// TickError reports a callback error on the sending side. The sender kept
// its previous snapshot and is still ticking.
type TickError struct {
	Side Side
	Tick uint64
	Err  error
}

// Fault reports a panic on the sending side. The sender has stopped.
type Fault struct {
	Err *FaultError
}

// Custom carries an application payload.
type Custom struct {
	Kind    string
	Payload any
}

func (TickError) controllerMessage() {}
func (TickError) simulatorMessage()  {}
func (Fault) controllerMessage()     {}
func (Fault) simulatorMessage()      {}
func (Custom) controllerMessage()    {}
func (Custom) simulatorMessage()     {}

// Kind returns a short name for a message, used in logs.
func Kind(msg any) string {
	switch m := msg.(type) {
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Reset:
		return "reset"
	case SpawnAgent:
		return "spawn_agent"
	case SimulationComplete:
		return "simulation_complete"
	case AgentDied:
		return "agent_died"
	case Statistics:
		return "statistics"
	case TickError:
		return "tick_error"
	case Fault:
		return "fault"
	case Custom:
		if m.Kind != "" {
			return "custom:" + m.Kind
		}
		return "custom"
	default:
		return "unknown"
	}
}
