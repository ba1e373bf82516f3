// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import "fmt"

// EngineStatus is the data shown on the progress line.
type EngineStatus struct {
	State     string
	Tick      uint64
	Agents    int
	MeanSpeed float64
	Frames    uint64
	Skipped   uint64
}

// StatusLine formats s for the printer's mode. spin is a spinner frame
// shown in rich mode.
func (p *Printer) StatusLine(spin string, s EngineStatus) string {
	if p.mode == ModeMachine {
		return fmt.Sprintf("state=%s tick=%d agents=%d speed=%.2f frames=%d skipped=%d",
			s.State, s.Tick, s.Agents, s.MeanSpeed, s.Frames, s.Skipped)
	}

	state := fmt.Sprintf("%-8s", s.State)
	tick := fmt.Sprintf("%s tick %-7d", IconTick, s.Tick)
	frames := fmt.Sprintf("%s frames %-7d", IconFrame, s.Frames)
	rest := fmt.Sprintf("boids %-6d speed %6.2f", s.Agents, s.MeanSpeed)
	skipped := fmt.Sprintf("skipped %d", s.Skipped)
	if p.mode == ModePlain {
		return fmt.Sprintf("%s %s %s %s %s", state, tick, rest, frames, skipped)
	}

	switch s.State {
	case "running":
		state = Styles.Success.Render(state)
	case "paused":
		state = Styles.Warning.Render(state)
	default:
		state = Styles.Muted.Render(state)
	}
	if s.Skipped > 0 {
		skipped = Styles.Warning.Render(skipped)
	}
	return fmt.Sprintf("%s %s %s %s %s %s",
		Styles.Highlight.Render(spin), state, Styles.Bold.Render(tick), rest, frames, skipped)
}
