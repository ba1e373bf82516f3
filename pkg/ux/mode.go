// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the maengine CLI's terminal output.
//
// Three modes cover the places the CLI runs: rich output with colors and
// an in-place progress line on a terminal, plain line-per-update output
// when piped, and machine output with stable prefixes for scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how much styling the Printer applies.
type Mode string

const (
	// ModeRich uses colors, icons and an in-place progress line.
	ModeRich Mode = "rich"

	// ModePlain prints one undecorated line per update.
	ModePlain Mode = "plain"

	// ModeMachine prints "OK:", "WARN:", "ERROR:" and "PROGRESS:" prefixed
	// lines for scripts.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides DetectMode.
const ModeEnv = "MAENGINE_OUTPUT"

// ParseMode parses a mode name. The empty string is ModeRich.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rich", "full":
		return ModeRich, nil
	case "plain", "minimal":
		return ModePlain, nil
	case "machine", "quiet":
		return ModeMachine, nil
	default:
		return ModePlain, fmt.Errorf("unknown output mode %q", s)
	}
}

// DetectMode picks the mode for w: the MAENGINE_OUTPUT variable if set,
// rich on a terminal, machine otherwise.
func DetectMode(w io.Writer) Mode {
	if env := os.Getenv(ModeEnv); env != "" {
		if m, err := ParseMode(env); err == nil {
			return m
		}
	}
	if IsTerminal(w) {
		return ModeRich
	}
	return ModeMachine
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
