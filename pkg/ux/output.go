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

import (
	"fmt"
	"io"
	"sync"
)

// Printer writes styled messages and a progress line to one writer.
//
// Messages printed while a progress line is showing first end that line,
// so the two never interleave. Safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode

	mu     sync.Mutex
	inline bool
}

// NewPrinter creates a printer for w in mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) line(machinePrefix string, icon Icon, style func(string) string, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLocked()
	switch p.mode {
	case ModeMachine:
		if machinePrefix == "" {
			fmt.Fprintln(p.w, text)
			return
		}
		fmt.Fprintf(p.w, "%s: %s\n", machinePrefix, text)
	case ModePlain:
		if icon == "" {
			fmt.Fprintln(p.w, text)
			return
		}
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	default:
		if icon == "" {
			fmt.Fprintln(p.w, style(text))
			return
		}
		fmt.Fprintf(p.w, "%s %s\n", icon.Render(), style(text))
	}
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	p.line("", "", render(Styles.Title), text)
}

// Success prints a success message.
func (p *Printer) Success(text string) {
	p.line("OK", IconSuccess, render(Styles.Success), text)
}

// Warning prints a warning.
func (p *Printer) Warning(text string) {
	p.line("WARN", IconWarning, render(Styles.Warning), text)
}

// Error prints an error.
func (p *Printer) Error(text string) {
	p.line("ERROR", IconError, render(Styles.Error), text)
}

// Info prints an unstyled message.
func (p *Printer) Info(text string) {
	p.line("INFO", "", func(s string) string { return s }, text)
}

// Box prints content in a bordered box with a title. Other modes print
// the title and content as lines.
func (p *Printer) Box(title, content string) {
	if p.mode != ModeRich {
		p.Info(title)
		p.Info(content)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLocked()
	fmt.Fprintln(p.w, Styles.Box.Render(Styles.Bold.Render(title)+"\n"+content))
}

// Progress shows line as the current progress. Rich mode rewrites the
// same terminal line; the other modes print a line per call.
func (p *Printer) Progress(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "PROGRESS: %s\n", line)
	case ModePlain:
		fmt.Fprintln(p.w, line)
	default:
		fmt.Fprint(p.w, "\r\033[K"+line)
		p.inline = true
	}
}

// EndProgress terminates an in-place progress line.
func (p *Printer) EndProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLocked()
}

func (p *Printer) breakLocked() {
	if p.inline {
		fmt.Fprintln(p.w)
		p.inline = false
	}
}

func render(s interface{ Render(...string) string }) func(string) string {
	return func(text string) string { return s.Render(text) }
}
