// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// AuditEvent records one control action against the engine.
//
// Example:
//
//	event := AuditEvent{
//	    EventType: "engine.pause",
//	    Timestamp: time.Now().UTC(),
//	    UserID:    authInfo.UserID,
//	    Action:    "pause",
//	    RunID:     status.RunID,
//	    Outcome:   OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "engine.pause", "auth.failed".
	EventType string

	// Timestamp is when the event occurred. Zero is replaced with
	// time.Now().UTC() by the loggers in this package.
	Timestamp time.Time

	// UserID identifies the caller. Empty when authentication failed.
	UserID string

	// Action is the requested operation.
	Action string

	// RunID is the engine run the action targeted.
	RunID string

	// Outcome is OutcomeSuccess, OutcomeDenied or OutcomeFailed.
	Outcome string

	// Error describes a denied or failed action.
	Error string

	// RemoteAddr is the client address.
	RemoteAddr string
}

// AuditFilter selects events in Query. Zero fields match everything.
type AuditFilter struct {
	UserID  string
	Action  string
	Outcome string
	Since   time.Time
	Limit   int
}

func (f AuditFilter) match(e AuditEvent) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLogger records control actions.
type AuditLogger interface {
	// Log records an event. It must not block the request for long.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns recorded events matching filter, oldest first.
	// Loggers that do not retain events return nil.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush forces buffered events out.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error { return nil }

// Query returns nil.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return nil, nil
}

// Flush does nothing.
func (l *NopAuditLogger) Flush(ctx context.Context) error { return nil }

// SlogAuditLogger writes events to a structured logger and keeps the most
// recent ones in memory for Query.
type SlogAuditLogger struct {
	logger *slog.Logger
	keep   int

	mu     sync.Mutex
	events []AuditEvent
}

// NewSlogAuditLogger creates a logger keeping the last 1024 events. A nil
// logger uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{
		logger: logger.With(slog.String("component", "audit")),
		keep:   1024,
	}
}

// Log writes and retains event.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if event.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "audit",
		slog.String("event_type", event.EventType),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("run_id", event.RunID),
		slog.String("outcome", event.Outcome),
		slog.String("error", event.Error),
		slog.String("remote_addr", event.RemoteAddr),
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if over := len(l.events) - l.keep; over > 0 {
		l.events = slices.Delete(l.events, 0, over)
	}
	return nil
}

// Query returns retained events matching filter.
func (l *SlogAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEvent
	for _, e := range l.events {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Flush does nothing; records are written synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
