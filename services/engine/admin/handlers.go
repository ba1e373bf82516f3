// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NickSpyker/multi-agent-engine/pkg/extensions"
	"github.com/NickSpyker/multi-agent-engine/services/engine"
)

const authInfoKey = "auth_info"

// StatusResponse is the body of GET /v1/engine/status and of each stream
// frame.
type StatusResponse struct {
	engine.Status
	Summary any `json:"summary,omitempty"`
}

// ControlResponse is the body of the control routes.
type ControlResponse struct {
	Action string       `json:"action"`
	State  engine.State `json:"state"`
	Error  string       `json:"error,omitempty"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{Status: s.controls.Status()}
	if s.opts.Summary != nil {
		resp.Summary = s.opts.Summary()
	}
	return resp
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

// bearerToken extracts the token from the Authorization header or the
// token query parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("token")
}

// authorize authenticates the caller and checks it may perform action.
// Rejections of mutating actions are audited.
func (s *Server) authorize(action string, mutating bool) gin.HandlerFunc {
	ext := s.opts.Extensions
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		info, err := ext.AuthProvider.Validate(ctx, bearerToken(c))
		if err != nil {
			s.audit(c, "auth.failed", action, nil, extensions.OutcomeDenied, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		err = ext.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{User: info, Action: action, Mutating: mutating})
		if err != nil {
			if mutating {
				s.audit(c, "engine."+action, action, info, extensions.OutcomeDenied, err)
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(authInfoKey, info)
		c.Next()
	}
}

func (s *Server) audit(c *gin.Context, eventType, action string, info *extensions.AuthInfo, outcome string, err error) {
	event := extensions.AuditEvent{
		EventType:  eventType,
		Action:     action,
		RunID:      s.controls.Status().RunID,
		Outcome:    outcome,
		RemoteAddr: c.ClientIP(),
	}
	if info != nil {
		event.UserID = info.UserID
	}
	if err != nil {
		event.Error = err.Error()
	}
	if logErr := s.opts.Extensions.AuditLogger.Log(c.Request.Context(), event); logErr != nil {
		s.logger.Warn("audit event not recorded", slog.String("error", logErr.Error()))
	}
}

func caller(c *gin.Context) *extensions.AuthInfo {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info
		}
	}
	return nil
}

func (s *Server) handleControl(action string, fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			s.audit(c, "engine."+action, action, caller(c), extensions.OutcomeFailed, err)
			s.logger.Warn("engine control rejected",
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
			c.JSON(controlStatusCode(err), ControlResponse{
				Action: action,
				State:  s.controls.Status().State,
				Error:  err.Error(),
			})
			return
		}
		s.audit(c, "engine."+action, action, caller(c), extensions.OutcomeSuccess, nil)
		s.logger.Info("engine control applied", slog.String("action", action))
		c.JSON(http.StatusOK, ControlResponse{Action: action, State: s.controls.Status().State})
	}
}

// handleStop requests a stop without waiting for the loops to exit.
func (s *Server) handleStop(c *gin.Context) {
	st := s.controls.Status().State
	if st.IsTerminal() {
		s.audit(c, "engine.stop", "stop", caller(c), extensions.OutcomeFailed, engine.ErrStopped)
		c.JSON(http.StatusConflict, ControlResponse{Action: "stop", State: st, Error: engine.ErrStopped.Error()})
		return
	}
	go func() {
		if err := s.controls.Stop(); err != nil {
			s.logger.Warn("engine stopped with error", slog.String("error", err.Error()))
		}
	}()
	s.audit(c, "engine.stop", "stop", caller(c), extensions.OutcomeSuccess, nil)
	s.logger.Info("engine control applied", slog.String("action", "stop"))
	c.JSON(http.StatusAccepted, ControlResponse{Action: "stop", State: engine.StateStopping})
}

func controlStatusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, engine.ErrNotPaused),
		errors.Is(err, engine.ErrSimulatorStopped):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
