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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// newUpgrader accepts cross-origin stream clients only when the routes are
// token protected. Open routes keep gorilla's same-origin check, so a web
// page on another origin cannot drive the stream through a browser.
func newUpgrader(tokenAuth bool) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	if tokenAuth {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return u
}

// StreamFrame is one message on the status stream.
type StreamFrame struct {
	Action    string          `json:"action"`
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq,omitempty"`
	Status    *StatusResponse `json:"status,omitempty"`
}

const writeWait = 2 * time.Second

func sendJSON(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// handleStream pushes a status frame every StreamInterval until the client
// disconnects or the engine stops. The final frame has action "engine_stopped".
func (s *Server) handleStream(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sessionID := uuid.New().String()
	logger := s.logger.With(slog.String("session_id", sessionID))
	logger.Info("stream client connected")

	if err := sendJSON(ws, StreamFrame{Action: "session_created", SessionID: sessionID}); err != nil {
		return
	}

	// Reads are only needed to observe close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-closed:
			logger.Info("stream client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case <-s.controls.Done():
			st := s.status()
			_ = sendJSON(ws, StreamFrame{Action: "engine_stopped", SessionID: sessionID, Seq: seq + 1, Status: &st})
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "engine stopped"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			seq++
			st := s.status()
			if err := sendJSON(ws, StreamFrame{Action: "status", SessionID: sessionID, Seq: seq, Status: &st}); err != nil {
				return
			}
		}
	}
}
