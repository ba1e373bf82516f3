// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admin exposes a running engine over HTTP.
//
// Routes:
//
//	GET  /health                 liveness
//	GET  /metrics                Prometheus exposition, when a handler is set
//	GET  /v1/engine/status       engine.Status as JSON
//	POST /v1/engine/pause        pause the simulator
//	POST /v1/engine/resume       resume the simulator
//	POST /v1/engine/reset        reset the simulation
//	POST /v1/engine/stop         stop the engine
//	GET  /v1/engine/stream       websocket stream of status frames
//
// The /v1 routes take a bearer token in the Authorization header, or in
// the token query parameter for websocket clients that cannot set headers.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/NickSpyker/multi-agent-engine/pkg/extensions"
	"github.com/NickSpyker/multi-agent-engine/services/engine"
)

// Controls is the part of an engine the admin surface drives.
type Controls interface {
	Status() engine.Status
	Pause() error
	Resume() error
	Reset() error
	Stop() error
	Done() <-chan struct{}
}

// SummaryFunc returns a JSON-encodable view of the latest simulation state.
// It is called from HTTP goroutines and must not block.
type SummaryFunc func() any

// Options configures a Server.
type Options struct {
	// Addr is the listen address. Default: 127.0.0.1:8090.
	Addr string

	// StreamInterval is the period between stream frames. Default: 200ms.
	StreamInterval time.Duration

	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	// Summary adds a state summary to status and stream frames when non-nil.
	Summary SummaryFunc

	// ServiceName names the otelgin spans. Default: "maengine-admin".
	ServiceName string

	// Extensions authenticates, authorizes and audits the /v1 routes.
	// Nil fields allow everything.
	Extensions extensions.ServiceOptions

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:8090"
	}
	if o.StreamInterval <= 0 {
		o.StreamInterval = 200 * time.Millisecond
	}
	if o.ServiceName == "" {
		o.ServiceName = "maengine-admin"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Extensions = o.Extensions.WithDefaults()
}

// Server is the admin HTTP server.
type Server struct {
	controls Controls
	opts     Options
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer builds the router. It does not listen until Run.
func NewServer(controls Controls, opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		controls: controls,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "admin")),
	}
	_, nop := opts.Extensions.AuthProvider.(*extensions.NopAuthProvider)
	s.upgrader = newUpgrader(!nop)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(opts.ServiceName))
	RegisterRoutes(s.router, s)
	return s
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", slog.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("admin server stopped")
	return nil
}

// RegisterRoutes mounts the admin routes on router.
func RegisterRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", handleHealth)
	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := router.Group("/v1/engine")
	{
		v1.GET("/status", s.authorize("status", false), s.handleStatus)
		v1.POST("/pause", s.authorize("pause", true), s.handleControl("pause", s.controls.Pause))
		v1.POST("/resume", s.authorize("resume", true), s.handleControl("resume", s.controls.Resume))
		v1.POST("/reset", s.authorize("reset", true), s.handleControl("reset", s.controls.Reset))
		v1.POST("/stop", s.authorize("stop", true), s.handleStop)
		v1.GET("/stream", s.authorize("stream", false), s.handleStream)
	}
}
