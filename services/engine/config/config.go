// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the maengine YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NickSpyker/multi-agent-engine/pkg/extensions"
	"github.com/NickSpyker/multi-agent-engine/pkg/logging"
	"github.com/NickSpyker/multi-agent-engine/pkg/validation"
	"github.com/NickSpyker/multi-agent-engine/services/engine"
	"github.com/NickSpyker/multi-agent-engine/services/engine/history"
	"github.com/NickSpyker/multi-agent-engine/services/engine/message"
	"github.com/NickSpyker/multi-agent-engine/services/engine/pipeline"
	"github.com/NickSpyker/multi-agent-engine/services/engine/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultFileName is the config file name looked up by the CLI.
const DefaultFileName = "maengine.yaml"

// Config is the full configuration file.
type Config struct {
	Controller SideConfig       `yaml:"controller"`
	Simulator  SideConfig       `yaml:"simulator"`
	Channels   ChannelConfig    `yaml:"channels"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Admin      AdminConfig      `yaml:"admin"`
	Demo       DemoConfig       `yaml:"demo"`
	History    HistoryConfig    `yaml:"history"`
}

// SideConfig configures one engine side. Hz can be changed while running.
type SideConfig struct {
	Hz float64 `yaml:"hz" validate:"gt=0,lte=10000"`
}

// ChannelConfig configures both message channels.
type ChannelConfig struct {
	Capacity       int    `yaml:"capacity" validate:"gte=1,lte=1048576"`
	OverflowPolicy string `yaml:"overflow_policy" validate:"overflow_policy"`
	StopOnFault    bool   `yaml:"stop_on_fault"`
}

// PipelineConfig configures the simulation pipeline.
type PipelineConfig struct {
	// Workers bounds per-agent parallelism. Zero uses GOMAXPROCS.
	Workers int `yaml:"workers" validate:"gte=0,lte=1024"`

	// Device selects the GPU stage backend: "host" emulates a device in
	// process, "none" runs every stage on the CPU.
	Device string `yaml:"device" validate:"oneof=host none"`

	// ResidentAgents keeps agent data on the device between ticks.
	ResidentAgents bool `yaml:"resident_agents"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the device circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures" validate:"gte=1"`
	OpenTimeout time.Duration `yaml:"open_timeout" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir" validate:"safe_dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`

	// Export copies every record, one line each, to stdout or to ExportPath.
	Export     string `yaml:"export" validate:"oneof=none stdout file"`
	ExportPath string `yaml:"export_path,omitempty" validate:"required_if=Export file,safe_dir"`
}

// AdminConfig configures the HTTP admin surface.
type AdminConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr" validate:"required_if=Enabled true"`
	StreamInterval time.Duration `yaml:"stream_interval" validate:"gt=0"`

	// Tokens enables bearer authentication. Empty leaves the routes open.
	Tokens []TokenConfig `yaml:"tokens,omitempty" validate:"dive"`
}

// TokenConfig grants a role to the holder of a bearer token.
type TokenConfig struct {
	Token string `yaml:"token" validate:"required,min=16"`
	User  string `yaml:"user" validate:"required,user_id"`
	Role  string `yaml:"role" validate:"oneof=viewer operator"`
}

// HistoryConfig configures the finished-run store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true,safe_dir"`
	Keep    int    `yaml:"keep" validate:"gte=0"`
}

// DemoConfig configures the boids demo.
type DemoConfig struct {
	Agents    int     `yaml:"agents" validate:"gte=1,lte=1000000"`
	MaxTicks  uint64  `yaml:"max_ticks"`
	Seed      int64   `yaml:"seed"`
	WorldSize float64 `yaml:"world_size" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Controller: SideConfig{Hz: engine.DefaultControllerHz},
		Simulator:  SideConfig{Hz: engine.DefaultSimulatorHz},
		Channels: ChannelConfig{
			Capacity:       engine.DefaultChannelCapacity,
			OverflowPolicy: message.Reject.String(),
		},
		Pipeline: PipelineConfig{
			Device: "host",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 5 * time.Second,
			},
		},
		Logging:   LoggingConfig{Level: "info", Export: "none"},
		Telemetry: telemetry.DefaultConfig(),
		Admin: AdminConfig{
			Addr:           "127.0.0.1:8090",
			StreamInterval: 200 * time.Millisecond,
		},
		Demo: DemoConfig{
			Agents:    500,
			WorldSize: 1000,
			Seed:      1,
		},
		History: HistoryConfig{
			Dir:  "~/.maengine/history",
			Keep: 100,
		},
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("overflow_policy", validateOverflowPolicy)
	_ = validate.RegisterValidation("user_id", func(fl validator.FieldLevel) bool {
		return validation.ValidateUserID(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("safe_dir", func(fl validator.FieldLevel) bool {
		return validation.ValidateDir(fl.Field().String()) == nil
	})
}

// validateOverflowPolicy accepts the names message.ParsePolicy accepts.
func validateOverflowPolicy(fl validator.FieldLevel) bool {
	_, err := message.ParsePolicy(fl.Field().String())
	return err == nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Policy returns the parsed overflow policy.
func (c *Config) Policy() message.Policy {
	p, _ := message.ParsePolicy(c.Channels.OverflowPolicy)
	return p
}

// HistoryStore returns the history store settings.
func (c *Config) HistoryStore(logger *slog.Logger) history.Config {
	cfg := history.DefaultConfig(c.History.Dir)
	cfg.Keep = c.History.Keep
	cfg.Logger = logger
	return cfg
}

// EngineOptions translates the file into engine options.
func (c *Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithControllerFrequency(c.Controller.Hz),
		engine.WithSimulatorFrequency(c.Simulator.Hz),
		engine.WithChannelCapacity(c.Channels.Capacity),
		engine.WithOverflowPolicy(c.Policy()),
		engine.WithStopOnFault(c.Channels.StopOnFault),
	}
}

// AdminExtensions builds the admin access control. Control actions are
// always audited to logger; tokens, when configured, are required.
func (c *Config) AdminExtensions(logger *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(logger))
	if len(c.Admin.Tokens) == 0 {
		return opts
	}
	tokens := make(map[string]extensions.AuthInfo, len(c.Admin.Tokens))
	for _, t := range c.Admin.Tokens {
		tokens[t.Token] = extensions.AuthInfo{UserID: t.User, Roles: []string{t.Role}}
	}
	return opts.
		WithAuth(extensions.NewTokenAuthProvider(tokens)).
		WithAuthz(extensions.NewRoleAuthzProvider())
}

// LogExporter builds the exporter selected by logging.export. stdout is used
// for "stdout"; a nil exporter means none.
func (c *Config) LogExporter(stdout io.Writer) (logging.LogExporter, error) {
	switch c.Logging.Export {
	case "stdout":
		return logging.NewWriterExporter(stdout), nil
	case "file":
		exp, err := logging.NewFileExporter(c.Logging.ExportPath)
		if err != nil {
			return nil, err
		}
		return exp, nil
	default:
		return nil, nil
	}
}

// Breaker returns the pipeline breaker settings.
func (c *Config) Breaker() pipeline.BreakerConfig {
	return pipeline.BreakerConfig{
		MaxFailures: c.Pipeline.Breaker.MaxFailures,
		OpenTimeout: c.Pipeline.Breaker.OpenTimeout,
	}
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
