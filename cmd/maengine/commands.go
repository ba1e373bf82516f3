// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NickSpyker/multi-agent-engine/pkg/ux"
	"github.com/NickSpyker/multi-agent-engine/services/engine/config"
)

// runFlags are the command-line overrides for `maengine run`.
type runFlags struct {
	configPath   string
	agents       int
	maxTicks     uint64
	controllerHz float64
	simulatorHz  float64
	admin        string
	logLevel     string
	noProgress   bool
	output       string
}

// printer returns the ux printer for cmd's stdout. An empty --output
// detects the mode from the writer.
func (f runFlags) printer(cmd *cobra.Command) (*ux.Printer, error) {
	w := cmd.OutOrStdout()
	if f.output == "" {
		return ux.NewPrinter(w, ux.DetectMode(w)), nil
	}
	mode, err := ux.ParseMode(f.output)
	if err != nil {
		return nil, err
	}
	return ux.NewPrinter(w, mode), nil
}

func newRootCmd() *cobra.Command {
	var flags runFlags

	rootCmd := &cobra.Command{
		Use:   "maengine",
		Short: "Run a controller and a simulator on their own tick loops",
		Long: `maengine runs the flocking demo on the multi-agent engine: a controller
thread steering the simulation and a simulator thread advancing it through
a CPU/GPU pipeline, exchanging snapshots and messages.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultFileName, "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "", "output mode: rich, plain or machine (default: detect)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the flocking demo until it completes or is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), cmd, flags)
		},
	}
	runCmd.Flags().IntVar(&flags.agents, "agents", 0, "initial number of boids (overrides demo.agents)")
	runCmd.Flags().Uint64Var(&flags.maxTicks, "max-ticks", 0, "stop after this many simulator ticks (overrides demo.max_ticks)")
	runCmd.Flags().Float64Var(&flags.controllerHz, "controller-hz", 0, "controller frequency (overrides controller.hz)")
	runCmd.Flags().Float64Var(&flags.simulatorHz, "simulator-hz", 0, "simulator frequency (overrides simulator.hz)")
	runCmd.Flags().StringVar(&flags.admin, "admin", "", "enable the admin server on this address")
	runCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")
	runCmd.Flags().BoolVar(&flags.noProgress, "no-progress", false, "disable the progress line on terminals")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var force bool
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.printer(cmd)
			if err != nil {
				return err
			}
			if err := config.WriteDefault(flags.configPath, force); err != nil {
				return err
			}
			p.Success("Wrote " + flags.configPath)
			return nil
		},
	}
	configInitCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "maengine %s (%s)\n", version, commit)
		},
	}

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(runCmd, configCmd, newRunsCmd(&flags), versionCmd)
	return rootCmd
}
