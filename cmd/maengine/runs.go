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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/NickSpyker/multi-agent-engine/services/engine/config"
	"github.com/NickSpyker/multi-agent-engine/services/engine/history"
)

// saveRun records the finished demo in the history store.
func saveRun(cfg *config.Config, d *demo, started time.Time, logger *slog.Logger) error {
	store, err := history.Open(cfg.HistoryStore(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := json.Marshal(d.summary())
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	st := d.engine.Status()
	rec := history.Record{
		RunID:           st.RunID,
		StartedAt:       started,
		FinishedAt:      time.Now(),
		State:           st.State.String(),
		ControllerTicks: st.Controller.Ticks,
		SimulatorTicks:  st.Simulator.Ticks,
		SkippedTicks:    st.Controller.Skipped + st.Simulator.Skipped,
		TickErrors:      st.Controller.TickErrors + st.Simulator.TickErrors,
		Faults:          st.Controller.Faults + st.Simulator.Faults,
		Error:           st.Error,
		Summary:         summary,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Put(ctx, rec); err != nil {
		return err
	}
	logger.Debug("run recorded", slog.String("run_id", rec.RunID), slog.String("path", store.Path()))
	return nil
}

// openHistory opens the store named by the config file for reading.
func openHistory(flags runFlags) (*history.Store, error) {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	hc := cfg.HistoryStore(nil)
	hc.SyncWrites = false
	return history.Open(hc)
}

func newRunsCmd(flags *runFlags) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
		Long: `Runs are recorded when history.enabled is set in the configuration file.
The store keeps the newest history.keep runs.`,
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.printer(cmd)
			if err != nil {
				return err
			}
			store, err := openHistory(*flags)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				p.Info("No recorded runs")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tSTATE\tSIM TICKS\tFAULTS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
					shortID(r.RunID),
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Round(time.Millisecond),
					r.State,
					r.SimulatorTicks,
					r.Faults,
				)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run as JSON (an ID prefix is enough)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(*flags)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	runsCmd.AddCommand(listCmd, showCmd)
	return runsCmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
