package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantryflow/gantry"
)

// ScheduleOptions holds flags for the schedule command.
type ScheduleOptions struct {
	*RootOptions
	InputsJSON string
	At         string
	Delay      time.Duration
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schedule <flow.yaml>",
		Short: "Enqueue a flow as a scheduled task",
		Long: `Persist a flow as a scheduled task in the database. A worker
polling the same database will claim and execute it once due.

Example:
  gantry schedule pipeline.yaml --db gantry.db
  gantry schedule pipeline.yaml --db gantry.db --delay 10m
  gantry schedule pipeline.yaml --db gantry.db --at 2026-09-01T08:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scheduleFlow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.InputsJSON, "inputs", "", "flow input payload as JSON")
	cmd.Flags().StringVar(&opts.At, "at", "", "run no earlier than this RFC3339 time")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 0, "run no earlier than now plus this delay")

	return cmd
}

func scheduleFlow(cmd *cobra.Command, opts *ScheduleOptions, path string) error {
	flow, err := gantry.LoadFlow(path)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(opts.InputsJSON)
	if err != nil {
		return err
	}

	runAt := time.Now()
	switch {
	case opts.At != "" && opts.Delay != 0:
		return fmt.Errorf("--at and --delay are mutually exclusive")
	case opts.At != "":
		runAt, err = time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
	case opts.Delay != 0:
		runAt = runAt.Add(opts.Delay)
	}

	db, err := openDatabase(opts.RootOptions)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := gantry.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	task, err := gantry.Schedule(cmd.Context(), store, flow, inputs, runAt)
	if err != nil {
		return err
	}

	fmt.Printf("scheduled task %s  flow=%s  run_at=%s\n", task.ID, flow.ID, task.RunAt.Format(time.RFC3339))
	return nil
}
