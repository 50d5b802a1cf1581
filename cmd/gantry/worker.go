package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantryflow/gantry"
	"github.com/gantryflow/gantry/pkg/scheduler"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	WorkerID     string
	PollInterval time.Duration
	Lease        time.Duration
	Concurrency  int
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes scheduled tasks",
		Long: `Poll the database for due tasks and execute their flows until
interrupted. Multiple workers may share one database; each task is
claimed under a lease so it runs on exactly one live worker at a time.

Example:
  gantry worker --db gantry.db
  gantry worker --db gantry.db --concurrency 8 --lease 1m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.WorkerID, "worker-id", "", "worker identity used in task leases")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll", 0, "task poll interval")
	cmd.Flags().DurationVar(&opts.Lease, "lease", 0, "task lease duration")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "max tasks executing at once")

	return cmd
}

func runWorker(cmd *cobra.Command, opts *WorkerOptions) error {
	db, err := openDatabase(opts.RootOptions)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := gantry.NewRegistry().WithBuiltins()
	bundle, err := gantry.NewSQLiteBundle(db, reg, scheduler.Config{
		WorkerID:      opts.WorkerID,
		PollInterval:  opts.PollInterval,
		LeaseDuration: opts.Lease,
		Concurrency:   opts.Concurrency,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bundle.Scheduler.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
