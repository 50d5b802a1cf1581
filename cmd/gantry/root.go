package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose  bool
	Database string
}

// NewRootCommand creates the root command for the gantry CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "gantry",
		Short: "Gantry - DAG workflow runner",
		Long: `Gantry executes YAML-defined DAG workflows with retries,
compensation, and durable scheduling.

Flows run either synchronously (run-flow) or as scheduled tasks picked
up by workers (schedule + worker) over a shared SQLite database.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database")

	cmd.AddCommand(NewRunFlowCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))

	return cmd
}

func openDatabase(opts *RootOptions) (*sql.DB, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("--db is required")
	}
	db, err := sql.Open("sqlite", "file:"+opts.Database+"?_journal=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func parseInputs(inputsJSON string) (map[string]any, error) {
	if inputsJSON == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return nil, fmt.Errorf("parse --inputs: %w", err)
	}
	return inputs, nil
}
