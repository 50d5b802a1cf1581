package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gantryflow/gantry"
)

// RunFlowOptions holds flags for the run-flow command.
type RunFlowOptions struct {
	*RootOptions
	InputsJSON string
}

// NewRunFlowCommand creates the run-flow command.
func NewRunFlowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunFlowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-flow <flow.yaml>",
		Short: "Execute a flow synchronously",
		Long: `Execute a YAML flow definition and print a per-step report.

Without --db the run is kept in memory; with --db the run and its step
transition log are persisted to the SQLite database.

The command exits non-zero when the flow does not succeed.

Example:
  gantry run-flow pipeline.yaml --inputs '{"env":"prod"}'
  gantry run-flow pipeline.yaml --db gantry.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.InputsJSON, "inputs", "", "flow input payload as JSON")

	return cmd
}

func runFlow(cmd *cobra.Command, opts *RunFlowOptions, path string) error {
	flow, err := gantry.LoadFlow(path)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(opts.InputsJSON)
	if err != nil {
		return err
	}

	reg := gantry.NewRegistry().WithBuiltins()

	var eng gantry.Engine
	if opts.Database != "" {
		db, err := openDatabase(opts.RootOptions)
		if err != nil {
			return err
		}
		defer db.Close()
		eng, err = gantry.NewSQLiteEngine(db, reg)
		if err != nil {
			return err
		}
	} else {
		eng = gantry.NewInMemoryEngine(reg)
	}

	res, err := gantry.Execute(cmd.Context(), eng, flow, inputs)
	if err != nil {
		return err
	}

	printRunReport(res)

	if res.Run.Status != gantry.RunSucceeded {
		os.Exit(2)
	}
	return nil
}

func printRunReport(res *gantry.RunResult) {
	fmt.Printf("run %s  flow=%s  status=%s\n", res.Run.ID, res.Run.FlowID, res.Run.Status)
	if res.Run.Error != "" {
		fmt.Printf("error: %s\n", res.Run.Error)
	}

	ids := make([]string, 0, len(res.Steps))
	for id := range res.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sr := res.Steps[id]
		fmt.Printf("  %-20s %-12s attempts=%d", sr.StepID, sr.Status, sr.Attempts)
		if sr.Error != "" {
			fmt.Printf("  error=%q", sr.Error)
		}
		if sr.CompensationError != "" {
			fmt.Printf("  compensation_error=%q", sr.CompensationError)
		}
		fmt.Println()
	}
	if len(res.CompletionOrder) > 0 {
		fmt.Printf("completion order: %v\n", res.CompletionOrder)
	}
}
