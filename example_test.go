package gantry_test

import (
	"context"
	"fmt"

	"github.com/gantryflow/gantry"
)

// Example demonstrates defining a flow with the builder and running it
// synchronously on a LocalRunner.
func Example() {
	ctx := context.Background()

	reg := gantry.NewRegistry().
		Register("fetch", func(ctx context.Context, input map[string]any, key string) (any, error) {
			return map[string]any{"rows": 42}, nil
		}).
		Register("report", func(ctx context.Context, input map[string]any, key string) (any, error) {
			fmt.Printf("rows=%v\n", input["rows"])
			return nil, nil
		})

	flow := gantry.New("daily-report").
		Step("fetch", "fetch").
		Step("report", "report").After("fetch").
		WithInput(map[string]any{"rows": "$.steps.fetch.output.rows"}).
		MustBuild()

	runner := gantry.NewLocalRunner(reg)
	res, err := runner.RunFlow(ctx, flow, nil)
	if err != nil {
		panic(err)
	}

	fmt.Println("status:", res.Run.Status)
	// Output:
	// rows=42
	// status: succeeded
}
