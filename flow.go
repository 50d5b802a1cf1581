package gantry

import (
	"fmt"
	"os"

	"github.com/gantryflow/gantry/pkg/api"
)

// ParseFlow decodes and validates a YAML flow definition.
var ParseFlow = api.ParseFlow

// MarshalFlow encodes a flow back to its YAML wire form.
var MarshalFlow = api.MarshalFlow

// LoadFlow reads and parses a flow definition from a YAML file.
func LoadFlow(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	flow, err := api.ParseFlow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flow, nil
}
