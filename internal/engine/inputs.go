package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Step inputs may reference the flow-level input payload and the
// recorded outputs of already-completed dependencies:
//
//	input:
//	  url: "$.inputs.base_url"
//	  etag: "$.steps.fetch.output.etag"
//
// References are resolved against a JSON document built from the run
// state at dispatch time. A step only becomes dispatchable once all its
// dependencies have succeeded, so every "$.steps.<id>" it can legally
// reference is final.

const refPrefix = "$."

// buildRefDoc marshals the reference document for gjson lookups.
func buildRefDoc(inputs map[string]any, outputs map[string]any) ([]byte, error) {
	steps := make(map[string]any, len(outputs))
	for id, out := range outputs {
		steps[id] = map[string]any{"output": out}
	}
	return json.Marshal(map[string]any{
		"inputs": inputs,
		"steps":  steps,
	})
}

// resolveInput returns a copy of input with every reference string
// replaced by the value it points at. An unresolvable reference is a
// handler-level failure: it consumes a retry attempt like any other
// invocation error.
func resolveInput(input map[string]any, refDoc []byte) (map[string]any, error) {
	if len(input) == 0 {
		return input, nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		rv, err := resolveValue(v, refDoc)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func resolveValue(v any, refDoc []byte) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, refPrefix) {
			return val, nil
		}
		res := gjson.GetBytes(refDoc, val[len(refPrefix):])
		if !res.Exists() {
			return nil, fmt.Errorf("input reference %q does not resolve", val)
		}
		return res.Value(), nil
	case map[string]any:
		return resolveInput(val, refDoc)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveValue(item, refDoc)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}
