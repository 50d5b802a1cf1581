package persistence

import "encoding/json"

// EncodeValue serializes a step output or input payload as JSON. Nil
// stays nil so nullable columns round-trip cleanly.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodeValue deserializes a JSON payload into T. Empty input yields
// the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
