package gantry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryflow/gantry/pkg/api"
)

func TestRegistryInvoke(t *testing.T) {
	reg := NewRegistry().Register("greet", func(ctx context.Context, input map[string]any, key string) (any, error) {
		return "hello " + input["name"].(string), nil
	})

	assert.True(t, reg.Has("greet"))
	assert.False(t, reg.Has("other"))

	out, err := reg.Invoke(context.Background(), "greet", map[string]any{"name": "ada"}, "k1")
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)

	_, err = reg.Invoke(context.Background(), "other", nil, "k1")
	assert.ErrorIs(t, err, api.ErrUnknownKind)
}

func TestRegistryCompensate(t *testing.T) {
	var got any
	reg := NewRegistry().RegisterCompensation("undo", func(ctx context.Context, out any) error {
		got = out
		return nil
	})

	require.NoError(t, reg.Compensate(context.Background(), "undo", "recorded"))
	assert.Equal(t, "recorded", got)

	err := reg.Compensate(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, api.ErrUnknownKind)
}

func TestRegistryKinds(t *testing.T) {
	reg := NewRegistry().
		Register("b", func(ctx context.Context, in map[string]any, k string) (any, error) { return nil, nil }).
		Register("a", func(ctx context.Context, in map[string]any, k string) (any, error) { return nil, nil })

	assert.Equal(t, []string{"a", "b"}, reg.Kinds())
}

func TestRegistryPanicsOnMisuse(t *testing.T) {
	assert.Panics(t, func() { NewRegistry().Register("", nil) })
	assert.Panics(t, func() { NewRegistry().Register("x", nil) })
	assert.Panics(t, func() { NewRegistry().RegisterCompensation("x", nil) })
}

func TestBuiltinNoop(t *testing.T) {
	reg := NewRegistry().WithBuiltins()
	in := map[string]any{"a": 1}
	out, err := reg.Invoke(context.Background(), "noop", in, "k")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBuiltinSleepHonorsCancellation(t *testing.T) {
	reg := NewRegistry().WithBuiltins()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := reg.Invoke(ctx, "sleep", map[string]any{"seconds": 10}, "k")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBuiltinFailTest(t *testing.T) {
	reg := NewRegistry().WithBuiltins()

	// Without fail_times it always fails.
	_, err := reg.Invoke(context.Background(), "fail_test", map[string]any{"message": "nope"}, "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	_, err = reg.Invoke(context.Background(), "fail_test", map[string]any{"message": "nope"}, "k1")
	require.Error(t, err)

	// With fail_times it succeeds after n failures for the same key.
	in := map[string]any{"fail_times": 2}
	_, err = reg.Invoke(context.Background(), "fail_test", in, "k2")
	require.Error(t, err)
	_, err = reg.Invoke(context.Background(), "fail_test", in, "k2")
	require.Error(t, err)
	out, err := reg.Invoke(context.Background(), "fail_test", in, "k2")
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// A different key starts its own count.
	_, err = reg.Invoke(context.Background(), "fail_test", in, "k3")
	require.Error(t, err)
}
