package gantry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantryflow/gantry/pkg/api"
)

// Registry is the default api.Registry implementation: a concurrent
// map from handler kind to handler, with optional compensation
// bindings per kind.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	comps     map[string]CompensateFunc
	failCount map[string]int
}

var _ api.Registry = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]HandlerFunc),
		comps:     make(map[string]CompensateFunc),
		failCount: make(map[string]int),
	}
}

// Register binds a handler to kind, replacing any previous binding.
// It returns the Registry for chaining.
func (r *Registry) Register(kind string, fn HandlerFunc) *Registry {
	if kind == "" {
		panic("gantry: handler kind must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("gantry: handler %q is nil", kind))
	}
	r.mu.Lock()
	r.handlers[kind] = fn
	r.mu.Unlock()
	return r
}

// RegisterCompensation binds a compensation handler to kind. The
// handler receives the recorded output of the step being rolled back.
func (r *Registry) RegisterCompensation(kind string, fn CompensateFunc) *Registry {
	if kind == "" {
		panic("gantry: compensation kind must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("gantry: compensation handler %q is nil", kind))
	}
	r.mu.Lock()
	r.comps[kind] = fn
	r.mu.Unlock()
	return r
}

// Invoke runs the handler bound to kind.
func (r *Registry) Invoke(ctx context.Context, kind string, input map[string]any, idempotencyKey string) (any, error) {
	r.mu.RLock()
	fn, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownKind, kind)
	}
	return fn(ctx, input, idempotencyKey)
}

// Compensate runs the compensation handler bound to kind.
func (r *Registry) Compensate(ctx context.Context, kind string, recordedOutput any) error {
	r.mu.RLock()
	fn, ok := r.comps[kind]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", api.ErrUnknownKind, kind)
	}
	return fn(ctx, recordedOutput)
}

// Has reports whether a handler is bound to kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns all registered handler kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// WithBuiltins registers the built-in handler kinds and returns the
// Registry:
//
//   - "noop": returns its input unchanged.
//   - "sleep": sleeps input "seconds" (number), honoring cancellation,
//     then returns its input.
//   - "fail_test": fails with input "message" (default "injected
//     failure"). With input "fail_times" set to n, the handler fails
//     the first n invocations per idempotency key and succeeds after,
//     which makes retry behavior observable end to end.
func (r *Registry) WithBuiltins() *Registry {
	r.Register("noop", func(ctx context.Context, input map[string]any, key string) (any, error) {
		return input, nil
	})

	r.Register("sleep", func(ctx context.Context, input map[string]any, key string) (any, error) {
		seconds, _ := toFloat(input["seconds"])
		if seconds > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			}
		}
		return input, nil
	})

	r.Register("fail_test", func(ctx context.Context, input map[string]any, key string) (any, error) {
		msg := "injected failure"
		if m, ok := input["message"].(string); ok && m != "" {
			msg = m
		}
		failTimes, ok := toFloat(input["fail_times"])
		if !ok {
			return nil, fmt.Errorf("%s", msg)
		}

		r.mu.Lock()
		r.failCount[key]++
		n := r.failCount[key]
		r.mu.Unlock()

		if float64(n) <= failTimes {
			return nil, fmt.Errorf("%s (invocation %d)", msg, n)
		}
		return input, nil
	})

	return r
}

// toFloat widens the numeric types YAML and JSON decoding produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
