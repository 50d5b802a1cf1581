package api

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow is a named workflow definition: an ordered set of steps plus the
// dependency edges declared on each step.
type Flow struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Steps       []Step `yaml:"nodes"`

	// Retry is the flow-level default retry policy. Steps without their
	// own policy inherit it; when nil, steps run with a single attempt.
	Retry *RetryPolicy `yaml:"retry,omitempty"`
}

// Step is a single unit of work within a flow, bound to a handler kind.
type Step struct {
	ID        string   `yaml:"id"`
	Kind      string   `yaml:"kind"`
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Retry overrides the flow-level policy for this step.
	Retry *RetryPolicy `yaml:"retry,omitempty"`

	// Compensate names the handler kind invoked with this step's recorded
	// output when the flow rolls back. Empty means no compensation.
	Compensate string `yaml:"compensate,omitempty"`

	// Input is the payload handed to the handler. String values of the
	// form "$.steps.<id>.output..." are resolved against prior step
	// outputs before invocation.
	Input map[string]any `yaml:"input,omitempty"`

	// Timeout bounds a single invocation attempt. Exceeding it counts as
	// a handler failure and consumes a retry attempt. Zero means none.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// RetryPolicy controls how a step is retried when its handler fails.
// MaxAttempts includes the first attempt, so MaxAttempts = 1 means no
// retries. The delay before attempt n+1 is Backoff * 2^(n-1), capped at
// MaxBackoff when set, plus a uniform random jitter in [0, Jitter].
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
	Jitter      time.Duration `yaml:"jitter,omitempty"`
}

// flowFile mirrors the external YAML surface, where backoff is expressed
// in seconds rather than Go durations.
type flowFile struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Nodes       []stepFile `yaml:"nodes"`
	Retry       *retryFile `yaml:"retry"`
}

type stepFile struct {
	ID             string         `yaml:"id"`
	Kind           string         `yaml:"kind"`
	DependsOn      []string       `yaml:"depends_on"`
	Retry          *retryFile     `yaml:"retry"`
	Compensate     string         `yaml:"compensate"`
	Input          map[string]any `yaml:"input"`
	TimeoutSeconds float64        `yaml:"timeout_seconds"`
}

type retryFile struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffSeconds    float64 `yaml:"backoff_seconds"`
	MaxBackoffSeconds float64 `yaml:"max_backoff_seconds"`
	JitterSeconds     float64 `yaml:"jitter_seconds"`
}

func (r *retryFile) policy() *RetryPolicy {
	if r == nil {
		return nil
	}
	return &RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Backoff:     secondsToDuration(r.BackoffSeconds),
		MaxBackoff:  secondsToDuration(r.MaxBackoffSeconds),
		Jitter:      secondsToDuration(r.JitterSeconds),
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ParseFlow decodes a YAML flow definition and validates its structural
// invariants: a non-empty flow id, non-empty unique step ids, a handler
// kind per step, and sane retry policies. Dependency resolution and
// cycle detection are the graph builder's job, not the parser's.
func ParseFlow(data []byte) (*Flow, error) {
	var ff flowFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, &ParseError{Err: err}
	}

	if ff.ID == "" {
		return nil, &ParseError{Err: fmt.Errorf("flow id is required")}
	}
	if len(ff.Nodes) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("flow %q has no steps", ff.ID)}
	}

	flow := &Flow{
		ID:          ff.ID,
		Description: ff.Description,
		Retry:       ff.Retry.policy(),
		Steps:       make([]Step, 0, len(ff.Nodes)),
	}

	seen := make(map[string]struct{}, len(ff.Nodes))
	for _, n := range ff.Nodes {
		if n.ID == "" {
			return nil, &ParseError{Err: fmt.Errorf("flow %q: step with empty id", ff.ID)}
		}
		if _, dup := seen[n.ID]; dup {
			return nil, &ParseError{Err: fmt.Errorf("flow %q: duplicate step id %q", ff.ID, n.ID)}
		}
		seen[n.ID] = struct{}{}
		if n.Kind == "" {
			return nil, &ParseError{Err: fmt.Errorf("flow %q: step %q has no kind", ff.ID, n.ID)}
		}

		step := Step{
			ID:         n.ID,
			Kind:       n.Kind,
			DependsOn:  n.DependsOn,
			Retry:      n.Retry.policy(),
			Compensate: n.Compensate,
			Input:      n.Input,
			Timeout:    secondsToDuration(n.TimeoutSeconds),
		}
		flow.Steps = append(flow.Steps, step)
	}

	for _, p := range []*RetryPolicy{flow.Retry} {
		if p != nil && p.MaxAttempts < 1 {
			return nil, &ParseError{Err: fmt.Errorf("flow %q: retry max_attempts must be >= 1", ff.ID)}
		}
	}
	for _, s := range flow.Steps {
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			return nil, &ParseError{Err: fmt.Errorf("flow %q: step %q: retry max_attempts must be >= 1", ff.ID, s.ID)}
		}
	}

	return flow, nil
}

// MarshalFlow encodes a flow back to its YAML wire form, suitable for
// embedding in a ScheduledTask record.
func MarshalFlow(f *Flow) ([]byte, error) {
	ff := flowFile{
		ID:          f.ID,
		Description: f.Description,
		Retry:       policyToFile(f.Retry),
		Nodes:       make([]stepFile, 0, len(f.Steps)),
	}
	for _, s := range f.Steps {
		ff.Nodes = append(ff.Nodes, stepFile{
			ID:             s.ID,
			Kind:           s.Kind,
			DependsOn:      s.DependsOn,
			Retry:          policyToFile(s.Retry),
			Compensate:     s.Compensate,
			Input:          s.Input,
			TimeoutSeconds: s.Timeout.Seconds(),
		})
	}
	return yaml.Marshal(ff)
}

func policyToFile(p *RetryPolicy) *retryFile {
	if p == nil {
		return nil
	}
	return &retryFile{
		MaxAttempts:       p.MaxAttempts,
		BackoffSeconds:    p.Backoff.Seconds(),
		MaxBackoffSeconds: p.MaxBackoff.Seconds(),
		JitterSeconds:     p.Jitter.Seconds(),
	}
}

// Step returns the step with the given id, or nil.
func (f *Flow) Step(id string) *Step {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i]
		}
	}
	return nil
}

// EffectiveRetry resolves the retry policy for a step: the step's own
// policy, else the flow default, else a single attempt.
func (f *Flow) EffectiveRetry(s *Step) RetryPolicy {
	switch {
	case s.Retry != nil:
		return *s.Retry
	case f.Retry != nil:
		return *f.Retry
	default:
		return RetryPolicy{MaxAttempts: 1}
	}
}
