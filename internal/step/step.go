package step

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Inputs are the resolved input values handed to a step, keyed by input name.
type Inputs map[string]any

// Config is the kind-specific configuration of a step (the definition's
// "with" block).
type Config map[string]any

// Step is one executable unit of work. Run must honor ctx cancellation and
// return a JSON-compatible output.
type Step interface {
	Run(ctx context.Context, in Inputs) (any, error)
}

// Idempotent is implemented by steps that know whether re-running them after
// a failure is safe. Steps without it are treated as idempotent.
type Idempotent interface {
	Idempotent() bool
}

// IsIdempotent reports whether s may be retried.
func IsIdempotent(s Step) bool {
	if i, ok := s.(Idempotent); ok {
		return i.Idempotent()
	}
	return true
}

// Func adapts a plain function to the Step interface.
type Func func(ctx context.Context, in Inputs) (any, error)

// Run calls f.
func (f Func) Run(ctx context.Context, in Inputs) (any, error) {
	return f(ctx, in)
}

// Spec is what a kind factory receives when a plan is built.
type Spec struct {
	// Name is the step name within its pipeline.
	Name string
	// Config is the step's "with" block.
	Config Config
	// Inputs lists the declared input names in sorted order.
	Inputs []string
}

// Decode copies the config into v, which should be a pointer to a struct with
// json tags. Unknown keys are rejected.
func (c Config) Decode(v any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// RunInfo describes the surrounding execution of a step attempt.
type RunInfo struct {
	RunID       string
	Pipeline    string
	Step        string
	Attempt     int
	Environment map[string]string
	Workdir     string
	GracePeriod time.Duration
	Depth       int

	// Log is invoked once per output line produced by the step. It is safe
	// for concurrent use.
	Log func(line string)
}

type runInfoKey struct{}

// WithRunInfo returns a context carrying info.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFrom returns the RunInfo carried by ctx, or a zero value with a
// no-op Log.
func RunInfoFrom(ctx context.Context) RunInfo {
	info, _ := ctx.Value(runInfoKey{}).(RunInfo)
	if info.Log == nil {
		info.Log = func(string) {}
	}
	return info
}
