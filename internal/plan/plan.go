package plan

import (
	"math"
	"time"

	"github.com/go-idp/pipeline/internal/step"
)

// RetryPolicy controls how often a failing step is attempted and how long the
// executor waits between attempts.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	Multiplier     float64       `json:"multiplier"`
}

// DefaultRetry is used when the builder is given no retry defaults.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    1,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
}

// Backoff returns the delay after the given failed attempt (1-based):
// InitialBackoff * Multiplier^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultRetry.Multiplier
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// StepSpec is a validated step bound to its Step instance.
type StepSpec struct {
	Name              string
	Kind              string
	Step              step.Step
	Inputs            []Input
	DependsOn         []string
	Timeout           time.Duration
	Retry             RetryPolicy
	ContinueOnFailure bool
	Required          bool
}

// Param is a declared run parameter.
type Param struct {
	Name        string
	Default     any
	Required    bool
	Description string
}

// Plan is an acyclic, validated step graph with precomputed levels. A Plan
// is never modified after Build returns it and may be executed many times.
type Plan struct {
	Name           string
	Description    string
	Params         map[string]Param
	MaxConcurrency int
	Timeout        time.Duration
	Environment    map[string]string
	Workdir        string

	order      []string
	steps      map[string]*StepSpec
	dependents map[string][]string
	levels     [][]string
}

// Steps returns the step specs in definition order.
func (p *Plan) Steps() []*StepSpec {
	out := make([]*StepSpec, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.steps[name])
	}
	return out
}

// Step returns the named step spec.
func (p *Plan) Step(name string) (*StepSpec, bool) {
	s, ok := p.steps[name]
	return s, ok
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.order)
}

// Levels returns the execution layering: every step's dependencies are in
// earlier levels, and steps within a level keep definition order.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, level := range p.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Dependents returns the steps that directly depend on name.
func (p *Plan) Dependents(name string) []string {
	return append([]string(nil), p.dependents[name]...)
}

// BindParams merges values with the declared defaults. Values for undeclared
// params and required params without a value are rejected.
func (p *Plan) BindParams(values map[string]any) (map[string]any, error) {
	for _, name := range sortedKeys(values) {
		if _, ok := p.Params[name]; !ok {
			return nil, &UnknownParamError{Name: name}
		}
	}

	bound := make(map[string]any, len(p.Params))
	for _, name := range sortedKeys(p.Params) {
		param := p.Params[name]
		if v, ok := values[name]; ok {
			bound[name] = v
			continue
		}
		if param.Default != nil {
			bound[name] = param.Default
			continue
		}
		if param.Required {
			return nil, &MissingParamError{Name: name}
		}
	}
	return bound, nil
}
