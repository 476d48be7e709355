package plan

import (
	"errors"
	"sort"
	"time"

	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/step"
)

// Defaults are applied to steps that do not set their own timeout or retry
// policy.
type Defaults struct {
	StepTimeout time.Duration
	Retry       RetryPolicy
}

// Builder turns definitions into plans using the kinds of a registry.
type Builder struct {
	registry *step.Registry
	defaults Defaults
}

// NewBuilder creates a builder. Zero retry defaults fall back to DefaultRetry.
func NewBuilder(registry *step.Registry, defaults Defaults) *Builder {
	if defaults.Retry == (RetryPolicy{}) {
		defaults.Retry = DefaultRetry
	}
	defaults.Retry = defaults.Retry.normalized()
	return &Builder{registry: registry, defaults: defaults}
}

// Registry returns the kind registry used by the builder.
func (b *Builder) Registry() *step.Registry {
	return b.registry
}

// Build validates def and returns its plan. Every returned error satisfies
// errors.Is(err, ErrInvalid).
func (b *Builder) Build(def *definition.Definition) (*Plan, error) {
	if def == nil {
		return nil, &definition.SchemaError{Problems: []string{"definition is empty"}}
	}

	p := &Plan{
		Name:           def.Name,
		Description:    def.Description,
		Params:         make(map[string]Param, len(def.Params)),
		MaxConcurrency: def.Concurrency,
		Timeout:        def.Timeout.Std(),
		Environment:    copyStrings(def.Environment),
		Workdir:        def.Workdir,
		steps:          make(map[string]*StepSpec, len(def.Steps)),
		dependents:     make(map[string][]string, len(def.Steps)),
	}
	for name, param := range def.Params {
		p.Params[name] = Param{
			Name:        name,
			Default:     param.Default,
			Required:    param.Required,
			Description: param.Description,
		}
	}

	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, dup := index[s.Name]; dup {
			return nil, &DuplicateStepError{Name: s.Name}
		}
		index[s.Name] = i
		p.order = append(p.order, s.Name)
	}

	for _, s := range def.Steps {
		spec, err := b.buildStep(p, index, s)
		if err != nil {
			return nil, err
		}
		p.steps[s.Name] = spec
	}

	for _, name := range p.order {
		for _, dep := range p.steps[name].DependsOn {
			p.dependents[dep] = append(p.dependents[dep], name)
		}
	}

	levels, err := layer(p, index)
	if err != nil {
		return nil, err
	}
	p.levels = levels
	return p, nil
}

func (b *Builder) buildStep(p *Plan, index map[string]int, s definition.Step) (*StepSpec, error) {
	if !b.registry.Has(s.Kind) {
		return nil, &UnknownKindError{Step: s.Name, Kind: s.Kind}
	}

	deps := make(map[string]bool)
	for _, dep := range s.DependsOn {
		if _, ok := index[dep]; !ok {
			return nil, &UnknownReferenceError{
				Step:   s.Name,
				Ref:    dep,
				Reason: "depends_on names a step that does not exist",
			}
		}
		deps[dep] = true
	}

	names := make([]string, 0, len(s.Inputs))
	for name := range s.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	inputs := make([]Input, 0, len(names))
	for _, name := range names {
		in, err := parseInput(name, s.Inputs[name])
		if err != nil {
			var bad *malformedRefError
			if errors.As(err, &bad) {
				return nil, &UnknownReferenceError{Step: s.Name, Input: name, Ref: bad.expr, Reason: bad.reason}
			}
			return nil, err
		}
		for _, ref := range in.Refs() {
			if ref.Step != "" {
				if _, ok := index[ref.Step]; !ok {
					return nil, &UnknownReferenceError{
						Step:   s.Name,
						Input:  name,
						Ref:    ref.String(),
						Reason: "no such step",
					}
				}
				deps[ref.Step] = true
				continue
			}
			if _, ok := p.Params[ref.Param]; !ok {
				return nil, &UnknownReferenceError{
					Step:   s.Name,
					Input:  name,
					Ref:    ref.String(),
					Reason: "no such param",
				}
			}
		}
		inputs = append(inputs, in)
	}

	instance, err := b.registry.New(s.Kind, step.Spec{
		Name:   s.Name,
		Config: step.Config(s.With),
		Inputs: names,
	})
	if err != nil {
		return nil, &StepConfigError{Step: s.Name, Kind: s.Kind, Err: err}
	}

	dependsOn := make([]string, 0, len(deps))
	for dep := range deps {
		dependsOn = append(dependsOn, dep)
	}
	sort.Slice(dependsOn, func(i, j int) bool {
		return index[dependsOn[i]] < index[dependsOn[j]]
	})

	timeout := b.defaults.StepTimeout
	if s.Timeout > 0 {
		timeout = s.Timeout.Std()
	}

	return &StepSpec{
		Name:              s.Name,
		Kind:              s.Kind,
		Step:              instance,
		Inputs:            inputs,
		DependsOn:         dependsOn,
		Timeout:           timeout,
		Retry:             b.retryPolicy(s.Retry, step.IsIdempotent(instance)),
		ContinueOnFailure: s.ContinueOnFailure,
		Required:          s.Required,
	}, nil
}

// retryPolicy layers an explicit step policy over the defaults. Steps that
// are unsafe to repeat get a single attempt unless attempts are explicit.
func (b *Builder) retryPolicy(r *definition.Retry, idempotent bool) RetryPolicy {
	policy := b.defaults.Retry
	if !idempotent {
		policy.MaxAttempts = 1
	}
	if r == nil {
		return policy
	}
	if r.Attempts > 0 {
		policy.MaxAttempts = r.Attempts
	}
	if r.Backoff > 0 {
		policy.InitialBackoff = r.Backoff.Std()
	}
	if r.MaxBackoff > 0 {
		policy.MaxBackoff = r.MaxBackoff.Std()
	}
	if r.Multiplier > 0 {
		policy.Multiplier = r.Multiplier
	}
	return policy.normalized()
}

// layer assigns steps to levels with Kahn's algorithm. Steps left over form
// at least one cycle, which is reported.
func layer(p *Plan, index map[string]int) ([][]string, error) {
	indegree := make(map[string]int, len(p.order))
	for _, name := range p.order {
		indegree[name] = len(p.steps[name].DependsOn)
	}

	var current []string
	for _, name := range p.order {
		if indegree[name] == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	placed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range p.dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			return index[next[i]] < index[next[j]]
		})
		current = next
	}

	if placed < len(p.order) {
		return nil, &CyclicDependencyError{Steps: findCycle(p, indegree)}
	}
	return levels, nil
}

// findCycle walks the dependency edges of unplaced steps depth-first and
// returns the first cycle found, in dependency order.
func findCycle(p *Plan, indegree map[string]int) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range p.steps[name].DependsOn {
			if indegree[dep] == 0 {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range p.order {
		if indegree[name] > 0 && state[name] == unvisited {
			if visit(name) {
				break
			}
		}
	}

	// Present the cycle in execution order: each step depends on the one
	// before it.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
