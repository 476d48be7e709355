package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/step"
)

// UnresolvedInputError reports an input whose referenced value is missing
// and that declares no default. The step is failed without being invoked.
type UnresolvedInputError struct {
	Step   string
	Input  string
	Ref    string
	Reason string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("step %q input %q: cannot resolve %s: %s", e.Step, e.Input, e.Ref, e.Reason)
}

// lookup is the outcome of reading one reference.
type lookup struct {
	value any
	found bool
	// optional is set when a missing value may be replaced by nil: an unset
	// optional param or the output of a failed continue_on_failure step.
	optional bool
	reason   string
}

func resolveInputs(p *plan.Plan, spec *plan.StepSpec, ec *ExecutionContext, params map[string]any) (step.Inputs, error) {
	inputs := make(step.Inputs, len(spec.Inputs))
	for _, in := range spec.Inputs {
		v, err := resolveInput(p, spec.Name, in, ec, params)
		if err != nil {
			return nil, err
		}
		inputs[in.Name] = v
	}
	return inputs, nil
}

func resolveInput(p *plan.Plan, stepName string, in plan.Input, ec *ExecutionContext, params map[string]any) (any, error) {
	if in.Segments == nil {
		return in.Value, nil
	}

	unresolved := func(ref plan.Ref, reason string) error {
		return &UnresolvedInputError{Step: stepName, Input: in.Name, Ref: ref.String(), Reason: reason}
	}

	if ref, whole := in.Whole(); whole {
		l := read(p, ref, ec, params)
		switch {
		case l.found:
			return l.value, nil
		case in.HasDefault:
			return in.Default, nil
		case l.optional:
			return nil, nil
		default:
			return nil, unresolved(ref, l.reason)
		}
	}

	var b strings.Builder
	for _, seg := range in.Segments {
		if seg.Ref == nil {
			b.WriteString(seg.Text)
			continue
		}
		l := read(p, *seg.Ref, ec, params)
		switch {
		case l.found:
			b.WriteString(step.Text(l.value))
		case in.HasDefault:
			return in.Default, nil
		case l.optional:
		default:
			return nil, unresolved(*seg.Ref, l.reason)
		}
	}
	return b.String(), nil
}

func read(p *plan.Plan, ref plan.Ref, ec *ExecutionContext, params map[string]any) lookup {
	if ref.Step == "" {
		v, ok := params[ref.Param]
		if !ok {
			return lookup{optional: true, reason: "param has no value"}
		}
		return lookup{value: v, found: true}
	}

	res, ok := ec.Result(ref.Step)
	if !ok {
		return lookup{reason: "step has not finished"}
	}
	if res.Status != model.StepSucceeded {
		dep, _ := p.Step(ref.Step)
		return lookup{
			optional: res.Status == model.StepFailed && dep != nil && dep.ContinueOnFailure,
			reason:   fmt.Sprintf("step %s", res.Status),
		}
	}
	if ref.Path == "" {
		return lookup{value: res.Output, found: true}
	}

	data, err := json.Marshal(res.Output)
	if err != nil {
		return lookup{reason: fmt.Sprintf("output is not JSON: %v", err)}
	}
	r := gjson.GetBytes(data, ref.Path)
	if !r.Exists() {
		return lookup{reason: fmt.Sprintf("path %q not found in output", ref.Path)}
	}
	return lookup{value: r.Value(), found: true}
}
