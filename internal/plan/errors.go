package plan

import (
	"fmt"
	"strings"

	"github.com/go-idp/pipeline/internal/definition"
)

// ErrInvalid is matched by every error that rejects a definition or its
// parameters before any step runs.
var ErrInvalid = definition.ErrInvalid

// DuplicateStepError reports two steps with the same name.
type DuplicateStepError struct {
	Name string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step name %q", e.Name)
}

func (e *DuplicateStepError) Is(target error) bool { return target == ErrInvalid }

// UnknownReferenceError reports a reference to a step or param that does not
// exist, or a malformed reference expression.
type UnknownReferenceError struct {
	Step   string
	Input  string
	Ref    string
	Reason string
}

func (e *UnknownReferenceError) Error() string {
	where := fmt.Sprintf("step %q", e.Step)
	if e.Input != "" {
		where += fmt.Sprintf(" input %q", e.Input)
	}
	return fmt.Sprintf("%s: unknown reference %q: %s", where, e.Ref, e.Reason)
}

func (e *UnknownReferenceError) Is(target error) bool { return target == ErrInvalid }

// CyclicDependencyError names the steps forming a dependency cycle, in
// dependency order.
type CyclicDependencyError struct {
	Steps []string
}

func (e *CyclicDependencyError) Error() string {
	path := append(append([]string(nil), e.Steps...), e.Steps[0])
	return "dependency cycle: " + strings.Join(path, " -> ")
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrInvalid }

// UnknownKindError reports a step whose kind is not registered.
type UnknownKindError struct {
	Step string
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("step %q: unknown kind %q", e.Step, e.Kind)
}

func (e *UnknownKindError) Is(target error) bool { return target == ErrInvalid }

// StepConfigError reports a step configuration rejected by its kind.
type StepConfigError struct {
	Step string
	Kind string
	Err  error
}

func (e *StepConfigError) Error() string {
	return fmt.Sprintf("step %q (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *StepConfigError) Unwrap() error { return e.Err }

func (e *StepConfigError) Is(target error) bool { return target == ErrInvalid }

// MissingParamError reports a required param without a value or default.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing required param %q", e.Name)
}

func (e *MissingParamError) Is(target error) bool { return target == ErrInvalid }

// UnknownParamError reports a value for a param the pipeline does not declare.
type UnknownParamError struct {
	Name string
}

func (e *UnknownParamError) Error() string {
	return fmt.Sprintf("unknown param %q", e.Name)
}

func (e *UnknownParamError) Is(target error) bool { return target == ErrInvalid }
