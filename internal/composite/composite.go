// Package composite provides the "pipeline" step kind, which runs another
// pipeline definition as a single step of its parent.
package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/step"
)

// MaxDepth bounds how deeply pipelines may nest.
const MaxDepth = 8

// ErrMaxDepth is returned by a sub-pipeline step nested deeper than MaxDepth.
var ErrMaxDepth = errors.New("sub-pipeline nesting too deep")

type config struct {
	Definition map[string]any `json:"definition"`
	File       string         `json:"file"`
}

type pipelineStep struct {
	builder *plan.Builder
	exec    *executor.Executor

	// plan is set for inline definitions; file definitions are loaded when
	// the step runs.
	plan *plan.Plan
	file string
}

// Register adds the pipeline kind to the builder's registry. Child plans are
// built with builder and run on exec.
func Register(builder *plan.Builder, exec *executor.Executor) {
	builder.Registry().Register(Kind(builder, exec))
}

// Kind returns the pipeline step kind.
func Kind(builder *plan.Builder, exec *executor.Executor) step.Kind {
	return step.Kind{
		Name:        "pipeline",
		Description: "Run a nested pipeline; inputs become its params and the output maps step names to outputs",
		Factory: func(spec step.Spec) (step.Step, error) {
			return newPipelineStep(builder, exec, spec)
		},
	}
}

func newPipelineStep(builder *plan.Builder, exec *executor.Executor, spec step.Spec) (step.Step, error) {
	var cfg config
	if err := spec.Config.Decode(&cfg); err != nil {
		return nil, err
	}
	if (cfg.Definition == nil) == (cfg.File == "") {
		return nil, errors.New("exactly one of definition or file is required")
	}

	s := &pipelineStep{builder: builder, exec: exec, file: cfg.File}
	if cfg.Definition == nil {
		return s, nil
	}

	data, err := json.Marshal(cfg.Definition)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	def, err := definition.Load(data)
	if err != nil {
		return nil, err
	}
	child, err := builder.Build(def)
	if err != nil {
		return nil, fmt.Errorf("sub-pipeline %q: %w", def.Name, err)
	}
	for _, name := range spec.Inputs {
		if _, ok := child.Params[name]; !ok {
			return nil, fmt.Errorf("input %q is not a param of sub-pipeline %q", name, def.Name)
		}
	}
	s.plan = child
	return s, nil
}

// Idempotent reports whether every step of an inline sub-pipeline may be
// retried.
func (s *pipelineStep) Idempotent() bool {
	if s.plan == nil {
		return true
	}
	for _, child := range s.plan.Steps() {
		if !step.IsIdempotent(child.Step) {
			return false
		}
	}
	return true
}

func (s *pipelineStep) Run(ctx context.Context, in step.Inputs) (any, error) {
	info := step.RunInfoFrom(ctx)
	depth := info.Depth + 1
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds %d", ErrMaxDepth, depth, MaxDepth)
	}

	p, err := s.load(ctx, info)
	if err != nil {
		return nil, err
	}

	opts := []executor.ContextOption{
		executor.WithDepth(depth),
		executor.WithEnvironment(info.Environment),
		executor.WithEventSink(func(ev model.Event) {
			switch ev.Type {
			case model.EventStepLog:
				info.Log(fmt.Sprintf("[%s] %s", ev.Name, ev.Line))
			case model.EventStepResult:
				info.Log(fmt.Sprintf("[%s] %s", ev.Name, ev.Step.Status))
			}
		}),
	}
	if p.Workdir == "" {
		opts = append(opts, executor.WithWorkdir(info.Workdir))
	}

	ec := executor.NewExecutionContext(ctx, info.RunID+"/"+info.Step, in, opts...)
	agg, err := s.exec.Execute(p, ec)
	if err != nil {
		return nil, err
	}

	output := make(map[string]any, len(agg.Steps))
	for _, r := range agg.Steps {
		output[r.Name] = r.Output
	}

	switch agg.Status {
	case model.RunSucceeded:
		return output, nil
	case model.RunCancelled:
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, fmt.Errorf("sub-pipeline %q cancelled: %s", agg.Pipeline, agg.Error)
	default:
		return output, fmt.Errorf("sub-pipeline %q failed: %s", agg.Pipeline, agg.Error)
	}
}

func (s *pipelineStep) load(ctx context.Context, info step.RunInfo) (*plan.Plan, error) {
	if s.plan != nil {
		return s.plan, nil
	}

	ref := s.file
	if !definition.IsRemote(ref) && !filepath.IsAbs(ref) && info.Workdir != "" {
		ref = filepath.Join(info.Workdir, ref)
	}
	def, err := definition.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(def)
}
