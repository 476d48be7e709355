package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/step"
)

const (
	defaultMaxConcurrency = 4
	defaultGracePeriod    = 5 * time.Second
)

var (
	// ErrRunTimeout is the cancellation cause when a run exceeds its timeout.
	ErrRunTimeout = errors.New("run timed out")
	// ErrRequiredStepFailed is the cancellation cause when a required step
	// fails and the remaining steps are stopped.
	ErrRequiredStepFailed = errors.New("required step failed")
	// ErrAbandoned is reported for a step that did not return within the
	// grace period after cancellation.
	ErrAbandoned = errors.New("step abandoned after grace period")
	// ErrOutputNotEncodable is reported for a step whose output has no JSON
	// encoding, such as NaN.
	ErrOutputNotEncodable = errors.New("step output is not JSON encodable")
)

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency bounds simultaneously running steps of one run. Plans
// that set their own concurrency override it.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) { e.maxConcurrency = n }
}

// WithGracePeriod sets how long a cancelled step may take to return before
// it is abandoned.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.gracePeriod = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor runs plans. It holds no per-run state and may execute many plans
// concurrently.
type Executor struct {
	maxConcurrency int
	gracePeriod    time.Duration
	logger         *slog.Logger
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		maxConcurrency: defaultMaxConcurrency,
		gracePeriod:    defaultGracePeriod,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.gracePeriod <= 0 {
		e.gracePeriod = defaultGracePeriod
	}
	return e
}

// GracePeriod returns the configured grace period.
func (e *Executor) GracePeriod() time.Duration { return e.gracePeriod }

// run is the orchestration state of one Execute call.
type run struct {
	plan   *plan.Plan
	ec     *ExecutionContext
	params map[string]any
	env    map[string]string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	abortedBy string
	abortErr  string
}

// Execute runs p to completion within ec and returns the aggregate result.
// An error is returned only when the run could not start: params that do not
// bind to the plan, or an ExecutionContext that was already used.
func (e *Executor) Execute(p *plan.Plan, ec *ExecutionContext) (*model.AggregateResult, error) {
	params, err := p.BindParams(ec.params)
	if err != nil {
		return nil, err
	}
	if err := ec.begin(); err != nil {
		return nil, err
	}

	ctx := ec.ctx
	timeout := p.Timeout
	if ec.timeout > 0 && (timeout <= 0 || ec.timeout < timeout) {
		timeout = ec.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrRunTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	env := maps.Clone(p.Environment)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, ec.environment)

	r := &run{
		plan:   p,
		ec:     ec,
		params: params,
		env:    env,
		logger: e.logger.With("run_id", ec.runID, "pipeline", p.Name),
		ctx:    ctx,
		cancel: cancel,
	}

	agg := &model.AggregateResult{
		RunID:     ec.runID,
		Pipeline:  p.Name,
		StartedAt: time.Now().UTC(),
	}
	r.logger.Info("run started", "steps", p.Len())

	limit := p.MaxConcurrency
	if limit <= 0 {
		limit = e.maxConcurrency
	}
	if limit <= 0 {
		limit = max(p.Len(), 1)
	}
	sem := semaphore.NewWeighted(int64(limit))

	for _, level := range p.Levels() {
		var wg sync.WaitGroup
		for _, name := range level {
			spec, _ := p.Step(name)

			if status, reason, stop := r.precheck(spec); stop {
				r.record(spec, model.StepResult{Status: status, Reason: reason})
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				status, reason := r.stoppedStatus()
				r.record(spec, model.StepResult{Status: status, Reason: reason})
				continue
			}

			wg.Go(func() {
				defer sem.Release(1)
				res := e.runStep(r, spec)
				r.record(spec, res)
				if res.Status == model.StepFailed && spec.Required {
					r.abort(spec.Name, res.Error)
				}
			})
		}
		wg.Wait()
	}

	agg.Steps = ec.Results()
	agg.FinishedAt = time.Now().UTC()
	agg.Status, agg.Error = r.aggregate(agg.Steps)

	r.logger.Info("run finished",
		"status", agg.Status,
		"duration_ms", agg.FinishedAt.Sub(agg.StartedAt).Milliseconds(),
		"succeeded", agg.Count(model.StepSucceeded),
		"failed", agg.Count(model.StepFailed),
		"skipped", agg.Count(model.StepSkipped),
		"cancelled", agg.Count(model.StepCancelled),
	)

	res := *agg
	ec.Emit(model.Event{Type: model.EventRunResult, Status: agg.Status, Result: &res})
	return agg, nil
}

// precheck decides whether a step must not be started. A cancelled
// dependency cancels the step; a skipped dependency, or a failed one that
// does not continue on failure, skips it.
func (r *run) precheck(spec *plan.StepSpec) (model.StepStatus, string, bool) {
	if r.ctx.Err() != nil {
		status, reason := r.stoppedStatus()
		return status, reason, true
	}

	var skipReason string
	for _, dep := range spec.DependsOn {
		res, _ := r.ec.Result(dep)
		switch res.Status {
		case model.StepCancelled:
			return model.StepCancelled, fmt.Sprintf("dependency %q was cancelled", dep), true
		case model.StepSkipped:
			if skipReason == "" {
				skipReason = fmt.Sprintf("dependency %q was skipped", dep)
			}
		case model.StepFailed:
			depSpec, _ := r.plan.Step(dep)
			if !depSpec.ContinueOnFailure && skipReason == "" {
				skipReason = fmt.Sprintf("dependency %q failed", dep)
			}
		}
	}
	if skipReason != "" {
		return model.StepSkipped, skipReason, true
	}
	return "", "", false
}

// stoppedStatus is the status of a step that is not started because the run
// is stopping.
func (r *run) stoppedStatus() (model.StepStatus, string) {
	r.mu.Lock()
	abortedBy := r.abortedBy
	r.mu.Unlock()
	if abortedBy != "" {
		return model.StepSkipped, fmt.Sprintf("run aborted: required step %q failed", abortedBy)
	}
	return model.StepCancelled, r.cancelReason()
}

func (r *run) cancelReason() string {
	if errors.Is(context.Cause(r.ctx), ErrRunTimeout) {
		return "run timed out"
	}
	return "run cancelled"
}

func (r *run) abort(stepName, errText string) {
	r.mu.Lock()
	if r.abortedBy == "" {
		r.abortedBy = stepName
		r.abortErr = errText
	}
	r.mu.Unlock()
	r.logger.Warn("required step failed, aborting run", "step", stepName, "error", errText)
	r.cancel(ErrRequiredStepFailed)
}

func (r *run) record(spec *plan.StepSpec, res model.StepResult) {
	res.Name = spec.Name
	res.Kind = spec.Kind
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now().UTC()
	}
	if !r.ec.record(res) {
		r.logger.Error("duplicate step result ignored", "step", spec.Name)
		return
	}

	attrs := []any{"step", spec.Name, "status", res.Status, "attempts", res.Attempts}
	switch res.Status {
	case model.StepFailed:
		r.logger.Warn("step finished", append(attrs, "error", res.Error)...)
	case model.StepSkipped, model.StepCancelled:
		r.logger.Info("step finished", append(attrs, "reason", res.Reason)...)
	default:
		r.logger.Info("step finished", append(attrs, "duration_ms", res.Duration().Milliseconds())...)
	}
}

// aggregate derives the run status: a required-step abort fails the run;
// otherwise any cancelled step cancels it; otherwise any failed step that
// does not continue on failure fails it.
func (r *run) aggregate(results []model.StepResult) (model.RunStatus, string) {
	r.mu.Lock()
	abortedBy, abortErr := r.abortedBy, r.abortErr
	r.mu.Unlock()
	if abortedBy != "" {
		return model.RunFailed, fmt.Sprintf("required step %q failed: %s", abortedBy, abortErr)
	}

	for _, res := range results {
		if res.Status == model.StepCancelled {
			return model.RunCancelled, r.cancelReason()
		}
	}
	if len(results) == 0 && r.ctx.Err() != nil {
		return model.RunCancelled, r.cancelReason()
	}

	for _, res := range results {
		if res.Status != model.StepFailed {
			continue
		}
		if spec, _ := r.plan.Step(res.Name); !spec.ContinueOnFailure {
			return model.RunFailed, fmt.Sprintf("step %q failed: %s", res.Name, res.Error)
		}
	}
	return model.RunSucceeded, ""
}

// runStep resolves inputs and runs the step with its retry policy.
func (e *Executor) runStep(r *run, spec *plan.StepSpec) model.StepResult {
	res := model.StepResult{StartedAt: time.Now().UTC()}
	r.ec.Emit(model.Event{Type: model.EventStepStarted, Name: spec.Name})

	inputs, err := resolveInputs(r.plan, spec, r.ec, r.params)
	if err != nil {
		res.Status = model.StepFailed
		res.Error = err.Error()
		return res
	}

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		output, err := e.attempt(r, spec, inputs, attempt)
		res.Output = output
		res.FinishedAt = time.Now().UTC()

		if err == nil {
			res.Status = model.StepSucceeded
			return res
		}
		res.Error = err.Error()

		if r.ctx.Err() != nil {
			status, reason := r.stoppedStatus()
			if status == model.StepSkipped {
				// In flight when a required sibling failed.
				status, reason = model.StepCancelled, fmt.Sprintf("run aborted: required step %q failed", r.abortedStep())
			}
			res.Status, res.Reason = status, reason
			return res
		}
		if attempt >= spec.Retry.MaxAttempts {
			res.Status = model.StepFailed
			return res
		}

		delay := spec.Retry.Backoff(attempt)
		r.logger.Warn("step attempt failed, retrying",
			"step", spec.Name, "attempt", attempt, "backoff", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			res.Status, res.Reason = r.stoppedStatus()
			if res.Status == model.StepSkipped {
				res.Status = model.StepCancelled
			}
			return res
		}
	}
}

func (r *run) abortedStep() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortedBy
}

type outcome struct {
	output any
	err    error
}

// attempt invokes the step once. A step that does not return within the
// grace period after its context ends is abandoned.
func (e *Executor) attempt(r *run, spec *plan.StepSpec, inputs step.Inputs, attempt int) (any, error) {
	ctx := r.ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var (
		finishedMu sync.Mutex
		finished   bool
	)
	ctx = step.WithRunInfo(ctx, step.RunInfo{
		RunID:       r.ec.runID,
		Pipeline:    r.plan.Name,
		Step:        spec.Name,
		Attempt:     attempt,
		Environment: r.env,
		Workdir:     r.workdir(),
		GracePeriod: e.gracePeriod,
		Depth:       r.ec.depth,
		Log: func(line string) {
			finishedMu.Lock()
			defer finishedMu.Unlock()
			if finished {
				return
			}
			r.ec.Emit(model.Event{Type: model.EventStepLog, Name: spec.Name, Line: line})
		},
	})
	defer func() {
		finishedMu.Lock()
		finished = true
		finishedMu.Unlock()
	}()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("step panicked", "step", spec.Name, "panic", p, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		out, err := spec.Step.Run(ctx, maps.Clone(inputs))
		done <- outcome{output: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(e.gracePeriod)
		defer grace.Stop()
		select {
		case o = <-done:
		case <-grace.C:
			r.logger.Warn("step did not stop within grace period, abandoning", "step", spec.Name, "attempt", attempt)
			o = outcome{err: fmt.Errorf("%w: %w", ErrAbandoned, context.Cause(ctx))}
		}
	}

	if o.err != nil && r.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return o.output, fmt.Errorf("step timed out after %s: %w", spec.Timeout, o.err)
	}
	if o.err == nil && o.output != nil {
		// Results are persisted and streamed as JSON.
		if _, err := json.Marshal(o.output); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOutputNotEncodable, err)
		}
	}
	return o.output, o.err
}

func (r *run) workdir() string {
	if r.ec.workdir != "" {
		return r.ec.workdir
	}
	return r.plan.Workdir
}
