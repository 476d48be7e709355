package executor

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/go-idp/pipeline/internal/model"
)

// EventSink receives the events of a run in sequence order. It is never
// called concurrently for the same ExecutionContext.
type EventSink func(model.Event)

// ContextOption configures an ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithEventSink sets the function receiving the run's events.
func WithEventSink(sink EventSink) ContextOption {
	return func(ec *ExecutionContext) { ec.sink = sink }
}

// WithEnvironment sets variables exported to every step, on top of the
// plan's environment.
func WithEnvironment(env map[string]string) ContextOption {
	return func(ec *ExecutionContext) { ec.environment = maps.Clone(env) }
}

// WithWorkdir overrides the plan's working directory.
func WithWorkdir(dir string) ContextOption {
	return func(ec *ExecutionContext) { ec.workdir = dir }
}

// WithTimeout bounds the run. The shorter of this and the plan timeout wins.
func WithTimeout(d time.Duration) ContextOption {
	return func(ec *ExecutionContext) { ec.timeout = d }
}

// WithDepth sets the nesting depth of a sub-pipeline run.
func WithDepth(depth int) ContextOption {
	return func(ec *ExecutionContext) { ec.depth = depth }
}

// ExecutionContext is the state of one run: cancellation, params, the
// write-once step results and the event sequence. Only the executor writes
// results.
type ExecutionContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	runID       string
	params      map[string]any
	environment map[string]string
	workdir     string
	timeout     time.Duration
	depth       int

	mu      sync.Mutex
	results map[string]model.StepResult
	order   []string
	started bool

	emitMu sync.Mutex
	seq    int64
	closed bool
	sink   EventSink
}

// NewExecutionContext creates the context for run runID. Cancelling parent
// or calling Cancel stops the run.
func NewExecutionContext(parent context.Context, runID string, params map[string]any, opts ...ContextOption) *ExecutionContext {
	ctx, cancel := context.WithCancel(parent)
	ec := &ExecutionContext{
		ctx:     ctx,
		cancel:  cancel,
		runID:   runID,
		params:  maps.Clone(params),
		results: make(map[string]model.StepResult),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// RunID returns the run identifier.
func (ec *ExecutionContext) RunID() string { return ec.runID }

// Depth returns the sub-pipeline nesting depth; top-level runs are 0.
func (ec *ExecutionContext) Depth() int { return ec.depth }

// Context returns the run's cancellation context.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancel requests cancellation of the run.
func (ec *ExecutionContext) Cancel() { ec.cancel() }

// Params returns a copy of the run's params.
func (ec *ExecutionContext) Params() map[string]any {
	return maps.Clone(ec.params)
}

// Result returns the recorded result of a step.
func (ec *ExecutionContext) Result(name string) (model.StepResult, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r, ok := ec.results[name]
	return r, ok
}

// Results returns all recorded results in completion order.
func (ec *ExecutionContext) Results() []model.StepResult {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]model.StepResult, 0, len(ec.order))
	for _, name := range ec.order {
		out = append(out, ec.results[name])
	}
	return out
}

// Emit assigns the next sequence number to ev and delivers it to the sink.
// Events emitted after the run result are dropped.
func (ec *ExecutionContext) Emit(ev model.Event) {
	ec.emitMu.Lock()
	defer ec.emitMu.Unlock()
	ec.emitLocked(ev)
}

func (ec *ExecutionContext) emitLocked(ev model.Event) {
	if ec.closed {
		return
	}
	ec.seq++
	ev.Seq = ec.seq
	ev.RunID = ec.runID
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Type == model.EventRunResult {
		ec.closed = true
	}
	if ec.sink != nil {
		ec.sink(ev)
	}
}

// LastSeq returns the sequence number of the last emitted event.
func (ec *ExecutionContext) LastSeq() int64 {
	ec.emitMu.Lock()
	defer ec.emitMu.Unlock()
	return ec.seq
}

func (ec *ExecutionContext) begin() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.started {
		return fmt.Errorf("execution context for run %s was already used", ec.runID)
	}
	ec.started = true
	return nil
}

// record stores a terminal step result and emits it, so completion order
// and event order agree. A second result for the same step is rejected.
func (ec *ExecutionContext) record(r model.StepResult) bool {
	ec.emitMu.Lock()
	defer ec.emitMu.Unlock()

	ec.mu.Lock()
	if _, exists := ec.results[r.Name]; exists {
		ec.mu.Unlock()
		return false
	}
	ec.results[r.Name] = r
	ec.order = append(ec.order, r.Name)
	ec.mu.Unlock()

	ec.emitLocked(model.Event{Type: model.EventStepResult, Name: r.Name, Step: &r})
	return true
}
