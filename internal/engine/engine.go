package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/store"
)

// DefaultMaxRuns is the number of runs executed at once when none is configured.
const DefaultMaxRuns = 2

// InterruptedReason is recorded on runs a previous process left unfinished.
const InterruptedReason = "server stopped before the run finished"

var (
	// ErrRunNotActive is returned when cancelling a run that already finished.
	ErrRunNotActive = errors.New("run is not active")
	// ErrRunActive is returned when deleting a run that has not finished.
	ErrRunActive = errors.New("run is still active")
	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// RunRequest asks the engine to execute a pipeline definition. Definition is
// either a JSON object or a JSON string holding a YAML document.
// DefinitionID names a stored definition instead; exactly one of the two is
// set.
type RunRequest struct {
	Definition   json.RawMessage `json:"definition,omitempty"`
	DefinitionID string          `json:"definition_id,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
}

// document decodes a raw definition: a JSON object is used as is and a JSON
// string is taken as a YAML document.
func document(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &definition.SchemaError{Problems: []string{"definition is required"}}
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, &definition.SchemaError{Problems: []string{err.Error()}}
	}
	return []byte(text), nil
}

// Stats extends the stored run statistics with the engine's live state.
type Stats struct {
	store.RunStats
	Active int `json:"active"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRuns bounds how many runs execute at once. Further runs wait in
// the queued state.
func WithMaxRuns(n int) Option {
	return func(e *Engine) { e.maxRuns = n }
}

// Engine orchestrates asynchronous pipeline runs.
type Engine struct {
	store    store.Store
	builder  *plan.Builder
	executor *executor.Executor
	logger   *slog.Logger
	broker   *EventBroker

	maxRuns int
	slots   *semaphore.Weighted
	wg      sync.WaitGroup

	// ctx is the parent of every run; cancelling it stops all of them.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	active  map[string]*executor.ExecutionContext
	closing bool
}

// New creates a new execution engine.
func New(s store.Store, b *plan.Builder, x *executor.Executor, logger *slog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    s,
		builder:  b,
		executor: x,
		logger:   logger,
		broker:   NewEventBroker(),
		maxRuns:  DefaultMaxRuns,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*executor.ExecutionContext),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRuns <= 0 {
		e.maxRuns = DefaultMaxRuns
	}
	e.slots = semaphore.NewWeighted(int64(e.maxRuns))
	return e
}

// Broker returns the engine's event broker.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Builder returns the plan builder used to validate submissions.
func (e *Engine) Builder() *plan.Builder {
	return e.builder
}

// Recover marks runs left queued or running by a previous process as
// interrupted. It must be called before the first Submit.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.store.MarkInterrupted(ctx, InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	for _, id := range ids {
		e.logger.Warn("run interrupted", "run_id", id)
		runsTotal.WithLabelValues(string(model.RunInterrupted)).Inc()
	}
	return len(ids), nil
}

// Submit validates the definition, builds its plan and binds the params. On
// success the run is stored as queued and started once a run slot is free.
// Errors that reject the submission match plan.ErrInvalid.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (*model.Run, error) {
	raw := req.Definition
	if req.DefinitionID != "" {
		if len(bytes.TrimSpace(raw)) > 0 {
			return nil, &definition.SchemaError{Problems: []string{"definition and definition_id are mutually exclusive"}}
		}
		stored, err := e.store.GetDefinition(ctx, req.DefinitionID)
		if err != nil {
			return nil, err
		}
		raw = stored.Document
	}

	def, p, canonical, err := e.prepare(raw)
	if err != nil {
		return nil, err
	}
	if _, err := p.BindParams(req.Params); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:           model.NewID(),
		Name:         def.Name,
		Status:       model.RunQueued,
		Definition:   canonical,
		DefinitionID: req.DefinitionID,
		Params:       req.Params,
		CreatedAt:    time.Now().UTC(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return nil, ErrShuttingDown
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	ec := executor.NewExecutionContext(e.ctx, run.ID, req.Params,
		executor.WithEventSink(e.sink(run.ID)),
	)
	e.active[run.ID] = ec
	ec.Emit(model.Event{Type: model.EventRunStatus, Status: model.RunQueued})

	e.logger.Info("run submitted", "run_id", run.ID, "pipeline", run.Name, "steps", p.Len())
	e.wg.Go(func() {
		e.execute(run.ID, p, ec)
	})

	runCopy := *run
	return &runCopy, nil
}

// prepare loads and builds a raw definition and returns it with its plan and
// canonical JSON encoding.
func (e *Engine) prepare(raw json.RawMessage) (*definition.Definition, *plan.Plan, []byte, error) {
	doc, err := document(raw)
	if err != nil {
		return nil, nil, nil, err
	}
	def, err := definition.Load(doc)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := e.builder.Build(def)
	if err != nil {
		return nil, nil, nil, err
	}
	canonical, err := def.Marshal()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode definition: %w", err)
	}
	return def, p, canonical, nil
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute waits for a run slot and runs the plan. A run cancelled while
// queued still goes through the executor so that every step is reported.
func (e *Engine) execute(id string, p *plan.Plan, ec *executor.ExecutionContext) {
	defer func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		e.broker.Close(id)
	}()

	if err := e.slots.Acquire(ec.Context(), 1); err == nil {
		defer e.slots.Release(1)
		runsActive.Inc()
		defer runsActive.Dec()

		if err := e.store.UpdateRunStatus(context.Background(), id, model.RunRunning); err != nil {
			e.logger.Error("failed to transition to running", "run_id", id, "error", err)
		}
		ec.Emit(model.Event{Type: model.EventRunStatus, Status: model.RunRunning})
	}

	if _, err := e.executor.Execute(p, ec); err != nil {
		e.logger.Error("run failed to start", "run_id", id, "error", err)
		now := time.Now().UTC()
		ec.Emit(model.Event{
			Type:   model.EventRunResult,
			Status: model.RunFailed,
			Result: &model.AggregateResult{
				RunID:      id,
				Pipeline:   p.Name,
				Status:     model.RunFailed,
				Error:      err.Error(),
				Steps:      []model.StepResult{},
				StartedAt:  now,
				FinishedAt: now,
			},
		})
	}
}

// sink dual-writes events: persist to SQLite for history and resume, then
// publish to the broker for live followers. The final status is stored
// before the run result is published.
func (e *Engine) sink(id string) executor.EventSink {
	return func(ev model.Event) {
		ctx := context.Background()
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.logger.Error("failed to persist event", "run_id", id, "seq", ev.Seq, "error", err)
		}

		switch ev.Type {
		case model.EventStepResult:
			if ev.Step != nil {
				stepResultsTotal.WithLabelValues(ev.Step.Kind, string(ev.Step.Status)).Inc()
				if d := ev.Step.Duration(); d > 0 {
					stepDuration.WithLabelValues(ev.Step.Kind).Observe(d.Seconds())
				}
			}
		case model.EventRunResult:
			var errMsg string
			if ev.Result != nil {
				errMsg = ev.Result.Error
			}
			if err := e.store.FinishRun(ctx, id, ev.Status, errMsg, ev.Result); err != nil {
				e.logger.Error("failed to store run result", "run_id", id, "error", err)
				// Record the outcome without the result so the run does not
				// stay active in the store.
				if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
					msg := "result not stored: " + err.Error()
					if errMsg != "" {
						msg = errMsg + "; " + msg
					}
					if err := e.store.FinishRun(ctx, id, ev.Status, msg, nil); err != nil {
						e.logger.Error("failed to store run status", "run_id", id, "error", err)
					}
				}
			}
			runsTotal.WithLabelValues(string(ev.Status)).Inc()
			e.logger.Info("run completed", "run_id", id, "status", ev.Status)
		}

		e.broker.Publish(id, ev)
	}
}

// Get returns a stored run.
func (e *Engine) Get(ctx context.Context, id string) (*model.Run, error) {
	return e.store.GetRun(ctx, id)
}

// List returns a page of stored runs and the total matching the filter.
func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]*model.Run, int, error) {
	return e.store.ListRuns(ctx, f)
}

// Cancel requests cancellation of a queued or running run. It returns once
// the request is registered; the run reports Cancelled when it stops.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	ec, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		e.logger.Info("run cancel requested", "run_id", id)
		ec.Cancel()
		return nil
	}

	if _, err := e.store.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunNotActive
}

// Delete removes a finished run and its events.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if e.isActive(id) {
		return ErrRunActive
	}
	if err := e.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	e.broker.Forget(id)
	return nil
}

// Events returns the stored events of a run after the given sequence number.
func (e *Engine) Events(ctx context.Context, id string, after int64) ([]model.Event, error) {
	if _, err := e.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id, after, 0)
}

// Stats returns run statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	rs, err := e.store.GetRunStats(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	active := len(e.active)
	e.mu.Unlock()
	return &Stats{RunStats: *rs, Active: active}, nil
}

// Follow calls fn for every event of a run with a sequence number greater
// than after, in order and without gaps or repeats, until the run result has
// been delivered, the run is no longer executing, ctx is done or fn returns
// an error. Events dropped by the live broker are read back from the store.
func (e *Engine) Follow(ctx context.Context, id string, after int64, fn func(model.Event) error) error {
	if _, err := e.store.GetRun(ctx, id); err != nil {
		return err
	}

	ch, unsubscribe := e.broker.Subscribe(id)
	defer unsubscribe()

	last := after
	// replay delivers stored events newer than last and older than before
	// (zero means no bound). It reports whether the run result was reached.
	replay := func(before int64) (bool, error) {
		events, err := e.store.ListEvents(ctx, id, last, 0)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			if before > 0 && ev.Seq >= before {
				break
			}
			if err := fn(ev); err != nil {
				return false, err
			}
			last = ev.Seq
			if ev.Type == model.EventRunResult {
				return true, nil
			}
		}
		return false, nil
	}

	if done, err := replay(0); done || err != nil {
		return err
	}
	if !e.isActive(id) {
		_, err := replay(0)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				_, err := replay(0)
				return err
			}
			if ev.Seq <= last {
				continue
			}
			if ev.Seq > last+1 {
				if done, err := replay(ev.Seq); done || err != nil {
					return err
				}
			}
			if err := fn(ev); err != nil {
				return err
			}
			last = ev.Seq
			if ev.Type == model.EventRunResult {
				return nil
			}
		}
	}
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// Shutdown stops accepting runs and waits for in-flight runs to finish.
// When ctx expires first, the remaining runs are cancelled and Shutdown
// waits for them to stop before returning ctx's error.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	pending := len(e.active)
	e.mu.Unlock()

	e.logger.Info("draining runs", "active", pending)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("drain deadline reached, cancelling runs")
		e.cancel()
		<-done
		return ctx.Err()
	}
}
