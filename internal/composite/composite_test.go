package composite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-idp/pipeline/internal/definition"
	"github.com/go-idp/pipeline/internal/executor"
	"github.com/go-idp/pipeline/internal/model"
	"github.com/go-idp/pipeline/internal/plan"
	"github.com/go-idp/pipeline/internal/step"
)

func setup() (*plan.Builder, *executor.Executor) {
	b := plan.NewBuilder(step.NewDefaultRegistry(), plan.Defaults{})
	e := executor.New()
	Register(b, e)
	return b, e
}

func buildYAML(t *testing.T, b *plan.Builder, doc string) (*plan.Plan, error) {
	t.Helper()
	def, err := definition.Load([]byte(doc))
	require.NoError(t, err)
	return b.Build(def)
}

const nestedDoc = `
name: parent
steps:
  - name: child
    kind: pipeline
    inputs:
      x: 21
    with:
      definition:
        name: doubler
        params:
          x: {required: true}
        steps:
          - name: double
            kind: lua
            inputs:
              x: ${params.x}
            with:
              script: "log('doubling', x) return x * 2"
  - name: report
    kind: lua
    inputs:
      v: ${steps.child.output.double}
    with:
      script: return v + 1
`

func TestInlineSubPipeline(t *testing.T) {
	b, e := setup()
	p, err := buildYAML(t, b, nestedDoc)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		lines []string
	)
	ec := executor.NewExecutionContext(context.Background(), "run-1", nil,
		executor.WithEventSink(func(ev model.Event) {
			if ev.Type == model.EventStepLog {
				mu.Lock()
				lines = append(lines, ev.Line)
				mu.Unlock()
			}
		}))
	agg, err := e.Execute(p, ec)
	require.NoError(t, err)

	require.Equal(t, model.RunSucceeded, agg.Status, agg.Error)
	child, _ := agg.Step("child")
	assert.Equal(t, map[string]any{"double": 42}, child.Output)
	report, _ := agg.Step("report")
	assert.Equal(t, 43, report.Output)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lines, "[double] doubling 21")
	assert.Contains(t, lines, "[double] succeeded")
}

func TestSubPipelineConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"neither", `
name: p
steps:
  - name: child
    kind: pipeline
`},
		{"both", `
name: p
steps:
  - name: child
    kind: pipeline
    with:
      file: other.yaml
      definition: {name: c, steps: [{name: a, kind: lua, with: {script: return 1}}]}
`},
		{"invalid child", `
name: p
steps:
  - name: child
    kind: pipeline
    with:
      definition:
        name: c
        steps:
          - {name: a, kind: lua, depends_on: [b], with: {script: return 1}}
          - {name: b, kind: lua, depends_on: [a], with: {script: return 1}}
`},
		{"unknown param", `
name: p
steps:
  - name: child
    kind: pipeline
    inputs:
      nope: 1
    with:
      definition: {name: c, steps: [{name: a, kind: lua, with: {script: return 1}}]}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := setup()
			_, err := buildYAML(t, b, tt.doc)
			require.Error(t, err)
			assert.ErrorIs(t, err, plan.ErrInvalid)
			var cfgErr *plan.StepConfigError
			assert.True(t, errors.As(err, &cfgErr), "got %T", err)
		})
	}
}

func TestSubPipelineFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.yaml"), []byte(`
name: child
params:
  greeting: {default: hello}
steps:
  - name: say
    kind: lua
    inputs:
      g: ${params.greeting}
    with:
      script: return g .. " world"
`), 0o644))

	b, e := setup()
	p, err := buildYAML(t, b, `
name: parent
steps:
  - name: run-child
    kind: pipeline
    with:
      file: child.yaml
`)
	require.NoError(t, err)

	ec := executor.NewExecutionContext(context.Background(), "r", nil, executor.WithWorkdir(dir))
	agg, err := e.Execute(p, ec)
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, agg.Status, agg.Error)

	r, _ := agg.Step("run-child")
	assert.Equal(t, map[string]any{"say": "hello world"}, r.Output)
}

func TestRecursiveFileHitsDepthLimit(t *testing.T) {
	dir := t.TempDir()
	self := `
name: self
steps:
  - name: again
    kind: pipeline
    with:
      file: self.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "self.yaml"), []byte(self), 0o644))

	b, e := setup()
	p, err := buildYAML(t, b, self)
	require.NoError(t, err)

	ec := executor.NewExecutionContext(context.Background(), "r", nil, executor.WithWorkdir(dir))
	agg, err := e.Execute(p, ec)
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, agg.Status)
	assert.Contains(t, agg.Error, ErrMaxDepth.Error())
}

func TestChildFailureFailsParentStep(t *testing.T) {
	b, e := setup()
	p, err := buildYAML(t, b, `
name: parent
steps:
  - name: child
    kind: pipeline
    with:
      definition:
        name: broken
        steps:
          - {name: explode, kind: lua, with: {script: "error('bad input')"}}
  - name: after
    kind: lua
    depends_on: [child]
    with: {script: return 1}
`)
	require.NoError(t, err)

	agg, err := e.Execute(p, executor.NewExecutionContext(context.Background(), "r", nil))
	require.NoError(t, err)

	assert.Equal(t, model.RunFailed, agg.Status)
	child, _ := agg.Step("child")
	assert.Equal(t, model.StepFailed, child.Status)
	assert.Contains(t, child.Error, `sub-pipeline "broken" failed`)
	assert.Contains(t, child.Error, "bad input")
	after, _ := agg.Step("after")
	assert.Equal(t, model.StepSkipped, after.Status)
}

func TestIdempotentFollowsChildSteps(t *testing.T) {
	b, _ := setup()
	p, err := buildYAML(t, b, `
name: parent
steps:
  - name: child
    kind: pipeline
    with:
      definition:
        name: poster
        steps:
          - {name: send, kind: http, with: {url: "http://localhost/hook", method: POST}}
`)
	require.NoError(t, err)

	child, _ := p.Step("child")
	assert.False(t, step.IsIdempotent(child.Step))
	assert.Equal(t, 1, child.Retry.MaxAttempts)
}
