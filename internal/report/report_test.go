package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-idp/pipeline/internal/model"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestStepLine(t *testing.T) {
	tests := []struct {
		name string
		in   model.StepResult
		want string
	}{
		{
			name: "succeeded",
			in:   model.StepResult{Name: "build", Status: model.StepSucceeded, Attempts: 1, StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)},
			want: "succeeded build (1.5s)",
		},
		{
			name: "failed with retries",
			in: model.StepResult{Name: "test", Status: model.StepFailed, Attempts: 3, Error: "exit 1\nmore output",
				StartedAt: start, FinishedAt: start.Add(20 * time.Millisecond)},
			want: "failed    test (20ms, 3 attempts): exit 1",
		},
		{
			name: "skipped",
			in:   model.StepResult{Name: "deploy", Status: model.StepSkipped, Reason: `dependency "test" failed`},
			want: `skipped   deploy: dependency "test" failed`,
		},
		{
			name: "cancelled",
			in:   model.StepResult{Name: "wait", Status: model.StepCancelled, Reason: "run cancelled"},
			want: "cancelled wait: run cancelled",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StepLine(tc.in))
		})
	}
}

func TestPrinterEvents(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)

	p.Event(model.Event{Type: model.EventRunStatus, RunID: "r1", Status: model.RunRunning})
	p.Event(model.Event{Type: model.EventStepLog, Name: "a", Line: "hello"})
	p.Event(model.Event{Type: model.EventStepResult, Step: &model.StepResult{Name: "a", Status: model.StepSkipped}})

	assert.Equal(t, "skipped   a\n", buf.String())

	buf.Reset()
	verbose := NewPrinter(&buf, true)
	verbose.Event(model.Event{Type: model.EventRunStatus, RunID: "r1", Status: model.RunRunning})
	verbose.Event(model.Event{Type: model.EventStepLog, Name: "a", Line: "hello"})
	assert.Equal(t, "run r1 running\n  [a] hello\n", buf.String())
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	res := &model.AggregateResult{
		RunID:    "r1",
		Pipeline: "demo",
		Status:   model.RunFailed,
		Error:    `step "b" failed`,
		Steps: []model.StepResult{
			{Name: "a", Status: model.StepSucceeded},
			{Name: "b", Status: model.StepFailed},
			{Name: "c", Status: model.StepSkipped},
		},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
	}

	NewPrinter(&buf, false).Summary(res)
	out := buf.String()

	assert.Contains(t, out, "pipeline demo failed in 2s")
	assert.Contains(t, out, "succeeded: 1  failed: 1  skipped: 1  cancelled: 0")
	assert.Contains(t, out, `error: step "b" failed`)
	assert.True(t, strings.HasSuffix(out, "run id: r1\n"))
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	res := &model.AggregateResult{Pipeline: "demo", Status: model.RunSucceeded, Steps: []model.StepResult{}}
	require.NoError(t, WriteJSON(&buf, res))

	var got model.AggregateResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "demo", got.Pipeline)
	assert.Equal(t, model.RunSucceeded, got.Status)
}
