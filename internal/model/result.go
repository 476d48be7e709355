package model

import "time"

// StepResult is the outcome of one step. It is created by the executor when
// the step reaches a terminal state and never modified afterwards.
type StepResult struct {
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Status     StepStatus `json:"status"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Duration returns how long the step ran. Steps that were never attempted
// report zero.
func (r StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// AggregateResult is the overall outcome of one plan execution.
type AggregateResult struct {
	RunID      string       `json:"run_id"`
	Pipeline   string       `json:"pipeline"`
	Status     RunStatus    `json:"status"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepResult `json:"steps"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Step returns the result recorded for the named step.
func (a *AggregateResult) Step(name string) (StepResult, bool) {
	for _, r := range a.Steps {
		if r.Name == name {
			return r, true
		}
	}
	return StepResult{}, false
}

// Count returns how many steps ended with the given status.
func (a *AggregateResult) Count(status StepStatus) int {
	n := 0
	for _, r := range a.Steps {
		if r.Status == status {
			n++
		}
	}
	return n
}
