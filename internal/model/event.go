package model

import "time"

// EventType identifies the payload carried by an Event.
type EventType string

// Event type constants. EventRunResult is always the last event of a run.
const (
	EventRunStatus   EventType = "run.status"
	EventStepStarted EventType = "step.started"
	EventStepLog     EventType = "step.log"
	EventStepResult  EventType = "step.result"
	EventRunResult   EventType = "run.result"
)

// Event is one entry of a run's ordered event stream. Seq starts at 1 and
// increases by one for every event of the same run.
type Event struct {
	Seq    int64            `json:"seq"`
	RunID  string           `json:"run_id"`
	Type   EventType        `json:"type"`
	Time   time.Time        `json:"time"`
	Status RunStatus        `json:"status,omitempty"`
	Name   string           `json:"name,omitempty"`
	Line   string           `json:"line,omitempty"`
	Step   *StepResult      `json:"step,omitempty"`
	Result *AggregateResult `json:"result,omitempty"`
}
