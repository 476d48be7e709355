package model

// StepStatus is the terminal outcome of one step execution.
type StepStatus string

// Step status constants.
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run status constants. Interrupted is only assigned by a server that finds
// a run it did not finish after a restart.
const (
	RunQueued      RunStatus = "queued"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"
)

// validTransitions maps each run status to the set of statuses it may transition to.
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunQueued: {
		RunRunning:     true,
		RunCancelled:   true,
		RunFailed:      true,
		RunInterrupted: true,
	},
	RunRunning: {
		RunSucceeded:   true,
		RunFailed:      true,
		RunCancelled:   true,
		RunInterrupted: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to RunStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether the run will not change state again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunInterrupted:
		return true
	default:
		return false
	}
}
