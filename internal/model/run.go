package model

import (
	"encoding/json"
	"time"
)

// Run is a server-side record of one submitted pipeline execution.
type Run struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       RunStatus        `json:"status"`
	Definition   json.RawMessage  `json:"definition,omitempty"`
	DefinitionID string           `json:"definition_id,omitempty"`
	Params       map[string]any   `json:"params,omitempty"`
	Error        string           `json:"error,omitempty"`
	Result       *AggregateResult `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}
