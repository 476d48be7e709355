package model

import (
	"encoding/json"
	"time"
)

// Definition is a pipeline definition registered on the server so that runs
// can reference it by id. Document holds the definition as canonical JSON.
type Definition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Document    json.RawMessage `json:"definition"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
