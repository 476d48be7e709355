package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-idp/pipeline/internal/model"
)

// DefinitionRequest registers or replaces a stored definition. Definition
// has the same forms as in RunRequest; Name defaults to the pipeline name.
type DefinitionRequest struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
}

// CreateDefinition validates and stores a definition for later runs.
// Validation errors match plan.ErrInvalid.
func (e *Engine) CreateDefinition(ctx context.Context, req DefinitionRequest) (*model.Definition, error) {
	def, _, canonical, err := e.prepare(req.Definition)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &model.Definition{
		ID:          model.NewID(),
		Name:        req.Name,
		Description: req.Description,
		Document:    canonical,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Name == "" {
		d.Name = def.Name
	}
	if err := e.store.CreateDefinition(ctx, d); err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}
	e.logger.Info("definition stored", "definition_id", d.ID, "pipeline", def.Name)
	return d, nil
}

// UpdateDefinition validates a new version of a stored definition and
// replaces it.
func (e *Engine) UpdateDefinition(ctx context.Context, id string, req DefinitionRequest) (*model.Definition, error) {
	current, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	def, _, canonical, err := e.prepare(req.Definition)
	if err != nil {
		return nil, err
	}

	current.Name = req.Name
	if current.Name == "" {
		current.Name = def.Name
	}
	current.Description = req.Description
	current.Document = canonical
	current.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateDefinition(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// GetDefinition returns a stored definition.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*model.Definition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListDefinitions returns every stored definition.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*model.Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// DeleteDefinition removes a stored definition. Runs started from it keep
// their own copy.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	return e.store.DeleteDefinition(ctx, id)
}
