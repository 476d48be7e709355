package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-idp/pipeline/internal/model"
)

const definitionColumns = `id, name, description, document, created_at, updated_at`

func scanDefinition(row scanner) (*model.Definition, error) {
	var (
		d   model.Definition
		doc string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &doc, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Document = json.RawMessage(doc)
	return &d, nil
}

// CreateDefinition inserts a new stored definition.
func (s *SQLiteStore) CreateDefinition(ctx context.Context, d *model.Definition) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO definitions ("+definitionColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		d.ID, d.Name, d.Description, string(d.Document), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a stored definition by id.
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*model.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+definitionColumns+" FROM definitions WHERE id = ?", id,
	)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return d, nil
}

// ListDefinitions returns every stored definition, most recently updated first.
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*model.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+definitionColumns+" FROM definitions ORDER BY updated_at DESC, id DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}

// UpdateDefinition replaces the name, description and document of a stored
// definition. Runs already submitted keep the definition they started with.
func (s *SQLiteStore) UpdateDefinition(ctx context.Context, d *model.Definition) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE definitions SET name = ?, description = ?, document = ?, updated_at = ? WHERE id = ?",
		d.Name, d.Description, string(d.Document), d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	return expectOneRow(res, ErrDefinitionNotFound)
}

// DeleteDefinition removes a stored definition.
func (s *SQLiteStore) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM definitions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	return expectOneRow(res, ErrDefinitionNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
