// Package catalog holds the admin-managed operation-type pricing table and
// the prompt-template styling layer.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Operation type names understood by the pipeline.
const (
	OpTextToImage            = "text_to_image"
	OpImageReference         = "image_reference"
	OpImageMultipleReference = "image_multiple_reference"
)

var ErrOperationTypeNotFound = errors.New("operation type not found")

type OperationType struct {
	ID                 string `db:"id" json:"id"`
	Name               string `db:"name" json:"name"`
	TokensPerOperation int    `db:"tokens_per_operation" json:"tokensPerOperation"`
	IsActive           bool   `db:"is_active" json:"isActive"`
	Description        string `db:"description" json:"description"`
}

type PromptTemplate struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Prompt   string `db:"prompt" json:"prompt"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

type Repo struct {
	db *sqlx.DB
}

func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// GetOperationType resolves an active operation type by name.
func (r *Repo) GetOperationType(ctx context.Context, name string) (*OperationType, error) {
	var op OperationType
	err := r.db.GetContext(ctx, &op, `
		SELECT id, name, tokens_per_operation, is_active, description
		FROM operation_types
		WHERE name = $1 AND is_active
	`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation type %s: %w", name, err)
	}
	return &op, nil
}

// GetOperationTypeByID resolves an operation type regardless of activity, so
// in-flight jobs keep pricing even if an admin deactivates the type.
func (r *Repo) GetOperationTypeByID(ctx context.Context, id string) (*OperationType, error) {
	var op OperationType
	err := r.db.GetContext(ctx, &op, `
		SELECT id, name, tokens_per_operation, is_active, description
		FROM operation_types
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation type %s: %w", id, err)
	}
	return &op, nil
}

// ListActiveOperationTypes powers GET /api/generate/operations.
func (r *Repo) ListActiveOperationTypes(ctx context.Context) ([]OperationType, error) {
	var ops []OperationType
	err := r.db.SelectContext(ctx, &ops, `
		SELECT id, name, tokens_per_operation, is_active, description
		FROM operation_types
		WHERE is_active
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}
	return ops, nil
}

// GetActiveTemplate returns the template if it exists and is active, or nil
// when it is unknown or deactivated; an inactive template never contributes
// to a prompt.
func (r *Repo) GetActiveTemplate(ctx context.Context, id string) (*PromptTemplate, error) {
	var t PromptTemplate
	err := r.db.GetContext(ctx, &t, `
		SELECT id, name, prompt, is_active
		FROM prompt_templates
		WHERE id = $1 AND is_active
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt template %s: %w", id, err)
	}
	return &t, nil
}
