package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/aidev/internal/domain"
)

// WarningRepository stores operator warnings.
type WarningRepository struct {
	db *sqlx.DB
}

// NewWarningRepository creates a new WarningRepository.
func NewWarningRepository(db *sqlx.DB) *WarningRepository {
	return &WarningRepository{db: db}
}

// Create records a warning.
func (r *WarningRepository) Create(ctx context.Context, issueKey, kind, message string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO operator_warnings (issue_key, kind, message) VALUES ($1, $2, $3)`,
		issueKey, kind, message)
	if err != nil {
		return fmt.Errorf("create warning for %s: %w", issueKey, err)
	}
	return nil
}

// List returns the most recent warnings first.
func (r *WarningRepository) List(ctx context.Context, limit int) ([]domain.OperatorWarning, error) {
	if limit <= 0 {
		limit = 100
	}
	warnings := []domain.OperatorWarning{}
	err := r.db.SelectContext(ctx, &warnings,
		`SELECT id, issue_key, kind, message, created_at FROM operator_warnings ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list warnings: %w", err)
	}
	return warnings, nil
}
