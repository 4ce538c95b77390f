package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/aidev/internal/domain"
)

// BoardRepository reads board automation settings.
type BoardRepository struct {
	db *sqlx.DB
}

// NewBoardRepository creates a new BoardRepository.
func NewBoardRepository(db *sqlx.DB) *BoardRepository {
	return &BoardRepository{db: db}
}

// FindByID retrieves a board by its ID.
func (r *BoardRepository) FindByID(ctx context.Context, id int64) (*domain.Board, error) {
	var b domain.Board
	err := r.db.GetContext(ctx, &b,
		`SELECT id, cloud_id, project_key, anthropic_api_key, anthropic_model, status_working,
		        status_pr_created, status_clarification, status_failed, working_label, created_at, updated_at
		 FROM boards WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find board by id %d: %w", id, err)
	}
	return &b, nil
}

// RepoConnectionRepository reads repository connections.
type RepoConnectionRepository struct {
	db *sqlx.DB
}

// NewRepoConnectionRepository creates a new RepoConnectionRepository.
func NewRepoConnectionRepository(db *sqlx.DB) *RepoConnectionRepository {
	return &RepoConnectionRepository{db: db}
}

// FindByID retrieves a repository connection by its ID.
func (r *RepoConnectionRepository) FindByID(ctx context.Context, id int64) (*domain.RepoConnection, error) {
	var rc domain.RepoConnection
	err := r.db.GetContext(ctx, &rc,
		`SELECT id, clone_url, access_token, default_branch, enabled, created_at
		 FROM repo_connections WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find repo connection by id %d: %w", id, err)
	}
	return &rc, nil
}
