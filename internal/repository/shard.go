package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sumire/aidev/internal/domain"
)

const shardColumns = `id, name, base_url, api_key, capabilities, max_concurrent_jobs, priority,
	is_default, is_enabled, health_status, last_health_check, created_at, updated_at`

// ShardRepository manages the shard registry.
type ShardRepository struct {
	db *sqlx.DB
}

// NewShardRepository creates a new ShardRepository.
func NewShardRepository(db *sqlx.DB) *ShardRepository {
	return &ShardRepository{db: db}
}

// Upsert creates or updates a shard by name. Health is left untouched.
func (r *ShardRepository) Upsert(ctx context.Context, s domain.Shard) (*domain.Shard, error) {
	var result domain.Shard
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO shards (name, base_url, api_key, capabilities, max_concurrent_jobs, priority, is_default, is_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name)
		 DO UPDATE SET base_url = EXCLUDED.base_url,
		               api_key = EXCLUDED.api_key,
		               capabilities = EXCLUDED.capabilities,
		               max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
		               priority = EXCLUDED.priority,
		               is_default = EXCLUDED.is_default,
		               is_enabled = EXCLUDED.is_enabled,
		               updated_at = NOW()
		 RETURNING `+shardColumns,
		s.Name, s.BaseURL, s.APIKey, s.Capabilities, s.MaxConcurrentJobs, s.Priority, s.IsDefault, s.IsEnabled,
	).StructScan(&result)
	if err != nil {
		return nil, fmt.Errorf("upsert shard %s: %w", s.Name, err)
	}
	return &result, nil
}

// FindByID retrieves a shard.
func (r *ShardRepository) FindByID(ctx context.Context, id int64) (*domain.Shard, error) {
	var s domain.Shard
	err := r.db.GetContext(ctx, &s, `SELECT `+shardColumns+` FROM shards WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find shard by id %d: %w", id, err)
	}
	return &s, nil
}

// List returns every registered shard.
func (r *ShardRepository) List(ctx context.Context) ([]domain.Shard, error) {
	shards := []domain.Shard{}
	if err := r.db.SelectContext(ctx, &shards, `SELECT `+shardColumns+` FROM shards ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	return shards, nil
}

// ListEnabledWithLoad returns enabled shards together with the number of
// dispatched runs not yet finished on each.
func (r *ShardRepository) ListEnabledWithLoad(ctx context.Context) ([]domain.ShardLoad, error) {
	loads := []domain.ShardLoad{}
	err := r.db.SelectContext(ctx, &loads,
		`SELECT s.id, s.name, s.base_url, s.api_key, s.capabilities, s.max_concurrent_jobs, s.priority,
		        s.is_default, s.is_enabled, s.health_status, s.last_health_check, s.created_at, s.updated_at,
		        COUNT(sj.job_id) AS running_jobs
		 FROM shards s
		 LEFT JOIN shard_jobs sj ON sj.shard_id = s.id AND sj.status IN ('queued', 'running')
		 WHERE s.is_enabled
		 GROUP BY s.id
		 ORDER BY s.name`)
	if err != nil {
		return nil, fmt.Errorf("list shard load: %w", err)
	}
	return loads, nil
}

// UpdateHealth records the result of a health probe.
func (r *ShardRepository) UpdateHealth(ctx context.Context, id int64, health domain.ShardHealth) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE shards SET health_status = $2, last_health_check = NOW(), updated_at = NOW() WHERE id = $1`,
		id, health)
	if err != nil {
		return fmt.Errorf("update health of shard %d: %w", id, err)
	}
	return nil
}
