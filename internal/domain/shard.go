package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ShardHealth is the last observed health of a shard.
type ShardHealth string

const (
	ShardHealthUnknown   ShardHealth = "unknown"
	ShardHealthHealthy   ShardHealth = "healthy"
	ShardHealthUnhealthy ShardHealth = "unhealthy"
)

// Capabilities is a set of capability tags stored as a JSON array.
type Capabilities []string

// Value implements driver.Valuer.
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (c *Capabilities) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan capabilities: unsupported type %T", src)
	}
	return json.Unmarshal(raw, (*[]string)(c))
}

// HasAll reports whether every tag in required is declared.
func (c Capabilities) HasAll(required []string) bool {
	for _, r := range required {
		if !slices.Contains(c, r) {
			return false
		}
	}
	return true
}

// Shard is a registered remote execution worker.
type Shard struct {
	ID                int64        `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	BaseURL           string       `json:"base_url" db:"base_url"`
	APIKey            string       `json:"-" db:"api_key"`
	Capabilities      Capabilities `json:"capabilities" db:"capabilities"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	Priority          int          `json:"priority" db:"priority"`
	IsDefault         bool         `json:"is_default" db:"is_default"`
	IsEnabled         bool         `json:"is_enabled" db:"is_enabled"`
	HealthStatus      ShardHealth  `json:"health_status" db:"health_status"`
	LastHealthCheck   *time.Time   `json:"last_health_check,omitempty" db:"last_health_check"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// ShardLoad pairs a shard with its count of in-flight dispatched runs.
type ShardLoad struct {
	Shard
	RunningJobs int `db:"running_jobs"`
}

// SpareCapacity is how many more runs the shard can accept.
func (l ShardLoad) SpareCapacity() int {
	return l.MaxConcurrentJobs - l.RunningJobs
}

// ShardJob is the server's durable record of one dispatched shard run.
type ShardJob struct {
	JobID        string         `json:"job_id" db:"job_id"`
	ShardID      int64          `json:"shard_id" db:"shard_id"`
	IssueKey     string         `json:"issue_key" db:"issue_key"`
	Status       RunStatus      `json:"status" db:"status"`
	ErrorMessage *string        `json:"error_message,omitempty" db:"error_message"`
	RequestJSON  types.JSONText `json:"request" db:"request_json"`
	ResultJSON   types.JSONText `json:"result" db:"result_json"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}
