package domain

import "time"

// Board holds per-board automation settings. Status names are tracker
// workflow statuses to move the ticket into; empty means "leave as is".
type Board struct {
	ID                  int64     `json:"id" db:"id"`
	CloudID             string    `json:"cloud_id" db:"cloud_id"`
	ProjectKey          string    `json:"project_key" db:"project_key"`
	AnthropicAPIKey     string    `json:"-" db:"anthropic_api_key"`
	AnthropicModel      *string   `json:"anthropic_model,omitempty" db:"anthropic_model"`
	StatusWorking       *string   `json:"status_working,omitempty" db:"status_working"`
	StatusPRCreated     *string   `json:"status_pr_created,omitempty" db:"status_pr_created"`
	StatusClarification *string   `json:"status_clarification,omitempty" db:"status_clarification"`
	StatusFailed        *string   `json:"status_failed,omitempty" db:"status_failed"`
	WorkingLabel        *string   `json:"working_label,omitempty" db:"working_label"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// RepoConnection is a source repository the agent may clone.
type RepoConnection struct {
	ID            int64     `json:"id" db:"id"`
	CloneURL      string    `json:"clone_url" db:"clone_url"`
	AccessToken   string    `json:"-" db:"access_token"`
	DefaultBranch string    `json:"default_branch" db:"default_branch"`
	Enabled       bool      `json:"enabled" db:"enabled"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
