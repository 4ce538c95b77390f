package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// ShardConfig holds shard agent configuration loaded from environment variables.
type ShardConfig struct {
	Host   string
	Port   int
	APIKey string

	ShardID   string
	ShardType string

	MaxConcurrentJobs int
	// JobTimeout applies to implement_ticket runs; other task types use
	// ShortJobTimeout.
	JobTimeout      time.Duration
	ShortJobTimeout time.Duration
	WorkspacePath   string
	ClaudeCodePath  string
	CleanupAfterJob bool

	Capabilities []string

	// MCPServers are merged under caller-supplied servers for every run.
	MCPServers map[string]json.RawMessage

	JournalPath     string
	RunRetention    time.Duration
	SweepInterval   time.Duration
	CallbackTimeout time.Duration
}

// LoadShard reads shard configuration from environment variables.
func LoadShard() (ShardConfig, error) {
	port, err := getEnvInt("SHARD_PORT", 3500)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse SHARD_PORT: %w", err)
	}

	maxJobs, err := getEnvInt("MAX_CONCURRENT_JOBS", 2)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse MAX_CONCURRENT_JOBS: %w", err)
	}

	timeout, err := getEnvDuration("JOB_TIMEOUT", 30*time.Minute)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse JOB_TIMEOUT: %w", err)
	}

	shortTimeout, err := getEnvDuration("SHORT_JOB_TIMEOUT", 10*time.Minute)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse SHORT_JOB_TIMEOUT: %w", err)
	}

	cleanup, err := getEnvBool("CLEANUP_AFTER_JOB", true)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse CLEANUP_AFTER_JOB: %w", err)
	}

	retention, err := getEnvDuration("RUN_RETENTION", time.Hour)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse RUN_RETENTION: %w", err)
	}

	sweep, err := getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse SWEEP_INTERVAL: %w", err)
	}

	callbackTimeout, err := getEnvDuration("CALLBACK_TIMEOUT", 30*time.Second)
	if err != nil {
		return ShardConfig{}, fmt.Errorf("parse CALLBACK_TIMEOUT: %w", err)
	}

	cfg := ShardConfig{
		Host:              getEnv("SHARD_HOST", "0.0.0.0"),
		Port:              port,
		APIKey:            getEnv("SHARD_API_KEY", ""),
		ShardID:           getEnv("SHARD_ID", "shard-01"),
		ShardType:         getEnv("SHARD_TYPE", "general"),
		MaxConcurrentJobs: maxJobs,
		JobTimeout:        timeout,
		ShortJobTimeout:   shortTimeout,
		WorkspacePath:     getEnv("WORKSPACE_PATH", "/var/lib/claude-jobs"),
		ClaudeCodePath:    getEnv("CLAUDE_CODE_PATH", "claude"),
		CleanupAfterJob:   cleanup,
		Capabilities:      getEnvList("CAPABILITIES", []string{"git", "filesystem"}),
		JournalPath:       getEnv("JOURNAL_PATH", "shard-journal.db"),
		RunRetention:      retention,
		SweepInterval:     sweep,
		CallbackTimeout:   callbackTimeout,
	}

	if path := getEnv("SHARD_MCP_CONFIG", ""); path != "" {
		servers, err := LoadMCPServers(path)
		if err != nil {
			return ShardConfig{}, err
		}
		cfg.MCPServers = servers
	}

	if err := cfg.validate(); err != nil {
		return ShardConfig{}, err
	}

	return cfg, nil
}

func (c ShardConfig) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("SHARD_API_KEY is required")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.WorkspacePath == "" {
		return fmt.Errorf("WORKSPACE_PATH is required")
	}
	return nil
}

// LoadMCPServers reads a JSONC file of the form {"mcpServers": {...}} or a
// bare server map.
func LoadMCPServers(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}

	stripped := jsonc.ToJSON(data)

	var wrapped struct {
		MCPServers map[string]json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(stripped, &wrapped); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	if wrapped.MCPServers != nil {
		return wrapped.MCPServers, nil
	}

	var bare map[string]json.RawMessage
	if err := json.Unmarshal(stripped, &bare); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	return bare, nil
}
