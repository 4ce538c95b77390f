package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ShardSpec is one entry of the shard registry file.
type ShardSpec struct {
	Name              string   `yaml:"name"`
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	Capabilities      []string `yaml:"capabilities"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	Priority          int      `yaml:"priority"`
	Default           bool     `yaml:"default"`
	Disabled          bool     `yaml:"disabled"`
}

type shardRegistry struct {
	Shards []ShardSpec `yaml:"shards"`
}

// LoadShardRegistry parses the YAML shard registry. API keys may reference
// environment variables with ${VAR} syntax.
func LoadShardRegistry(path string) ([]ShardSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard registry %s: %w", path, err)
	}

	var reg shardRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse shard registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(reg.Shards))
	for i := range reg.Shards {
		s := &reg.Shards[i]
		if s.Name == "" || s.BaseURL == "" {
			return nil, fmt.Errorf("shard registry entry %d: name and base_url are required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("shard registry: duplicate shard name %q", s.Name)
		}
		seen[s.Name] = true

		s.APIKey = os.ExpandEnv(s.APIKey)
		if s.MaxConcurrentJobs <= 0 {
			s.MaxConcurrentJobs = 2
		}
		if len(s.Capabilities) == 0 {
			s.Capabilities = []string{"git", "filesystem"}
		}
	}

	return reg.Shards, nil
}
