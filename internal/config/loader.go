package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aristath/agentpipe/internal/backend"
)

// Environment overrides applied by LoadDefault.
const (
	EnvStorePath = "AGENTPIPE_STORE_PATH"
	EnvNATSURL   = "AGENTPIPE_NATS_URL"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths, then applies
// environment overrides.
// Global: ~/.agentpipe/config.json
// Project: .agentpipe/config.json (relative to cwd)
// An unset store path defaults to ~/.agentpipe/agentpipe.db.
func LoadDefault() (*EngineConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".agentpipe", "config.json")
	projectPath := filepath.Join(".agentpipe", "config.json")

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	if cfg.Store.Path == "" && !cfg.Store.InMemory {
		cfg.Store.Path = filepath.Join(homeDir, ".agentpipe", "agentpipe.db")
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *EngineConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvStorePath); v != "" {
		c.Store.Path = v
		c.Store.InMemory = false
	}
	if v := getenv(EnvNATSURL); v != "" {
		c.Events.NATSURL = v
	}
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Map entries are merged by key; sections present in the file replace the
// base section field by field. Missing files are silently skipped.
func mergeConfigFile(base *EngineConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Decoding into a copy keeps base untouched on malformed input.
	merged := base.clone()
	if err := json.Unmarshal(data, merged); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	*base = *merged
	return nil
}

func (c *EngineConfig) clone() *EngineConfig {
	cp := *c
	cp.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for k, v := range c.Providers {
		cp.Providers[k] = v
	}
	cp.Agents = make(map[string]AgentConfig, len(c.Agents))
	for k, v := range c.Agents {
		cp.Agents[k] = v
	}
	if c.Defaults.MinQuality != nil {
		q := *c.Defaults.MinQuality
		cp.Defaults.MinQuality = &q
	}
	return &cp
}

// ResolveAgents joins every agent with its provider into a backend config.
func (c *EngineConfig) ResolveAgents(workDir string) (map[string]backend.Config, error) {
	out := make(map[string]backend.Config, len(c.Agents))
	for key, agent := range c.Agents {
		provider, ok := c.Providers[agent.Provider]
		if !ok {
			return nil, fmt.Errorf("agent %q references unknown provider %q", key, agent.Provider)
		}
		out[key] = backend.Config{
			Type:         provider.Type,
			Command:      provider.Command,
			Args:         append(append([]string(nil), provider.Args...), agent.Args...),
			WorkDir:      workDir,
			Model:        agent.Model,
			SystemPrompt: agent.SystemPrompt,
		}
	}
	return out, nil
}

// Capabilities lists the agents for the keyword selector, sorted by key.
func (c *EngineConfig) Capabilities() []backend.Capability {
	caps := make([]backend.Capability, 0, len(c.Agents))
	for key, agent := range c.Agents {
		caps = append(caps, backend.Capability{
			Key:         key,
			Description: agent.Description,
			Keywords:    append([]string(nil), agent.Keywords...),
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Key < caps[j].Key })
	return caps
}
