package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "sh")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
	Type    string   `json:"type"`           // Backend type matching backend.Config.Type: "claude" or "command"
}

// AgentConfig defines an agent key that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider"`                // Key into Providers map
	Model        string   `json:"model,omitempty"`         // Model override
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Args         []string `json:"args,omitempty"`          // Appended after the provider's args
	Description  string   `json:"description,omitempty"`   // What the agent does, for task-based selection
	Keywords     []string `json:"keywords,omitempty"`      // Strong selection hints
}

// StoreConfig locates the SQLite database backing memory, shadow records
// and run history.
type StoreConfig struct {
	Path     string `json:"path,omitempty"`
	InMemory bool   `json:"in_memory,omitempty"`
}

// EventsConfig configures lifecycle event publishing to NATS.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Embedded      bool   `json:"embedded,omitempty"` // Start an in-process NATS server
	EmbeddedPort  int    `json:"embedded_port,omitempty"`
}

// RetryConfig configures retries around agent calls. Zero fields take the
// orchestrator defaults.
type RetryConfig struct {
	Enabled           bool    `json:"enabled"`
	InitialIntervalMs int     `json:"initial_interval_ms,omitempty"`
	MaxIntervalMs     int     `json:"max_interval_ms,omitempty"`
	MaxElapsedMs      int     `json:"max_elapsed_ms,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
}

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
	OpenTimeoutMs       int    `json:"open_timeout_ms,omitempty"`
	MaxRequests         uint32 `json:"max_requests,omitempty"`
}

// DefaultsConfig fills gaps in pipeline files.
type DefaultsConfig struct {
	MinQuality        *float64 `json:"min_quality,omitempty"`
	StepTimeoutMs     int      `json:"step_timeout_ms,omitempty"`
	PipelineTimeoutMs int      `json:"pipeline_timeout_ms,omitempty"`
	ParallelSiblings  int      `json:"parallel_siblings,omitempty"` // >1 runs independent DAG siblings concurrently
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	Textfile string `json:"textfile,omitempty"` // node_exporter textfile target
	Addr     string `json:"addr,omitempty"`     // Serve /metrics on this address while running
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Agents    map[string]AgentConfig    `json:"agents,omitempty"`
	Store     StoreConfig               `json:"store"`
	Events    EventsConfig              `json:"events"`
	Retry     RetryConfig               `json:"retry"`
	Breaker   BreakerConfig             `json:"breaker"`
	Defaults  DefaultsConfig            `json:"defaults"`
	Metrics   MetricsConfig             `json:"metrics"`
}
