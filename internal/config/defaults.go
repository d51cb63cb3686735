package config

import "github.com/aristath/agentpipe/internal/events"

// DefaultConfig returns the default configuration with built-in providers and agents.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"shell": {
				Command: "sh",
				Args:    []string{"-c"},
				Type:    "command",
			},
		},
		Agents: map[string]AgentConfig{
			"researcher": {
				Provider:     "claude",
				SystemPrompt: "You research a topic and report findings with sources.",
				Description:  "Gathers background material, sources and facts",
				Keywords:     []string{"research", "investigate", "sources"},
			},
			"writer": {
				Provider:     "claude",
				SystemPrompt: "You turn findings into clear prose.",
				Description:  "Drafts articles, summaries and documentation",
				Keywords:     []string{"write", "draft", "summarize"},
			},
			"editor": {
				Provider:     "claude",
				SystemPrompt: "You tighten and correct drafts without changing their meaning.",
				Description:  "Polishes drafts for clarity, grammar and tone",
				Keywords:     []string{"edit", "proofread", "polish"},
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review work for correctness and score it between 0 and 1.",
				Description:  "Reviews output for correctness and quality",
				Keywords:     []string{"review", "verify", "critique"},
			},
		},
		Events: EventsConfig{
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeoutMs:       30_000,
			MaxRequests:         3,
		},
	}
}
