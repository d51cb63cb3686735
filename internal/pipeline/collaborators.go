// Package pipeline holds what both schedulers share: the collaborator
// contracts they consume, the error taxonomy, and run identifiers.
package pipeline

import (
	"context"
	"time"
)

// AgentExecutor runs one agent. Implementations must be safe for concurrent
// use by independent pipeline runs.
type AgentExecutor interface {
	Execute(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error)
}

// ExecutorFunc adapts a function to AgentExecutor.
type ExecutorFunc func(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	return f(ctx, agentKey, inputs, timeout)
}

// AgentSelector picks an agent for a free-form task description.
type AgentSelector interface {
	SelectForTask(ctx context.Context, taskDescription string) (string, error)
}

// AgentRegistry answers whether an agent key is known.
type AgentRegistry interface {
	Has(agentKey string) bool
}

// StoreOptions scope a memory write.
type StoreOptions struct {
	Namespace string
	Metadata  map[string]any
}

// RetrieveOptions scope a memory read.
type RetrieveOptions struct {
	Namespace string
}

// MemoryStore is the namespaced key/value store used for step handoff.
// Implementations must be safe for concurrent use.
type MemoryStore interface {
	Store(ctx context.Context, key, content string, opts StoreOptions) error
	// Retrieve returns ok=false when the key is absent.
	Retrieve(ctx context.Context, key string, opts RetrieveOptions) (content string, ok bool, err error)
}

// Shadow record statuses.
const (
	ShadowSuccess = "success"
	ShadowFailed  = "failed"
)

// ShadowRecord is one audit entry per DAG agent execution.
type ShadowRecord struct {
	PipelineID string
	AgentID    int
	AgentKey   string
	Status     string
	Duration   time.Duration
	Error      string
	RecordedAt time.Time
}

// ShadowTracker is a fire-and-forget audit sink. Record must not block the
// caller for long and never reports failure.
type ShadowTracker interface {
	Record(ctx context.Context, rec ShadowRecord)
}
