package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// Backend defines the interface that all backend adapters must implement.
type Backend interface {
	// Send sends a message to the backend and returns the response.
	Send(ctx context.Context, msg Message) (Response, error)
}

// New creates a new backend based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate adapter.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	case "command", "":
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// Executor is a pipeline.AgentExecutor that routes each agent key to its
// backend.
type Executor struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

var _ pipeline.AgentExecutor = (*Executor)(nil)

// NewExecutor builds one backend per agent key.
func NewExecutor(agents map[string]Config, pm *ProcessManager) (*Executor, error) {
	e := &Executor{backends: make(map[string]Backend, len(agents))}
	for key, cfg := range agents {
		b, err := New(cfg, pm)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", key, err)
		}
		e.backends[key] = b
	}
	return e, nil
}

// Register adds or replaces the backend for key.
func (e *Executor) Register(key string, b Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backends[key] = b
}

// Has reports whether key has a backend.
func (e *Executor) Has(key string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.backends[key]
	return ok
}

// Keys returns the registered agent keys, sorted.
func (e *Executor) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.backends))
	for k := range e.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Execute implements pipeline.AgentExecutor. The inputs are rendered into a
// prompt; a JSON object reply is merged into the output map alongside the
// raw text under "output".
func (e *Executor) Execute(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	e.mu.RLock()
	b, ok := e.backends[agentKey]
	e.mu.RUnlock()
	if !ok {
		return nil, &pipeline.AgentNotFoundError{AgentKey: agentKey}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	content, err := RenderPrompt(inputs)
	if err != nil {
		return nil, err
	}

	resp, err := b.Send(ctx, Message{Content: content, Role: "user"})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentKey, err)
	}
	return ParseOutput(resp), nil
}

// RenderPrompt turns an input bundle into the message sent to a backend.
// A "task" string is used verbatim; otherwise the bundle is rendered as
// indented JSON.
func RenderPrompt(inputs map[string]any) (string, error) {
	if task, ok := inputs["task"].(string); ok && task != "" {
		return task, nil
	}
	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render inputs: %w", err)
	}
	return string(data), nil
}

// ParseOutput converts a backend response into an agent output map.
func ParseOutput(resp Response) map[string]any {
	out := make(map[string]any)
	text := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(text, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			for k, v := range obj {
				out[k] = v
			}
		}
	}
	if _, ok := out["output"]; !ok {
		out["output"] = text
	}
	if resp.SessionID != "" {
		out["sessionId"] = resp.SessionID
	}
	return out
}
