package scheduler

import "time"

// PipelineMeta carries the declared shape of a pipeline. TotalAgents and
// PhaseCount are cross-checked against the actual lists at construction.
type PipelineMeta struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	TotalAgents int    `json:"totalAgents" yaml:"totalAgents"`
	PhaseCount  int    `json:"phaseCount" yaml:"phaseCount"`
}

// AgentConfig is one node of the DAG. ID is the graph identity; Key is what
// the agent executor understands.
type AgentConfig struct {
	ID             int      `json:"id" yaml:"id"`
	Key            string   `json:"key" yaml:"key"`
	Name           string   `json:"name" yaml:"name"`
	Phase          int      `json:"phase" yaml:"phase"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies   []int    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Inputs         []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs        []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Critical       bool     `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// Timeout converts TimeoutSeconds; zero means unbounded.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// PhaseConfig groups agents. Phases run in ascending ID order.
type PhaseConfig struct {
	ID          int      `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Agents      []int    `json:"agents" yaml:"agents"`
	Objectives  []string `json:"objectives,omitempty" yaml:"objectives,omitempty"`
}

// PipelineConfig is the declarative description a PhaseScheduler runs.
type PipelineConfig struct {
	Meta   PipelineMeta  `json:"meta" yaml:"meta"`
	Phases []PhaseConfig `json:"phases" yaml:"phases"`
	Agents []AgentConfig `json:"agents" yaml:"agents"`
}

func cloneAgent(a AgentConfig) AgentConfig {
	cp := a
	cp.Dependencies = append([]int(nil), a.Dependencies...)
	cp.Inputs = append([]string(nil), a.Inputs...)
	cp.Outputs = append([]string(nil), a.Outputs...)
	return cp
}

func clonePhase(p PhaseConfig) PhaseConfig {
	cp := p
	cp.Agents = append([]int(nil), p.Agents...)
	cp.Objectives = append([]string(nil), p.Objectives...)
	return cp
}
