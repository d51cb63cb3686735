package events

import (
	"time"
)

// Event is the base interface for all lifecycle events.
type Event interface {
	EventType() string
	PipelineID() string
}

// Topic constants
const (
	TopicPipeline = "pipeline"
	TopicAgent    = "agent"
	TopicMemory   = "memory"
)

// Event type constants
const (
	EventTypePipelineStarted   = "PIPELINE_STARTED"
	EventTypePhaseStarted      = "PHASE_STARTED"
	EventTypeAgentSelected     = "AGENT_SELECTED"
	EventTypeAgentStarted      = "AGENT_STARTED"
	EventTypeAgentCompleted    = "AGENT_COMPLETED"
	EventTypeAgentFailed       = "AGENT_FAILED"
	EventTypeMemoryStored      = "MEMORY_STORED"
	EventTypeProgress          = "PROGRESS"
	EventTypePipelineCompleted = "PIPELINE_COMPLETED"
	EventTypePipelineFailed    = "PIPELINE_FAILED"
)

// Pipeline kinds.
const (
	KindDAG        = "dag"
	KindSequential = "sequential"
)

// PipelineStartedEvent is published before the first agent runs.
type PipelineStartedEvent struct {
	ID        string    `json:"pipelineId"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PipelineStartedEvent) EventType() string  { return EventTypePipelineStarted }
func (e PipelineStartedEvent) PipelineID() string { return e.ID }

// PhaseStartedEvent is published when a DAG run enters a phase.
type PhaseStartedEvent struct {
	ID        string    `json:"pipelineId"`
	Phase     int       `json:"phase"`
	Name      string    `json:"name"`
	Agents    int       `json:"agents"`
	Timestamp time.Time `json:"timestamp"`
}

func (e PhaseStartedEvent) EventType() string  { return EventTypePhaseStarted }
func (e PhaseStartedEvent) PipelineID() string { return e.ID }

// AgentSelectedEvent is published when a step's agent came from the selector.
type AgentSelectedEvent struct {
	ID              string    `json:"pipelineId"`
	StepIndex       int       `json:"stepIndex"`
	AgentKey        string    `json:"agentKey"`
	TaskDescription string    `json:"taskDescription"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e AgentSelectedEvent) EventType() string  { return EventTypeAgentSelected }
func (e AgentSelectedEvent) PipelineID() string { return e.ID }

// AgentStartedEvent is published right before an executor call. AgentID is
// set for DAG runs, StepIndex for sequential runs.
type AgentStartedEvent struct {
	ID        string    `json:"pipelineId"`
	AgentID   int       `json:"agentId"`
	StepIndex int       `json:"stepIndex"`
	AgentKey  string    `json:"agentKey"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

func (e AgentStartedEvent) EventType() string  { return EventTypeAgentStarted }
func (e AgentStartedEvent) PipelineID() string { return e.ID }

// AgentCompletedEvent is published once an agent's output is accepted.
type AgentCompletedEvent struct {
	ID        string        `json:"pipelineId"`
	AgentID   int           `json:"agentId"`
	StepIndex int           `json:"stepIndex"`
	AgentKey  string        `json:"agentKey"`
	Quality   float64       `json:"quality"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e AgentCompletedEvent) EventType() string  { return EventTypeAgentCompleted }
func (e AgentCompletedEvent) PipelineID() string { return e.ID }

// AgentFailedEvent is published when an agent call or its validation fails.
type AgentFailedEvent struct {
	ID          string        `json:"pipelineId"`
	AgentID     int           `json:"agentId"`
	StepIndex   int           `json:"stepIndex"`
	AgentKey    string        `json:"agentKey"`
	Critical    bool          `json:"critical"`
	QualityGate bool          `json:"qualityGate,omitempty"`
	Error       string        `json:"error"`
	Duration    time.Duration `json:"duration"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (e AgentFailedEvent) EventType() string  { return EventTypeAgentFailed }
func (e AgentFailedEvent) PipelineID() string { return e.ID }

// MemoryStoredEvent is published after a step output is written to memory.
type MemoryStoredEvent struct {
	ID        string    `json:"pipelineId"`
	StepIndex int       `json:"stepIndex"`
	Key       string    `json:"key"`
	Namespace string    `json:"namespace"`
	Tags      []string  `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
}

func (e MemoryStoredEvent) EventType() string  { return EventTypeMemoryStored }
func (e MemoryStoredEvent) PipelineID() string { return e.ID }

// ProgressEvent is published after every visited DAG agent.
type ProgressEvent struct {
	ID         string    `json:"pipelineId"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	Percentage int       `json:"percentage"`
	Phase      string    `json:"phase"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventType() string  { return EventTypeProgress }
func (e ProgressEvent) PipelineID() string { return e.ID }

// PipelineCompletedEvent is the terminal event of a successful run.
type PipelineCompletedEvent struct {
	ID             string        `json:"pipelineId"`
	Completed      int           `json:"completed"`
	Total          int           `json:"total"`
	OverallQuality float64       `json:"overallQuality"`
	Duration       time.Duration `json:"duration"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e PipelineCompletedEvent) EventType() string  { return EventTypePipelineCompleted }
func (e PipelineCompletedEvent) PipelineID() string { return e.ID }

// PipelineFailedEvent is the terminal event of a failed run.
type PipelineFailedEvent struct {
	ID        string        `json:"pipelineId"`
	Error     string        `json:"error"`
	Completed int           `json:"completed"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e PipelineFailedEvent) EventType() string  { return EventTypePipelineFailed }
func (e PipelineFailedEvent) PipelineID() string { return e.ID }

// TopicFor maps an event to its bus topic.
func TopicFor(e Event) string {
	switch e.(type) {
	case AgentSelectedEvent, AgentStartedEvent, AgentCompletedEvent, AgentFailedEvent:
		return TopicAgent
	case MemoryStoredEvent:
		return TopicMemory
	default:
		return TopicPipeline
	}
}
