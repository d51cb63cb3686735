package scheduler

import (
	"maps"
	"math"
	"sort"
	"time"
)

// PipelineStatus is the lifecycle status of a DAG run.
type PipelineStatus string

const (
	StatusPending   PipelineStatus = "pending"
	StatusRunning   PipelineStatus = "running"
	StatusCompleted PipelineStatus = "completed"
	StatusFailed    PipelineStatus = "failed"
)

// Execution record statuses.
const (
	RecordSuccess = "success"
	RecordFailed  = "failed"
)

// AgentError is a failure recorded against an agent.
type AgentError struct {
	AgentID  int    `json:"agentId"`
	AgentKey string `json:"agentKey"`
	Critical bool   `json:"critical"`
	Error    string `json:"error"`
}

// ExecutionRecord summarizes one agent visit.
type ExecutionRecord struct {
	AgentKey   string `json:"agentKey"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
}

// PipelineState is the mutable state of one Execute call. Only the executing
// loop writes it; it is frozen once Status is terminal.
type PipelineState struct {
	PipelineID       string                  `json:"pipelineId"`
	CurrentPhase     int                     `json:"currentPhase"`
	CompletedAgents  map[int]bool            `json:"completedAgents"`
	AgentOutputs     map[int]map[string]any  `json:"agentOutputs"`
	Status           PipelineStatus          `json:"status"`
	Errors           []AgentError            `json:"errors"`
	ExecutionRecords map[int]ExecutionRecord `json:"executionRecords"`
	StartTime        time.Time               `json:"startTime"`
	EndTime          time.Time               `json:"endTime,omitempty"`
}

func newPipelineState(pipelineID string, firstPhase int, start time.Time) *PipelineState {
	return &PipelineState{
		PipelineID:       pipelineID,
		CurrentPhase:     firstPhase,
		CompletedAgents:  make(map[int]bool),
		AgentOutputs:     make(map[int]map[string]any),
		Status:           StatusRunning,
		Errors:           []AgentError{},
		ExecutionRecords: make(map[int]ExecutionRecord),
		StartTime:        start,
	}
}

// IsTerminal reports whether the run has finished.
func (s *PipelineState) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// CompletedIDs returns completed agent IDs in ascending order.
func (s *PipelineState) CompletedIDs() []int {
	ids := make([]int, 0, len(s.CompletedAgents))
	for id := range s.CompletedAgents {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Snapshot returns a copy that shares nothing mutable with s. Output bundle
// values are copied one level deep.
func (s *PipelineState) Snapshot() *PipelineState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CompletedAgents = maps.Clone(s.CompletedAgents)
	cp.ExecutionRecords = maps.Clone(s.ExecutionRecords)
	cp.Errors = append([]AgentError{}, s.Errors...)
	cp.AgentOutputs = make(map[int]map[string]any, len(s.AgentOutputs))
	for id, out := range s.AgentOutputs {
		cp.AgentOutputs[id] = maps.Clone(out)
	}
	return &cp
}

// Progress is the summary returned by PhaseScheduler.GetProgress.
type Progress struct {
	Completed        int    `json:"completed"`
	Total            int    `json:"total"`
	Percentage       int    `json:"percentage"`
	CurrentPhaseName string `json:"currentPhaseName"`
}

func percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}
