package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ConfigErrorCode classifies a PipelineConfigError.
type ConfigErrorCode string

const (
	CodeInvalidAgentCount  ConfigErrorCode = "INVALID_AGENT_COUNT"
	CodeInvalidPhaseCount  ConfigErrorCode = "INVALID_PHASE_COUNT"
	CodeInvalidAgentConfig ConfigErrorCode = "INVALID_AGENT_CONFIG"
	CodePhaseMismatch      ConfigErrorCode = "PHASE_MISMATCH"
	CodeCircularDependency ConfigErrorCode = "CIRCULAR_DEPENDENCY"
)

// ErrOutputValidation marks a critical agent whose output is missing a declared key.
var ErrOutputValidation = errors.New("output validation failed")

// PipelineConfigError is raised before any DAG execution starts.
type PipelineConfigError struct {
	Code    ConfigErrorCode
	Message string
}

func (e *PipelineConfigError) Error() string {
	return fmt.Sprintf("pipeline config %s: %s", e.Code, e.Message)
}

// NewConfigError builds a PipelineConfigError with a formatted message.
func NewConfigError(code ConfigErrorCode, format string, args ...any) *PipelineConfigError {
	return &PipelineConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// PipelineDefinitionError is raised when a sequential definition is malformed.
type PipelineDefinitionError struct {
	Pipeline string
	Message  string
}

func (e *PipelineDefinitionError) Error() string {
	if e.Pipeline == "" {
		return "pipeline definition: " + e.Message
	}
	return fmt.Sprintf("pipeline definition %q: %s", e.Pipeline, e.Message)
}

// AgentNotFoundError reports an agent key missing from the registry.
type AgentNotFoundError struct {
	AgentKey string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found in registry", e.AgentKey)
}

// CriticalAgentError halts a DAG run. Cause is either the executor failure or
// an error wrapping ErrOutputValidation.
type CriticalAgentError struct {
	AgentID  int
	AgentKey string
	Cause    error
}

func (e *CriticalAgentError) Error() string {
	return fmt.Sprintf("critical agent %d (%s) failed: %v", e.AgentID, e.AgentKey, e.Cause)
}

func (e *CriticalAgentError) Unwrap() error { return e.Cause }

// QualityGateError reports a step whose output scored below its minimum.
type QualityGateError struct {
	StepIndex  int
	AgentKey   string
	Quality    float64
	MinQuality float64
}

func (e *QualityGateError) Error() string {
	return fmt.Sprintf("step %d (%s) quality %.3f below minimum %.3f", e.StepIndex, e.AgentKey, e.Quality, e.MinQuality)
}

// TimeoutScope tells whether a single call or the whole run overran.
type TimeoutScope string

const (
	ScopeStep     TimeoutScope = "step"
	ScopeAgent    TimeoutScope = "agent"
	ScopePipeline TimeoutScope = "pipeline"
)

// PipelineTimeoutError reports an exceeded per-step/agent or per-pipeline deadline.
type PipelineTimeoutError struct {
	Scope   TimeoutScope
	Target  string // agent key for step/agent scope, pipeline id for pipeline scope
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *PipelineTimeoutError) Error() string {
	return fmt.Sprintf("%s timeout: %s exceeded %v (elapsed %v)", e.Scope, e.Target, e.Limit, e.Elapsed.Round(time.Millisecond))
}

// IsConfigError reports whether err is a configuration-kind error.
func IsConfigError(err error) bool {
	var cfgErr *PipelineConfigError
	var defErr *PipelineDefinitionError
	return errors.As(err, &cfgErr) || errors.As(err, &defErr)
}

// IsCriticalError reports whether err carries a CriticalAgentError.
func IsCriticalError(err error) bool {
	var critErr *CriticalAgentError
	return errors.As(err, &critErr)
}

// IsQualityGateError reports whether err carries a QualityGateError.
func IsQualityGateError(err error) bool {
	var qErr *QualityGateError
	return errors.As(err, &qErr)
}

// IsTimeoutError reports whether err carries a PipelineTimeoutError.
func IsTimeoutError(err error) bool {
	var tErr *PipelineTimeoutError
	return errors.As(err, &tErr)
}

// ConfigCode returns the code of a wrapped PipelineConfigError, or "".
func ConfigCode(err error) ConfigErrorCode {
	var cfgErr *PipelineConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return ""
}
