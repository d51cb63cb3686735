package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	cfgErr := NewConfigError(CodeCircularDependency, "cycle %v", []int{1, 2, 1})
	critErr := &CriticalAgentError{AgentID: 3, AgentKey: "writer", Cause: fmt.Errorf("missing key: %w", ErrOutputValidation)}
	qErr := &QualityGateError{StepIndex: 1, AgentKey: "reviewer", Quality: 0.5, MinQuality: 0.7}
	tErr := &PipelineTimeoutError{Scope: ScopePipeline, Target: "pip_1"}
	defErr := &PipelineDefinitionError{Pipeline: "p", Message: "sequential must be true"}

	wrapped := fmt.Errorf("run: %w", cfgErr)
	if !IsConfigError(wrapped) || ConfigCode(wrapped) != CodeCircularDependency {
		t.Errorf("wrapped config error not recognized: %v", wrapped)
	}
	if !IsConfigError(defErr) {
		t.Error("definition errors are configuration errors")
	}
	if !IsCriticalError(critErr) || !errors.Is(critErr, ErrOutputValidation) {
		t.Error("critical error should unwrap to ErrOutputValidation")
	}
	if !IsQualityGateError(qErr) || IsTimeoutError(qErr) {
		t.Error("quality gate error misclassified")
	}
	if !IsTimeoutError(tErr) || IsQualityGateError(tErr) || IsCriticalError(tErr) {
		t.Error("timeout error misclassified")
	}
	if ConfigCode(qErr) != "" {
		t.Error("non-config error should have empty code")
	}
}
