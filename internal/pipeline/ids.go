package pipeline

import (
	"math/rand/v2"
	"strconv"
	"time"
)

const suffixLen = 9

// randomSuffix returns up to suffixLen lowercase base36 characters.
func randomSuffix() string {
	s := strconv.FormatUint(rand.Uint64(), 36)
	if len(s) > suffixLen {
		s = s[:suffixLen]
	}
	return s
}

// NewDAGPipelineID returns "phd-pipeline-<unixMillis>-<base36>".
func NewDAGPipelineID(now time.Time) string {
	return "phd-pipeline-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + randomSuffix()
}

// NewSequentialPipelineID returns "pip_<unixMillis>_<base36>".
func NewSequentialPipelineID(now time.Time) string {
	return "pip_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + randomSuffix()
}

// PipelineTrajectoryID correlates a whole sequential run.
func PipelineTrajectoryID(pipelineID string) string {
	return "trj_pipeline_" + pipelineID
}

// StepTrajectoryID correlates a single step within a run.
func StepTrajectoryID(pipelineID string, stepIndex int) string {
	return "trj_step_" + pipelineID + "_" + strconv.Itoa(stepIndex)
}

// StepTag is the provenance tag attached to a step's memory entry.
func StepTag(stepIndex int) string {
	return "step-" + strconv.Itoa(stepIndex)
}
