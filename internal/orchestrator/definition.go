package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// StepDefinition is one link of a sequential chain. AgentKey pins the agent;
// otherwise TaskDescription is handed to the agent selector when the step runs.
type StepDefinition struct {
	AgentKey        string   `json:"agentKey,omitempty" yaml:"agentKey,omitempty" validate:"required_without=TaskDescription"`
	TaskDescription string   `json:"taskDescription,omitempty" yaml:"taskDescription,omitempty" validate:"required_without=AgentKey"`
	Task            string   `json:"task" yaml:"task" validate:"required"`
	InputDomain     string   `json:"inputDomain,omitempty" yaml:"inputDomain,omitempty"`
	InputTags       []string `json:"inputTags,omitempty" yaml:"inputTags,omitempty"`
	OutputDomain    string   `json:"outputDomain" yaml:"outputDomain" validate:"required"`
	OutputTags      []string `json:"outputTags,omitempty" yaml:"outputTags,omitempty"`
	MinQuality      *float64 `json:"minQuality,omitempty" yaml:"minQuality,omitempty" validate:"omitempty,gte=0,lte=1"`
	TimeoutMs       int      `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" validate:"gte=0"`
}

// Definition is a linear pipeline of steps run strictly one after another.
type Definition struct {
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Sequential        bool             `json:"sequential" yaml:"sequential"`
	Agents            []StepDefinition `json:"agents" yaml:"agents" validate:"required,min=1,dive"`
	DefaultMinQuality *float64         `json:"defaultMinQuality,omitempty" yaml:"defaultMinQuality,omitempty" validate:"omitempty,gte=0,lte=1"`
	DefaultTimeoutMs  int              `json:"defaultTimeoutMs,omitempty" yaml:"defaultTimeoutMs,omitempty" validate:"gte=0"`
	PipelineTimeoutMs int              `json:"pipelineTimeoutMs,omitempty" yaml:"pipelineTimeoutMs,omitempty" validate:"gte=0"`
}

var definitionValidate = validator.New()

// Validate checks the definition's shape. Agent keys are checked against the
// registry by the executor, not here.
func (d Definition) Validate() error {
	if !d.Sequential {
		return &pipeline.PipelineDefinitionError{Pipeline: d.Name, Message: "sequential must be true"}
	}
	if len(d.Agents) == 0 {
		return &pipeline.PipelineDefinitionError{Pipeline: d.Name, Message: "agents must not be empty"}
	}
	if err := definitionValidate.Struct(d); err != nil {
		return &pipeline.PipelineDefinitionError{Pipeline: d.Name, Message: describeValidation(err)}
	}
	return nil
}

// MinQualityFor returns the gate for step i: the step's own minimum, else the
// definition default, else 0.
func (d Definition) MinQualityFor(i int) float64 {
	if q := d.Agents[i].MinQuality; q != nil {
		return *q
	}
	if d.DefaultMinQuality != nil {
		return *d.DefaultMinQuality
	}
	return 0
}

// StepTimeout returns the bound for step i; zero means unbounded.
func (d Definition) StepTimeout(i int) time.Duration {
	ms := d.Agents[i].TimeoutMs
	if ms <= 0 {
		ms = d.DefaultTimeoutMs
	}
	return msDuration(ms)
}

// PipelineTimeout returns the whole-run bound; zero means unbounded.
func (d Definition) PipelineTimeout() time.Duration {
	return msDuration(d.PipelineTimeoutMs)
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Definition.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "required_without":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is empty", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}
