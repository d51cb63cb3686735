package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/agentpipe/internal/events"
	"github.com/aristath/agentpipe/internal/pipeline"
)

var tracer = otel.Tracer("agentpipe.orchestrator")

// RunStatus is the outcome of a sequential run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Input keys handed to the agent executor for every step.
const (
	InputTask           = "task"
	InputPipelineID     = "pipelineId"
	InputStepIndex      = "stepIndex"
	InputTrajectoryID   = "trajectoryId"
	InputPreviousOutput = "previousOutput"
	InputInitial        = "input"
)

// StepResult is a step that passed its quality gate and was written to memory.
type StepResult struct {
	StepIndex    int            `json:"stepIndex"`
	AgentKey     string         `json:"agentKey"`
	Output       map[string]any `json:"output"`
	Quality      float64        `json:"quality"`
	DurationMs   int64          `json:"durationMs"`
	MemoryDomain string         `json:"memoryDomain"`
	MemoryTags   []string       `json:"memoryTags"`
	TrajectoryID string         `json:"trajectoryId"`
}

// RunResult is always returned, complete or partial. Err holds the typed
// failure when Status is failed.
type RunResult struct {
	PipelineID     string       `json:"pipelineId"`
	PipelineName   string       `json:"pipelineName"`
	Status         RunStatus    `json:"status"`
	Steps          []StepResult `json:"steps"`
	OverallQuality float64      `json:"overallQuality"`
	TrajectoryID   string       `json:"trajectoryId"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
	Err            error        `json:"-"`
}

// Error returns the failure message, or "".
func (r *RunResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// RunOptions are per-call settings.
type RunOptions struct {
	// Input is folded into the first step's task text.
	Input string
	// Sink overrides the executor's default sink for this run.
	Sink events.Sink
}

// Option configures a SequentialExecutor.
type Option func(*SequentialExecutor)

// WithSelector sets the selector used for steps without an agent key.
func WithSelector(sel pipeline.AgentSelector) Option {
	return func(e *SequentialExecutor) { e.selector = sel }
}

// WithQualityEstimator replaces OutputQuality.
func WithQualityEstimator(q QualityEstimator) Option {
	return func(e *SequentialExecutor) {
		if q != nil {
			e.quality = q
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *SequentialExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSink sets the default lifecycle event sink.
func WithSink(s events.Sink) Option {
	return func(e *SequentialExecutor) { e.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *SequentialExecutor) {
		if now != nil {
			e.now = now
		}
	}
}

// SequentialExecutor runs chain definitions one step at a time, handing each
// step's output to the next through the memory store. It keeps no per-run
// state and may be shared by concurrent runs.
type SequentialExecutor struct {
	exec     pipeline.AgentExecutor
	registry pipeline.AgentRegistry
	memory   pipeline.MemoryStore
	selector pipeline.AgentSelector
	quality  QualityEstimator
	logger   *slog.Logger
	sink     events.Sink
	now      func() time.Time
}

// NewSequentialExecutor builds an executor. A nil registry accepts every
// agent key.
func NewSequentialExecutor(exec pipeline.AgentExecutor, registry pipeline.AgentRegistry, memory pipeline.MemoryStore, opts ...Option) *SequentialExecutor {
	e := &SequentialExecutor{
		exec:     exec,
		registry: registry,
		memory:   memory,
		quality:  OutputQuality,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run carries the per-call values through the step loop.
type run struct {
	def    Definition
	opts   RunOptions
	sink   events.Sink
	result *RunResult
	logger *slog.Logger
	span   trace.Span
}

// Execute runs def and never returns an error: failures are reported through
// the result's Status and Err, with Steps holding what completed.
func (e *SequentialExecutor) Execute(ctx context.Context, def Definition, opts RunOptions) *RunResult {
	start := e.now()
	id := pipeline.NewSequentialPipelineID(start)

	r := &run{
		def:  def,
		opts: opts,
		sink: e.sink,
		result: &RunResult{
			PipelineID:   id,
			PipelineName: def.Name,
			Status:       RunRunning,
			Steps:        []StepResult{},
			TrajectoryID: pipeline.PipelineTrajectoryID(id),
			StartedAt:    start,
		},
		logger: e.logger.With("pipeline_id", id),
	}
	if opts.Sink != nil {
		r.sink = opts.Sink
	}

	ctx, span := tracer.Start(ctx, "orchestrator.Execute",
		trace.WithAttributes(
			attribute.String("pipeline.id", id),
			attribute.String("pipeline.name", def.Name),
			attribute.Int("pipeline.steps", len(def.Agents)),
		),
	)
	defer span.End()
	r.span = span

	if err := e.validate(def); err != nil {
		return e.fail(r, err)
	}

	r.logger.Info("pipeline started", "name", def.Name, "steps", len(def.Agents))
	e.emit(r, events.PipelineStartedEvent{
		ID:        id,
		Name:      def.Name,
		Kind:      events.KindSequential,
		Total:     len(def.Agents),
		Timestamp: start,
	})

	var prev map[string]any
	for i := range def.Agents {
		if err := ctx.Err(); err != nil {
			return e.fail(r, fmt.Errorf("pipeline cancelled before step %d: %w", i, err))
		}

		step, err := e.runStep(ctx, r, i, prev)
		if err != nil {
			return e.fail(r, err)
		}
		r.result.Steps = append(r.result.Steps, *step)
		prev = step.Output

		e.emit(r, events.AgentCompletedEvent{
			ID:        id,
			StepIndex: i,
			AgentKey:  step.AgentKey,
			Quality:   step.Quality,
			Duration:  time.Duration(step.DurationMs) * time.Millisecond,
			Timestamp: e.now(),
		})
		e.emit(r, events.MemoryStoredEvent{
			ID:        id,
			StepIndex: i,
			Key:       memoryKey(id, i),
			Namespace: step.MemoryDomain,
			Tags:      step.MemoryTags,
			Timestamp: e.now(),
		})

		if limit := def.PipelineTimeout(); limit > 0 {
			if elapsed := e.now().Sub(start); elapsed > limit {
				return e.fail(r, &pipeline.PipelineTimeoutError{
					Scope:   pipeline.ScopePipeline,
					Target:  id,
					Limit:   limit,
					Elapsed: elapsed,
				})
			}
		}
	}

	res := r.result
	res.Status = RunCompleted
	res.OverallQuality = meanQuality(res.Steps)
	res.FinishedAt = e.now()

	span.SetStatus(codes.Ok, "")
	r.logger.Info("pipeline completed",
		"steps", len(res.Steps),
		"quality", res.OverallQuality,
		"duration_ms", res.FinishedAt.Sub(start).Milliseconds())
	e.emit(r, events.PipelineCompletedEvent{
		ID:             id,
		Completed:      len(res.Steps),
		Total:          len(def.Agents),
		OverallQuality: res.OverallQuality,
		Duration:       res.FinishedAt.Sub(start),
		Timestamp:      res.FinishedAt,
	})
	return res
}

// validate checks the definition and every explicitly pinned agent key.
// Delegated steps are resolved when they run.
func (e *SequentialExecutor) validate(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for i, step := range def.Agents {
		if step.AgentKey != "" {
			if e.registry != nil && !e.registry.Has(step.AgentKey) {
				return &pipeline.PipelineDefinitionError{
					Pipeline: def.Name,
					Message:  fmt.Sprintf("step %d: %v", i, &pipeline.AgentNotFoundError{AgentKey: step.AgentKey}),
				}
			}
			continue
		}
		if e.selector == nil {
			return &pipeline.PipelineDefinitionError{
				Pipeline: def.Name,
				Message:  fmt.Sprintf("step %d has no agent key and no selector is configured", i),
			}
		}
	}
	return nil
}

// runStep resolves, executes, gates and persists step i.
func (e *SequentialExecutor) runStep(ctx context.Context, r *run, i int, prev map[string]any) (*StepResult, error) {
	step := r.def.Agents[i]
	id := r.result.PipelineID
	stepTrajectory := pipeline.StepTrajectoryID(id, i)

	ctx, span := tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("pipeline.id", id),
			attribute.Int("step.index", i),
			attribute.String("step.output_domain", step.OutputDomain),
		),
	)
	defer span.End()

	agentKey, err := e.resolveAgent(ctx, r, i)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("agent.key", agentKey))
	log := r.logger.With("step", i, "agent_key", agentKey)

	inputs := map[string]any{
		InputTask:         e.taskText(ctx, r, i, prev, log),
		InputPipelineID:   id,
		InputStepIndex:    i,
		InputTrajectoryID: stepTrajectory,
	}
	if prev != nil {
		inputs[InputPreviousOutput] = prev
	}
	if i == 0 && r.opts.Input != "" {
		inputs[InputInitial] = r.opts.Input
	}

	e.emit(r, events.AgentStartedEvent{
		ID:        id,
		StepIndex: i,
		AgentKey:  agentKey,
		Timestamp: e.now(),
	})

	start := e.now()
	out, err := pipeline.CallExecutor(ctx, e.exec, agentKey, inputs, r.def.StepTimeout(i), pipeline.ScopeStep)
	duration := e.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("step failed", "error", err, "duration_ms", duration.Milliseconds())
		e.emitStepFailed(r, i, agentKey, err, duration)
		return nil, fmt.Errorf("step %d (%s): %w", i, agentKey, err)
	}

	quality := e.quality.Estimate(agentKey, out)
	span.SetAttributes(attribute.Float64("step.quality", quality))
	if minQ := r.def.MinQualityFor(i); quality < minQ {
		gateErr := &pipeline.QualityGateError{StepIndex: i, AgentKey: agentKey, Quality: quality, MinQuality: minQ}
		span.RecordError(gateErr)
		span.SetStatus(codes.Error, gateErr.Error())
		log.Warn("quality gate failed", "quality", quality, "min_quality", minQ)
		e.emitStepFailed(r, i, agentKey, gateErr, duration)
		return nil, gateErr
	}

	tags := append(append([]string{}, step.OutputTags...), id, pipeline.StepTag(i))
	content, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("step %d (%s): encode output: %w", i, agentKey, err)
	}
	storeErr := e.memory.Store(ctx, memoryKey(id, i), string(content), pipeline.StoreOptions{
		Namespace: step.OutputDomain,
		Metadata: map[string]any{
			"tags":         tags,
			"pipelineId":   id,
			"agentKey":     agentKey,
			"quality":      quality,
			"stepIndex":    i,
			"trajectoryId": stepTrajectory,
		},
	})
	if storeErr != nil {
		span.RecordError(storeErr)
		return nil, fmt.Errorf("step %d (%s): store output: %w", i, agentKey, storeErr)
	}

	log.Info("step completed", "quality", quality, "duration_ms", duration.Milliseconds())
	return &StepResult{
		StepIndex:    i,
		AgentKey:     agentKey,
		Output:       out,
		Quality:      quality,
		DurationMs:   duration.Milliseconds(),
		MemoryDomain: step.OutputDomain,
		MemoryTags:   tags,
		TrajectoryID: stepTrajectory,
	}, nil
}

// resolveAgent returns the pinned key, or asks the selector and checks the
// answer against the registry.
func (e *SequentialExecutor) resolveAgent(ctx context.Context, r *run, i int) (string, error) {
	step := r.def.Agents[i]
	if step.AgentKey != "" {
		return step.AgentKey, nil
	}

	key, err := e.selector.SelectForTask(ctx, step.TaskDescription)
	if err != nil {
		return "", fmt.Errorf("step %d: select agent: %w", i, err)
	}
	if key == "" || (e.registry != nil && !e.registry.Has(key)) {
		return "", fmt.Errorf("step %d: %w", i, &pipeline.AgentNotFoundError{AgentKey: key})
	}

	r.logger.Info("agent selected", "step", i, "agent_key", key)
	e.emit(r, events.AgentSelectedEvent{
		ID:              r.result.PipelineID,
		StepIndex:       i,
		AgentKey:        key,
		TaskDescription: step.TaskDescription,
		Timestamp:       e.now(),
	})
	return key, nil
}

// taskText builds the prompt for step i from the caller input (step 0), the
// previous step's output and the step's own task.
func (e *SequentialExecutor) taskText(ctx context.Context, r *run, i int, prev map[string]any, log *slog.Logger) string {
	step := r.def.Agents[i]
	var b strings.Builder

	if i == 0 && r.opts.Input != "" {
		b.WriteString("Input:\n")
		b.WriteString(r.opts.Input)
		b.WriteString("\n\n")
	}

	if i > 0 {
		prior := ""
		if step.InputDomain != "" {
			content, ok, err := e.memory.Retrieve(ctx, memoryKey(r.result.PipelineID, i-1), pipeline.RetrieveOptions{Namespace: step.InputDomain})
			switch {
			case err != nil:
				log.Warn("read step input from memory", "namespace", step.InputDomain, "error", err)
			case ok:
				prior = contentText(content)
			}
		}
		if prior == "" && prev != nil {
			prior = outputText(prev)
		}
		if prior != "" {
			b.WriteString("Previous step output:\n")
			b.WriteString(prior)
			b.WriteString("\n\n")
		}
	}

	if len(step.InputTags) > 0 {
		b.WriteString("Context tags: ")
		b.WriteString(strings.Join(step.InputTags, ", "))
		b.WriteString("\n\n")
	}

	b.WriteString("Task:\n")
	b.WriteString(step.Task)
	return b.String()
}

func (e *SequentialExecutor) fail(r *run, err error) *RunResult {
	res := r.result
	res.Status = RunFailed
	res.Err = err
	res.OverallQuality = meanQuality(res.Steps)
	res.FinishedAt = e.now()

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.logger.Error("pipeline failed", "error", err, "completed_steps", len(res.Steps))
	e.emit(r, events.PipelineFailedEvent{
		ID:        res.PipelineID,
		Error:     err.Error(),
		Completed: len(res.Steps),
		Duration:  res.FinishedAt.Sub(res.StartedAt),
		Timestamp: res.FinishedAt,
	})
	return res
}

func (e *SequentialExecutor) emitStepFailed(r *run, i int, agentKey string, err error, d time.Duration) {
	e.emit(r, events.AgentFailedEvent{
		ID:          r.result.PipelineID,
		StepIndex:   i,
		AgentKey:    agentKey,
		Critical:    true,
		QualityGate: pipeline.IsQualityGateError(err),
		Error:       err.Error(),
		Duration:    d,
		Timestamp:   e.now(),
	})
}

func (e *SequentialExecutor) emit(r *run, ev events.Event) {
	events.Deliver(e.logger, r.sink, ev)
}

// memoryKey is where step i of a run is stored.
func memoryKey(pipelineID string, i int) string {
	return pipelineID + "/" + pipeline.StepTag(i)
}

// MemoryKey exposes the storage key of step i for callers reading results back.
func MemoryKey(pipelineID string, stepIndex int) string {
	return memoryKey(pipelineID, stepIndex)
}

func meanQuality(steps []StepResult) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, s := range steps {
		sum += s.Quality
	}
	return sum / float64(len(steps))
}

// outputText prefers a textual "output" or "text" entry, else the JSON form.
func outputText(out map[string]any) string {
	for _, k := range []string{"output", "text"} {
		if s, ok := out[k].(string); ok && s != "" {
			return s
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprint(out)
	}
	return string(data)
}

func contentText(content string) string {
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return content
	}
	return outputText(out)
}

// IsRetryable reports whether a failed run could succeed with another agent:
// quality gate failures are, configuration errors are not.
func IsRetryable(err error) bool {
	if err == nil || pipeline.IsConfigError(err) {
		return false
	}
	var nf *pipeline.AgentNotFoundError
	if errors.As(err, &nf) {
		return false
	}
	return pipeline.IsQualityGateError(err) || pipeline.IsTimeoutError(err)
}
