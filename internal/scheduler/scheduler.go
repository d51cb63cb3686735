package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/agentpipe/internal/events"
	"github.com/aristath/agentpipe/internal/pipeline"
)

var tracer = otel.Tracer("agentpipe.scheduler")

// ProblemStatementKey is the input key carrying the problem to root agents.
const ProblemStatementKey = "problemStatement"

// Option configures a PhaseScheduler.
type Option func(*PhaseScheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *PhaseScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithShadowTracker sets the audit sink notified after every agent.
func WithShadowTracker(t pipeline.ShadowTracker) Option {
	return func(s *PhaseScheduler) { s.shadow = t }
}

// WithSink sets the lifecycle event sink.
func WithSink(sink events.Sink) Option {
	return func(s *PhaseScheduler) { s.sink = sink }
}

// WithPipelineTimeout bounds a whole run. It is checked after each agent.
func WithPipelineTimeout(d time.Duration) Option {
	return func(s *PhaseScheduler) { s.pipelineTimeout = d }
}

// WithParallelSiblings runs agents of the same phase whose dependencies are
// all visited concurrently, at most limit at a time. limit <= 1 keeps the
// default one-at-a-time execution.
func WithParallelSiblings(limit int) Option {
	return func(s *PhaseScheduler) { s.parallel = limit }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *PhaseScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// PhaseScheduler drives a validated PipelineConfig through its phases.
// Each Execute call owns its own state; accessors read the state of the most
// recent run.
type PhaseScheduler struct {
	cfg    PipelineConfig
	dag    *DAG
	order  []int
	phases []PhaseConfig // ascending by ID
	exec   pipeline.AgentExecutor

	logger          *slog.Logger
	shadow          pipeline.ShadowTracker
	sink            events.Sink
	pipelineTimeout time.Duration
	parallel        int
	now             func() time.Time

	mu   sync.RWMutex
	last *PipelineState
}

// New validates cfg and returns a scheduler bound to exec. Validation
// failures are returned as *pipeline.PipelineConfigError before anything runs.
func New(cfg PipelineConfig, exec pipeline.AgentExecutor, opts ...Option) (*PhaseScheduler, error) {
	if exec == nil {
		return nil, errors.New("scheduler: nil agent executor")
	}
	dag, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	phases := make([]PhaseConfig, len(cfg.Phases))
	for i, p := range cfg.Phases {
		phases[i] = clonePhase(p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].ID < phases[j].ID })

	s := &PhaseScheduler{
		cfg:    cfg,
		dag:    dag,
		order:  dag.Order(),
		phases: phases,
		exec:   exec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// agentOutcome is the result of one executor call, not yet applied to state.
type agentOutcome struct {
	agent    AgentConfig
	output   map[string]any
	err      error
	duration time.Duration
}

// Execute runs every agent once, phase by phase. It returns the final state
// and a nil error when the run completed, including runs where non-critical
// agents failed. A critical failure, pipeline timeout or cancellation returns
// the failed state together with the error.
func (s *PhaseScheduler) Execute(ctx context.Context, problemStatement string) (*PipelineState, error) {
	start := s.now()
	firstPhase := 0
	if len(s.phases) > 0 {
		firstPhase = s.phases[0].ID
	}
	state := newPipelineState(pipeline.NewDAGPipelineID(start), firstPhase, start)
	logger := s.logger.With("pipeline_id", state.PipelineID)

	ctx, span := tracer.Start(ctx, "scheduler.Execute",
		trace.WithAttributes(
			attribute.String("pipeline.id", state.PipelineID),
			attribute.String("pipeline.name", s.cfg.Meta.Name),
			attribute.Int("pipeline.agents", s.dag.Len()),
		),
	)
	defer span.End()

	logger.Info("pipeline started", "name", s.cfg.Meta.Name, "agents", s.dag.Len(), "phases", len(s.phases))
	s.emit(events.PipelineStartedEvent{
		ID:        state.PipelineID,
		Name:      s.cfg.Meta.Name,
		Kind:      events.KindDAG,
		Total:     s.dag.Len(),
		Timestamp: start,
	})
	s.publish(state)

	for _, phase := range s.phases {
		state.CurrentPhase = phase.ID
		ids := s.phaseOrder(phase.ID)
		s.publish(state)

		logger.Info("phase started", "phase", phase.ID, "name", phase.Name, "agents", len(ids))
		s.emit(events.PhaseStartedEvent{
			ID:        state.PipelineID,
			Phase:     phase.ID,
			Name:      phase.Name,
			Agents:    len(ids),
			Timestamp: s.now(),
		})

		var err error
		if s.parallel > 1 {
			err = s.runPhaseParallel(ctx, state, ids, problemStatement, logger)
		} else {
			err = s.runPhaseSequential(ctx, state, ids, problemStatement, logger)
		}
		if err != nil {
			return s.fail(state, span, logger, err)
		}
	}

	state.Status = StatusCompleted
	state.EndTime = s.now()
	s.publish(state)

	duration := state.EndTime.Sub(start)
	span.SetStatus(codes.Ok, "")
	logger.Info("pipeline completed",
		"completed", len(state.CompletedAgents),
		"errors", len(state.Errors),
		"duration_ms", duration.Milliseconds())
	s.emit(events.PipelineCompletedEvent{
		ID:        state.PipelineID,
		Completed: len(state.CompletedAgents),
		Total:     s.dag.Len(),
		Duration:  duration,
		Timestamp: state.EndTime,
	})

	return state.Snapshot(), nil
}

func (s *PhaseScheduler) runPhaseSequential(ctx context.Context, state *PipelineState, ids []int, problem string, logger *slog.Logger) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline cancelled: %w", err)
		}
		agent, _ := s.dag.Get(id)
		inputs := s.buildInputs(state, agent, problem)
		s.emitAgentStarted(state, agent)
		outcome := s.runAgent(ctx, state.PipelineID, agent, inputs)
		if err := s.apply(ctx, state, outcome, logger); err != nil {
			return err
		}
		if err := s.checkDeadline(state); err != nil {
			return err
		}
	}
	return nil
}

// checkDeadline fails the run once the pipeline budget is spent. It runs
// after each agent; an in-flight call is never preempted by it.
func (s *PhaseScheduler) checkDeadline(state *PipelineState) error {
	if s.pipelineTimeout > 0 {
		if elapsed := s.now().Sub(state.StartTime); elapsed > s.pipelineTimeout {
			return &pipeline.PipelineTimeoutError{
				Scope:   pipeline.ScopePipeline,
				Target:  state.PipelineID,
				Limit:   s.pipelineTimeout,
				Elapsed: elapsed,
			}
		}
	}
	return nil
}

// runAgent calls the executor for one agent. It does not touch state.
func (s *PhaseScheduler) runAgent(ctx context.Context, pipelineID string, agent AgentConfig, inputs map[string]any) agentOutcome {
	ctx, span := tracer.Start(ctx, "scheduler.agent",
		trace.WithAttributes(
			attribute.String("pipeline.id", pipelineID),
			attribute.Int("agent.id", agent.ID),
			attribute.String("agent.key", agent.Key),
			attribute.Bool("agent.critical", agent.Critical),
		),
	)
	defer span.End()

	start := s.now()
	out, err := pipeline.CallExecutor(ctx, s.exec, agent.Key, inputs, agent.Timeout(), pipeline.ScopeAgent)
	if err == nil && agent.Critical {
		err = validateOutputs(agent, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return agentOutcome{agent: agent, output: out, err: err, duration: s.now().Sub(start)}
}

// apply folds an outcome into state. It returns a *pipeline.CriticalAgentError
// when a critical agent failed; non-critical failures are recorded only.
func (s *PhaseScheduler) apply(ctx context.Context, state *PipelineState, o agentOutcome, logger *slog.Logger) error {
	a := o.agent
	rec := pipeline.ShadowRecord{
		PipelineID: state.PipelineID,
		AgentID:    a.ID,
		AgentKey:   a.Key,
		Duration:   o.duration,
		RecordedAt: s.now(),
	}
	log := logger.With("agent_id", a.ID, "agent_key", a.Key, "duration_ms", o.duration.Milliseconds())

	if o.err == nil {
		state.AgentOutputs[a.ID] = o.output
		state.CompletedAgents[a.ID] = true
		state.ExecutionRecords[a.ID] = ExecutionRecord{AgentKey: a.Key, Status: RecordSuccess, DurationMs: o.duration.Milliseconds()}
		rec.Status = pipeline.ShadowSuccess
		s.record(ctx, rec)
		s.publish(state)

		log.Info("agent completed")
		s.emit(events.AgentCompletedEvent{
			ID:        state.PipelineID,
			AgentID:   a.ID,
			AgentKey:  a.Key,
			Duration:  o.duration,
			Timestamp: s.now(),
		})
		s.emitProgress(state)
		return nil
	}

	state.ExecutionRecords[a.ID] = ExecutionRecord{AgentKey: a.Key, Status: RecordFailed, DurationMs: o.duration.Milliseconds()}
	state.Errors = append(state.Errors, AgentError{AgentID: a.ID, AgentKey: a.Key, Critical: a.Critical, Error: o.err.Error()})
	rec.Status = pipeline.ShadowFailed
	rec.Error = o.err.Error()
	s.record(ctx, rec)
	s.publish(state)

	s.emit(events.AgentFailedEvent{
		ID:        state.PipelineID,
		AgentID:   a.ID,
		AgentKey:  a.Key,
		Critical:  a.Critical,
		Error:     o.err.Error(),
		Duration:  o.duration,
		Timestamp: s.now(),
	})
	s.emitProgress(state)

	if a.Critical {
		log.Error("critical agent failed", "error", o.err)
		return &pipeline.CriticalAgentError{AgentID: a.ID, AgentKey: a.Key, Cause: o.err}
	}
	log.Warn("agent failed, continuing", "error", o.err)
	return nil
}

func (s *PhaseScheduler) fail(state *PipelineState, span trace.Span, logger *slog.Logger, err error) (*PipelineState, error) {
	state.Status = StatusFailed
	state.EndTime = s.now()
	s.publish(state)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	duration := state.EndTime.Sub(state.StartTime)
	logger.Error("pipeline failed", "error", err, "duration_ms", duration.Milliseconds())
	s.emit(events.PipelineFailedEvent{
		ID:        state.PipelineID,
		Error:     err.Error(),
		Completed: len(state.CompletedAgents),
		Duration:  duration,
		Timestamp: state.EndTime,
	})
	return state.Snapshot(), err
}

// buildInputs merges the outputs of agent's dependencies in declaration
// order. When the agent names its inputs, only those keys are passed on.
// Root agents receive the problem statement.
func (s *PhaseScheduler) buildInputs(state *PipelineState, agent AgentConfig, problem string) map[string]any {
	inputs := make(map[string]any)
	if len(agent.Dependencies) == 0 {
		inputs[ProblemStatementKey] = problem
	}

	merged := make(map[string]any)
	for _, depID := range agent.Dependencies {
		for k, v := range state.AgentOutputs[depID] {
			merged[k] = v
		}
	}

	if len(agent.Inputs) == 0 {
		for k, v := range merged {
			inputs[k] = v
		}
		return inputs
	}
	for _, name := range agent.Inputs {
		if v, ok := merged[name]; ok {
			inputs[name] = v
		} else if name == ProblemStatementKey {
			inputs[name] = problem
		}
	}
	return inputs
}

// validateOutputs checks that every declared output key is present and
// non-empty.
func validateOutputs(agent AgentConfig, out map[string]any) error {
	var missing []string
	for _, key := range agent.Outputs {
		if v, ok := out[key]; !ok || isEmptyValue(v) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: agent %q missing outputs %s", pipeline.ErrOutputValidation, agent.Key, strings.Join(missing, ", "))
	}
	return nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// phaseOrder returns the agents of phaseID in global topological order.
func (s *PhaseScheduler) phaseOrder(phaseID int) []int {
	var ids []int
	for _, id := range s.order {
		if s.dag.agents[id].Phase == phaseID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *PhaseScheduler) emitAgentStarted(state *PipelineState, agent AgentConfig) {
	s.logger.Debug("agent starting", "pipeline_id", state.PipelineID, "agent_id", agent.ID, "agent_key", agent.Key)
	s.emit(events.AgentStartedEvent{
		ID:        state.PipelineID,
		AgentID:   agent.ID,
		AgentKey:  agent.Key,
		Name:      agent.Name,
		Timestamp: s.now(),
	})
}

func (s *PhaseScheduler) emitProgress(state *PipelineState) {
	completed := len(state.CompletedAgents)
	s.emit(events.ProgressEvent{
		ID:         state.PipelineID,
		Completed:  completed,
		Failed:     len(state.Errors),
		Total:      s.dag.Len(),
		Percentage: percentage(completed, s.dag.Len()),
		Phase:      s.phaseName(state.CurrentPhase),
		Timestamp:  s.now(),
	})
}

func (s *PhaseScheduler) emit(e events.Event) {
	events.Deliver(s.logger, s.sink, e)
}

// record notifies the shadow tracker. A panicking tracker is logged and
// otherwise ignored.
func (s *PhaseScheduler) record(ctx context.Context, rec pipeline.ShadowRecord) {
	if s.shadow == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("shadow tracker panicked",
				"pipeline_id", rec.PipelineID,
				"agent_id", rec.AgentID,
				"panic", r)
		}
	}()
	s.shadow.Record(ctx, rec)
}

// publish makes a copy of state visible to the accessors.
func (s *PhaseScheduler) publish(state *PipelineState) {
	snap := state.Snapshot()
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

func (s *PhaseScheduler) phaseName(id int) string {
	for _, p := range s.phases {
		if p.ID == id {
			return p.Name
		}
	}
	return ""
}

// State returns a copy of the most recent run's state, or nil before the
// first Execute.
func (s *PhaseScheduler) State() *PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.Snapshot()
}

// GetProgress returns nil before the first Execute.
func (s *PhaseScheduler) GetProgress() *Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	completed := len(s.last.CompletedAgents)
	total := s.cfg.Meta.TotalAgents
	return &Progress{
		Completed:        completed,
		Total:            total,
		Percentage:       percentage(completed, total),
		CurrentPhaseName: s.phaseName(s.last.CurrentPhase),
	}
}

// GetAgentOutput returns the output bundle of a completed agent.
func (s *PhaseScheduler) GetAgentOutput(id int) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, false
	}
	out, ok := s.last.AgentOutputs[id]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(out))
	for k, v := range out {
		cp[k] = v
	}
	return cp, true
}

// GetAgentRecord returns the execution record of a visited agent.
func (s *PhaseScheduler) GetAgentRecord(id int) (ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ExecutionRecord{}, false
	}
	rec, ok := s.last.ExecutionRecords[id]
	return rec, ok
}

// IsAgentCompleted reports whether id completed successfully in the last run.
func (s *PhaseScheduler) IsAgentCompleted(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last != nil && s.last.CompletedAgents[id]
}

// GetCriticalAgents returns the critical agents in ascending ID order.
func (s *PhaseScheduler) GetCriticalAgents() []AgentConfig {
	var out []AgentConfig
	for _, id := range s.dag.ids {
		if a := s.dag.agents[id]; a.Critical {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

// GetAgentConfig returns the config of agent id.
func (s *PhaseScheduler) GetAgentConfig(id int) (AgentConfig, bool) {
	return s.dag.Get(id)
}

// GetPhaseConfig returns the config of phase id.
func (s *PhaseScheduler) GetPhaseConfig(id int) (PhaseConfig, bool) {
	for _, p := range s.phases {
		if p.ID == id {
			return clonePhase(p), true
		}
	}
	return PhaseConfig{}, false
}

// ExecutionOrder returns the order agents run in: phases ascending, then
// topological order within each phase.
func (s *PhaseScheduler) ExecutionOrder() []int {
	var out []int
	for _, p := range s.phases {
		out = append(out, s.phaseOrder(p.ID)...)
	}
	return out
}

// Config returns the pipeline configuration.
func (s *PhaseScheduler) Config() PipelineConfig {
	return s.cfg
}
