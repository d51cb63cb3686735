package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentpipe/internal/events"
	"github.com/aristath/agentpipe/internal/pipeline"
)

type memEntry struct {
	namespace string
	key       string
	content   string
	metadata  map[string]any
}

// fakeMemory is a namespaced map that keeps write order.
type fakeMemory struct {
	mu       sync.Mutex
	entries  []memEntry
	storeErr error
}

func (m *fakeMemory) Store(ctx context.Context, key, content string, opts pipeline.StoreOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return m.storeErr
	}
	m.entries = append(m.entries, memEntry{namespace: opts.Namespace, key: key, content: content, metadata: opts.Metadata})
	return nil
}

func (m *fakeMemory) Retrieve(ctx context.Context, key string, opts pipeline.RetrieveOptions) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; e.key == key && e.namespace == opts.Namespace {
			return e.content, true, nil
		}
	}
	return "", false, nil
}

func (m *fakeMemory) snapshot() []memEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memEntry(nil), m.entries...)
}

type registry map[string]bool

func (r registry) Has(key string) bool { return r[key] }

type selectorFunc func(ctx context.Context, desc string) (string, error)

func (f selectorFunc) SelectForTask(ctx context.Context, desc string) (string, error) {
	return f(ctx, desc)
}

type stepCall struct {
	key    string
	inputs map[string]any
	// memory as it was when the call started
	memory []memEntry
}

// scriptedExecutor returns outputs in call order and snapshots memory at
// the start of every call.
type scriptedExecutor struct {
	mu      sync.Mutex
	memory  *fakeMemory
	outputs []map[string]any
	errs    map[int]error
	delays  map[int]time.Duration
	calls   []stepCall
}

func (e *scriptedExecutor) Execute(ctx context.Context, agentKey string, inputs map[string]any, timeout time.Duration) (map[string]any, error) {
	e.mu.Lock()
	n := len(e.calls)
	c := stepCall{key: agentKey, inputs: inputs}
	if e.memory != nil {
		c.memory = e.memory.snapshot()
	}
	e.calls = append(e.calls, c)
	var out map[string]any
	if n < len(e.outputs) {
		out = e.outputs[n]
	}
	err := e.errs[n]
	d := e.delays[n]
	e.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{"output": agentKey + " done", "quality": 1.0}
	}
	return out, nil
}

func (e *scriptedExecutor) callLog() []stepCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]stepCall(nil), e.calls...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType()
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }

func step(key, task, domain string) StepDefinition {
	return StepDefinition{AgentKey: key, Task: task, OutputDomain: domain}
}

func threeStepDef() Definition {
	return Definition{
		Name:       "research-chain",
		Sequential: true,
		Agents: []StepDefinition{
			step("researcher", "gather sources", "research"),
			step("writer", "draft the report", "drafts"),
			step("editor", "polish the draft", "final"),
		},
	}
}

var allAgents = registry{"researcher": true, "writer": true, "editor": true, "critic": true}

func qualityOut(text string, q float64) map[string]any {
	return map[string]any{"output": text, "quality": q}
}

func TestExecute_CompletesAndAveragesQuality(t *testing.T) {
	mem := &fakeMemory{}
	exec := &scriptedExecutor{outputs: []map[string]any{
		qualityOut("sources", 0.8),
		qualityOut("draft", 0.9),
		qualityOut("final", 1.0),
	}}
	rec := &eventRecorder{}
	e := NewSequentialExecutor(exec, allAgents, mem, WithSink(rec))

	res := e.Execute(context.Background(), threeStepDef(), RunOptions{Input: "topic: tides"})

	require.NoError(t, res.Err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, "research-chain", res.PipelineName)
	assert.Regexp(t, `^pip_\d+_[0-9a-z]+$`, res.PipelineID)
	assert.Equal(t, "trj_pipeline_"+res.PipelineID, res.TrajectoryID)
	assert.InDelta(t, 0.9, res.OverallQuality, 1e-9)
	require.Len(t, res.Steps, 3)
	for i, s := range res.Steps {
		assert.Equal(t, i, s.StepIndex)
		assert.Equal(t, pipeline.StepTrajectoryID(res.PipelineID, i), s.TrajectoryID)
	}
	assert.Equal(t, "drafts", res.Steps[1].MemoryDomain)
	assert.Equal(t, []string{res.PipelineID, "step-1"}, res.Steps[1].MemoryTags)
	assert.Empty(t, res.Error())

	assert.Equal(t, []string{
		events.EventTypePipelineStarted,
		events.EventTypeAgentStarted, events.EventTypeAgentCompleted, events.EventTypeMemoryStored,
		events.EventTypeAgentStarted, events.EventTypeAgentCompleted, events.EventTypeMemoryStored,
		events.EventTypeAgentStarted, events.EventTypeAgentCompleted, events.EventTypeMemoryStored,
		events.EventTypePipelineCompleted,
	}, rec.types())

	done := rec.events[len(rec.events)-1].(events.PipelineCompletedEvent)
	assert.InDelta(t, 0.9, done.OverallQuality, 1e-9)
	assert.Equal(t, 3, done.Completed)
}

func TestExecute_QualityGateStopsAtFailingStep(t *testing.T) {
	for k := 0; k < 3; k++ {
		outputs := []map[string]any{qualityOut("a", 0.9), qualityOut("b", 0.9), qualityOut("c", 0.9)}
		outputs[k] = qualityOut("weak", 0.2)
		exec := &scriptedExecutor{outputs: outputs}
		def := threeStepDef()
		def.DefaultMinQuality = floatPtr(0.5)

		res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})

		assert.Equal(t, RunFailed, res.Status, "k=%d", k)
		require.Len(t, res.Steps, k, "k=%d", k)
		for i := range res.Steps {
			assert.Equal(t, i, res.Steps[i].StepIndex)
		}
		assert.True(t, pipeline.IsQualityGateError(res.Err), "k=%d: %v", k, res.Err)
		assert.Len(t, exec.callLog(), k+1, "no steps run after the gate")
	}
}

func TestExecute_DefaultMinQualityScenario(t *testing.T) {
	exec := &scriptedExecutor{outputs: []map[string]any{qualityOut("meh", 0.5)}}
	def := Definition{
		Name:              "gate",
		Sequential:        true,
		DefaultMinQuality: floatPtr(0.7),
		Agents:            []StepDefinition{step("writer", "write", "drafts")},
	}

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})

	assert.Equal(t, RunFailed, res.Status)
	var gateErr *pipeline.QualityGateError
	require.ErrorAs(t, res.Err, &gateErr)
	assert.Equal(t, 0, gateErr.StepIndex)
	assert.Equal(t, "writer", gateErr.AgentKey)
	assert.InDelta(t, 0.5, gateErr.Quality, 1e-9)
	assert.InDelta(t, 0.7, gateErr.MinQuality, 1e-9)
	assert.True(t, IsRetryable(res.Err))
	assert.Empty(t, res.Steps)
}

func TestExecute_StepMinQualityOverridesDefault(t *testing.T) {
	exec := &scriptedExecutor{outputs: []map[string]any{qualityOut("ok", 0.6)}}
	def := Definition{
		Name:              "override",
		Sequential:        true,
		DefaultMinQuality: floatPtr(0.9),
		Agents: []StepDefinition{{
			AgentKey: "writer", Task: "write", OutputDomain: "drafts", MinQuality: floatPtr(0.5),
		}},
	}

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})
	assert.Equal(t, RunCompleted, res.Status)
}

func TestExecute_MemoryWrittenBeforeNextStep(t *testing.T) {
	mem := &fakeMemory{}
	exec := &scriptedExecutor{memory: mem}
	def := threeStepDef()
	def.Agents[1].OutputTags = []string{"draft", "v1"}

	res := NewSequentialExecutor(exec, allAgents, mem).Execute(context.Background(), def, RunOptions{})
	require.Equal(t, RunCompleted, res.Status)

	calls := exec.callLog()
	require.Len(t, calls, 3)
	for i, c := range calls {
		// Step i sees exactly the i writes of the steps before it.
		require.Len(t, c.memory, i, "step %d", i)
		for j, entry := range c.memory {
			assert.Equal(t, MemoryKey(res.PipelineID, j), entry.key)
			assert.Equal(t, def.Agents[j].OutputDomain, entry.namespace)
			tags := entry.metadata["tags"].([]string)
			assert.Contains(t, tags, res.PipelineID)
			assert.Contains(t, tags, pipeline.StepTag(j))
		}
	}

	entries := mem.snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"draft", "v1", res.PipelineID, "step-1"}, entries[1].metadata["tags"])
	assert.Equal(t, "writer", entries[1].metadata["agentKey"])

	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].content), &stored))
	assert.Equal(t, "researcher done", stored["output"])
}

func TestExecute_TaskTextFoldsInputsAndPriorOutput(t *testing.T) {
	mem := &fakeMemory{}
	exec := &scriptedExecutor{outputs: []map[string]any{
		qualityOut("first findings", 1),
		qualityOut("second draft", 1),
	}}
	def := Definition{
		Name:       "fold",
		Sequential: true,
		Agents: []StepDefinition{
			step("researcher", "find facts", "research"),
			{AgentKey: "writer", Task: "write it up", OutputDomain: "drafts", InputTags: []string{"facts", "tone:formal"}},
		},
	}

	res := NewSequentialExecutor(exec, allAgents, mem).Execute(context.Background(), def, RunOptions{Input: "the moon"})
	require.Equal(t, RunCompleted, res.Status)

	calls := exec.callLog()
	first := calls[0].inputs[InputTask].(string)
	assert.Contains(t, first, "the moon")
	assert.Contains(t, first, "find facts")
	assert.Equal(t, "the moon", calls[0].inputs[InputInitial])
	assert.NotContains(t, calls[0].inputs, InputPreviousOutput)

	second := calls[1].inputs[InputTask].(string)
	assert.Contains(t, second, "first findings")
	assert.Contains(t, second, "facts, tone:formal")
	assert.True(t, strings.HasSuffix(second, "write it up"))
	assert.NotContains(t, second, "the moon")
	assert.Equal(t, 1, calls[1].inputs[InputStepIndex])
	assert.Equal(t, pipeline.StepTrajectoryID(res.PipelineID, 1), calls[1].inputs[InputTrajectoryID])
}

func TestExecute_InputDomainReadsBackFromMemory(t *testing.T) {
	mem := &fakeMemory{}
	exec := &scriptedExecutor{outputs: []map[string]any{qualityOut("from memory", 1), nil}}
	def := Definition{
		Name:       "readback",
		Sequential: true,
		Agents: []StepDefinition{
			step("researcher", "find", "research"),
			{AgentKey: "writer", Task: "write", OutputDomain: "drafts", InputDomain: "research"},
		},
	}

	res := NewSequentialExecutor(exec, allAgents, mem).Execute(context.Background(), def, RunOptions{})
	require.Equal(t, RunCompleted, res.Status)
	assert.Contains(t, exec.callLog()[1].inputs[InputTask], "from memory")
}

func TestExecute_DelegatedSelection(t *testing.T) {
	var asked []string
	sel := selectorFunc(func(ctx context.Context, desc string) (string, error) {
		asked = append(asked, desc)
		return "critic", nil
	})
	exec := &scriptedExecutor{}
	rec := &eventRecorder{}
	def := Definition{
		Name:       "delegated",
		Sequential: true,
		Agents: []StepDefinition{
			step("writer", "write", "drafts"),
			{TaskDescription: "review prose for clarity", Task: "review", OutputDomain: "reviews"},
		},
	}

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}, WithSelector(sel), WithSink(rec)).
		Execute(context.Background(), def, RunOptions{})

	require.Equal(t, RunCompleted, res.Status, "err: %v", res.Err)
	assert.Equal(t, []string{"review prose for clarity"}, asked)
	assert.Equal(t, "critic", res.Steps[1].AgentKey)

	var selected []events.AgentSelectedEvent
	for _, e := range rec.events {
		if s, ok := e.(events.AgentSelectedEvent); ok {
			selected = append(selected, s)
		}
	}
	require.Len(t, selected, 1, "selection event only for the delegated step")
	assert.Equal(t, 1, selected[0].StepIndex)
	assert.Equal(t, "critic", selected[0].AgentKey)

	types := rec.types()
	assert.Equal(t, events.EventTypeAgentSelected, types[4])
	assert.Equal(t, events.EventTypeAgentStarted, types[5])
}

func TestExecute_SelectorAnswersUnknownAgent(t *testing.T) {
	sel := selectorFunc(func(ctx context.Context, desc string) (string, error) { return "ghost", nil })
	def := Definition{
		Name:       "ghost",
		Sequential: true,
		Agents: []StepDefinition{
			step("writer", "write", "drafts"),
			{TaskDescription: "anything", Task: "x", OutputDomain: "y"},
		},
	}

	res := NewSequentialExecutor(&scriptedExecutor{}, allAgents, &fakeMemory{}, WithSelector(sel)).
		Execute(context.Background(), def, RunOptions{})

	assert.Equal(t, RunFailed, res.Status)
	var nf *pipeline.AgentNotFoundError
	require.ErrorAs(t, res.Err, &nf)
	assert.Equal(t, "ghost", nf.AgentKey)
	assert.Len(t, res.Steps, 1)
	assert.False(t, IsRetryable(res.Err))
}

func TestExecute_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		opts []Option
	}{
		{
			name: "not sequential",
			def:  Definition{Name: "x", Agents: []StepDefinition{step("writer", "t", "d")}},
		},
		{
			name: "no agents",
			def:  Definition{Name: "x", Sequential: true},
		},
		{
			name: "unknown explicit agent",
			def:  Definition{Name: "x", Sequential: true, Agents: []StepDefinition{step("writer", "t", "d"), step("nobody", "t", "d")}},
		},
		{
			name: "neither key nor description",
			def:  Definition{Name: "x", Sequential: true, Agents: []StepDefinition{{Task: "t", OutputDomain: "d"}}},
		},
		{
			name: "missing output domain",
			def:  Definition{Name: "x", Sequential: true, Agents: []StepDefinition{{AgentKey: "writer", Task: "t"}}},
		},
		{
			name: "min quality out of range",
			def: Definition{Name: "x", Sequential: true, Agents: []StepDefinition{
				{AgentKey: "writer", Task: "t", OutputDomain: "d", MinQuality: floatPtr(1.5)},
			}},
		},
		{
			name: "delegated step without selector",
			def: Definition{Name: "x", Sequential: true, Agents: []StepDefinition{
				{TaskDescription: "pick one", Task: "t", OutputDomain: "d"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptedExecutor{}
			rec := &eventRecorder{}
			res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}, WithSink(rec)).
				Execute(context.Background(), tt.def, RunOptions{})

			assert.Equal(t, RunFailed, res.Status)
			assert.True(t, pipeline.IsConfigError(res.Err), "got %v", res.Err)
			var defErr *pipeline.PipelineDefinitionError
			assert.ErrorAs(t, res.Err, &defErr)
			assert.Empty(t, exec.callLog(), "no step may run on an invalid definition")
			assert.Equal(t, []string{events.EventTypePipelineFailed}, rec.types())
		})
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	exec := &scriptedExecutor{delays: map[int]time.Duration{1: time.Minute}}
	def := threeStepDef()
	def.Agents[1].TimeoutMs = 20

	start := time.Now()
	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, RunFailed, res.Status)
	var te *pipeline.PipelineTimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, pipeline.ScopeStep, te.Scope)
	assert.Equal(t, "writer", te.Target)
	assert.False(t, pipeline.IsQualityGateError(res.Err))
	assert.Len(t, res.Steps, 1)
}

func TestExecute_DefaultStepTimeout(t *testing.T) {
	exec := &scriptedExecutor{delays: map[int]time.Duration{0: time.Minute}}
	def := threeStepDef()
	def.DefaultTimeoutMs = 20

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})
	assert.True(t, pipeline.IsTimeoutError(res.Err), "got %v", res.Err)
	assert.Empty(t, res.Steps)
}

func TestExecute_PipelineTimeout(t *testing.T) {
	exec := &scriptedExecutor{delays: map[int]time.Duration{0: 40 * time.Millisecond}}
	def := threeStepDef()
	def.PipelineTimeoutMs = 10

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).Execute(context.Background(), def, RunOptions{})

	assert.Equal(t, RunFailed, res.Status)
	var te *pipeline.PipelineTimeoutError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, pipeline.ScopePipeline, te.Scope)
	assert.Len(t, res.Steps, 1, "the step that crossed the deadline still completed")
	assert.Len(t, exec.callLog(), 1)
}

func TestExecute_ExecutorFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	exec := &scriptedExecutor{errs: map[int]error{2: boom}}
	rec := &eventRecorder{}

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}, WithSink(rec)).
		Execute(context.Background(), threeStepDef(), RunOptions{})

	assert.Equal(t, RunFailed, res.Status)
	assert.ErrorIs(t, res.Err, boom)
	assert.Len(t, res.Steps, 2)
	assert.InDelta(t, 1.0, res.OverallQuality, 1e-9)
	assert.Equal(t, events.EventTypePipelineFailed, rec.types()[len(rec.types())-1])
}

func TestExecute_MemoryFailureFailsRun(t *testing.T) {
	mem := &fakeMemory{storeErr: errors.New("disk full")}
	res := NewSequentialExecutor(&scriptedExecutor{}, allAgents, mem).
		Execute(context.Background(), threeStepDef(), RunOptions{})

	assert.Equal(t, RunFailed, res.Status)
	assert.ErrorContains(t, res.Err, "disk full")
	assert.Empty(t, res.Steps)
}

func TestExecute_PanickingSinkIsSwallowed(t *testing.T) {
	sink := events.SinkFunc(func(events.Event) { panic("dashboard crashed") })
	res := NewSequentialExecutor(&scriptedExecutor{}, allAgents, &fakeMemory{}).
		Execute(context.Background(), threeStepDef(), RunOptions{Sink: sink})

	assert.Equal(t, RunCompleted, res.Status)
	assert.Len(t, res.Steps, 3)
}

func TestExecute_CancelledContextStopsBeforeNextStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := events.SinkFunc(func(e events.Event) {
		if e.EventType() == events.EventTypeMemoryStored {
			cancel()
		}
	})

	exec := &scriptedExecutor{}
	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}).
		Execute(ctx, threeStepDef(), RunOptions{Sink: sink})

	assert.Equal(t, RunFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, res.Steps, 1)
	assert.Len(t, exec.callLog(), 1)
}

func TestExecute_ConcurrentRunsAreIndependent(t *testing.T) {
	mem := &fakeMemory{}
	e := NewSequentialExecutor(&scriptedExecutor{}, allAgents, mem)

	var wg sync.WaitGroup
	results := make([]*RunResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Execute(context.Background(), threeStepDef(), RunOptions{})
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, r := range results {
		require.Equal(t, RunCompleted, r.Status)
		assert.False(t, seen[r.PipelineID], "duplicate pipeline id")
		seen[r.PipelineID] = true
	}
	assert.Len(t, mem.snapshot(), 24)
}

func TestOutputQuality(t *testing.T) {
	tests := []struct {
		name string
		out  map[string]any
		want float64
	}{
		{"missing", map[string]any{"output": "x"}, 0},
		{"float", map[string]any{"quality": 0.75}, 0.75},
		{"int", map[string]any{"quality": 1}, 1},
		{"above range", map[string]any{"quality": 3.2}, 1},
		{"below range", map[string]any{"quality": -0.4}, 0},
		{"json number", map[string]any{"quality": json.Number("0.25")}, 0.25},
		{"numeric string", map[string]any{"quality": "0.6"}, 0.6},
		{"garbage", map[string]any{"quality": "great"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OutputQuality.Estimate("k", tt.out), 1e-9)
		})
	}
}

func TestCustomQualityEstimator(t *testing.T) {
	lengthScore := QualityFunc(func(_ string, out map[string]any) float64 {
		s, _ := out["output"].(string)
		if len(s) > 10 {
			return 1
		}
		return 0.1
	})
	def := threeStepDef()
	def.DefaultMinQuality = floatPtr(0.5)
	exec := &scriptedExecutor{outputs: []map[string]any{{"output": "a long enough answer"}, {"output": "short"}}}

	res := NewSequentialExecutor(exec, allAgents, &fakeMemory{}, WithQualityEstimator(lengthScore)).
		Execute(context.Background(), def, RunOptions{})

	assert.True(t, pipeline.IsQualityGateError(res.Err))
	assert.Len(t, res.Steps, 1)
}
