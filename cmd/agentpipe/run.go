package main

import (
	"context"
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentpipe/internal/config"
	"github.com/aristath/agentpipe/internal/events"
	"github.com/aristath/agentpipe/internal/orchestrator"
	"github.com/aristath/agentpipe/internal/persistence"
	"github.com/aristath/agentpipe/internal/scheduler"
	"github.com/aristath/agentpipe/internal/tui"
)

// runDAG loads a DAG pipeline file and executes it against problem. The
// returned error follows the scheduler: only critical failures, timeouts
// and cancellation are errors.
func (e *engine) runDAG(ctx context.Context, path, problem string) (*scheduler.PipelineState, error) {
	cfg, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, err
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithShadowTracker(e.store),
		scheduler.WithSink(e.sink),
		scheduler.WithParallelSiblings(e.cfg.Defaults.ParallelSiblings),
	}
	if ms := e.cfg.Defaults.PipelineTimeoutMs; ms > 0 {
		opts = append(opts, scheduler.WithPipelineTimeout(millis(ms)))
	}

	sched, err := scheduler.New(*cfg, e.exec, opts...)
	if err != nil {
		return nil, err
	}

	var (
		state  *scheduler.PipelineState
		runErr error
	)
	if err := e.withView(ctx, func(ctx context.Context) {
		state, runErr = sched.Execute(ctx, problem)
	}); err != nil {
		return state, err
	}

	if state != nil && state.IsTerminal() {
		progress := sched.GetProgress()
		rec := persistence.RunRecord{
			PipelineID: state.PipelineID,
			Name:       cfg.Meta.Name,
			Kind:       events.KindDAG,
			Status:     string(state.Status),
			StartedAt:  state.StartTime,
			FinishedAt: state.EndTime,
			Completed:  progress.Completed,
			Total:      progress.Total,
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		e.saveRun(ctx, rec, state)
	}
	e.finish()
	return state, runErr
}

// runChain loads a sequential definition and runs it with input folded into
// the first step.
func (e *engine) runChain(ctx context.Context, path, input string) (*orchestrator.RunResult, error) {
	def, err := config.LoadChainDefinition(path)
	if err != nil {
		return nil, err
	}
	e.cfg.ApplyChainDefaults(def)

	exec := orchestrator.NewSequentialExecutor(e.exec, e.registry, e.store,
		orchestrator.WithSelector(e.selector),
		orchestrator.WithLogger(e.logger),
		orchestrator.WithSink(e.sink),
	)

	var res *orchestrator.RunResult
	if err := e.withView(ctx, func(ctx context.Context) {
		res = exec.Execute(ctx, *def, orchestrator.RunOptions{Input: input})
	}); err != nil {
		return res, err
	}

	e.saveRun(ctx, persistence.RunRecord{
		PipelineID:     res.PipelineID,
		Name:           res.PipelineName,
		Kind:           events.KindSequential,
		Status:         string(res.Status),
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		Completed:      len(res.Steps),
		Total:          len(def.Agents),
		OverallQuality: res.OverallQuality,
		Error:          res.Error(),
	}, res)
	e.finish()
	return res, nil
}

// saveRun stores the run summary with detail as its JSON payload. Failures
// are logged; history is best effort.
func (e *engine) saveRun(ctx context.Context, rec persistence.RunRecord, detail any) {
	if rec.PipelineID == "" {
		return
	}
	if raw, err := json.Marshal(detail); err == nil {
		rec.Detail = raw
	} else {
		e.logger.Warn("failed to encode run detail", "pipeline_id", rec.PipelineID, "error", err)
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to save run", "pipeline_id", rec.PipelineID, "error", err)
	}
}

// withView runs fn, showing the terminal view alongside it when the engine
// was built with an event bus. The view stays up after fn returns until the
// user quits; quitting early cancels fn.
func (e *engine) withView(ctx context.Context, fn func(context.Context)) error {
	if e.bus == nil {
		fn(ctx)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before the run starts so no event is missed
	p := tea.NewProgram(tui.New(e.bus), tea.WithAltScreen())

	uiDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		uiDone <- err
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		fn(runCtx)
	}()

	select {
	case <-runDone:
		e.bus.Close()
		select {
		case err := <-uiDone:
			return uiError(err)
		case <-ctx.Done():
			p.Quit()
			return uiError(<-uiDone)
		}
	case err := <-uiDone:
		cancel()
		<-runDone
		return uiError(err)
	}
}

func uiError(err error) error {
	if err != nil {
		return fmt.Errorf("terminal view: %w", err)
	}
	return nil
}
