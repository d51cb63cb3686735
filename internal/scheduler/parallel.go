package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// runPhaseParallel executes a phase in waves. A wave holds every remaining
// agent whose dependencies have all been visited; its members run
// concurrently (bounded by the sibling limit) and their outcomes are applied
// to state afterwards in topological order, so state and the event stream
// are only ever written from this goroutine.
//
// When a wave contains a failed critical agent, outcomes after it in the
// wave are discarded and the run stops.
func (s *PhaseScheduler) runPhaseParallel(ctx context.Context, state *PipelineState, ids []int, problem string, logger *slog.Logger) error {
	remaining := append([]int(nil), ids...)

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline cancelled: %w", err)
		}

		wave, rest := s.nextWave(state, remaining)
		if len(wave) == 0 {
			// Unreachable for a validated config: every dependency is in
			// this phase or an earlier one.
			return fmt.Errorf("no runnable agents among %v", remaining)
		}
		remaining = rest

		agents := make([]AgentConfig, len(wave))
		inputs := make([]map[string]any, len(wave))
		for i, id := range wave {
			agents[i], _ = s.dag.Get(id)
			inputs[i] = s.buildInputs(state, agents[i], problem)
			s.emitAgentStarted(state, agents[i])
		}

		logger.Debug("running wave", "phase", state.CurrentPhase, "agents", wave)

		outcomes := make([]agentOutcome, len(wave))
		g := new(errgroup.Group)
		g.SetLimit(s.parallel)
		for i := range wave {
			g.Go(func() error {
				outcomes[i] = s.runAgent(ctx, state.PipelineID, agents[i], inputs[i])
				return nil
			})
		}
		// Agent failures live in the outcomes, never in the group error.
		_ = g.Wait()

		for _, o := range outcomes {
			if err := s.apply(ctx, state, o, logger); err != nil {
				return err
			}
		}
		if err := s.checkDeadline(state); err != nil {
			return err
		}
	}
	return nil
}

// nextWave splits ids (in topological order) into the agents that can run
// now and the rest.
func (s *PhaseScheduler) nextWave(state *PipelineState, ids []int) (wave, rest []int) {
	for _, id := range ids {
		ready := true
		for _, depID := range s.dag.agents[id].Dependencies {
			if _, visited := state.ExecutionRecords[depID]; !visited {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, id)
		} else {
			rest = append(rest, id)
		}
	}
	return wave, rest
}
