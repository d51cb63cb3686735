package scheduler

import (
	"sort"
	"strings"

	"github.com/aristath/agentpipe/internal/pipeline"
)

// ValidateConfig checks cfg in a fixed order and returns the first failure as
// a *pipeline.PipelineConfigError. On success it returns the validated DAG.
func ValidateConfig(cfg PipelineConfig) (*DAG, error) {
	if len(cfg.Agents) != cfg.Meta.TotalAgents {
		return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentCount,
			"expected %d agents, found %d", cfg.Meta.TotalAgents, len(cfg.Agents))
	}
	if len(cfg.Phases) != cfg.Meta.PhaseCount {
		return nil, pipeline.NewConfigError(pipeline.CodeInvalidPhaseCount,
			"expected %d phases, found %d", cfg.Meta.PhaseCount, len(cfg.Phases))
	}

	phaseIDs := make(map[int]bool, len(cfg.Phases))
	for _, p := range cfg.Phases {
		if phaseIDs[p.ID] {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidPhaseCount, "duplicate phase id %d", p.ID)
		}
		phaseIDs[p.ID] = true
	}

	keys := make(map[string]int, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.Key) == "" {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig, "agent %d has an empty key", a.ID)
		}
		if other, dup := keys[a.Key]; dup {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig,
				"agents %d and %d share key %q", other, a.ID, a.Key)
		}
		keys[a.Key] = a.ID
		if !phaseIDs[a.Phase] {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig,
				"agent %d (%s) references unknown phase %d", a.ID, a.Key, a.Phase)
		}
		if a.TimeoutSeconds < 0 {
			return nil, pipeline.NewConfigError(pipeline.CodeInvalidAgentConfig,
				"agent %d (%s) has negative timeout", a.ID, a.Key)
		}
	}

	dag, err := NewDAG(cfg.Agents)
	if err != nil {
		return nil, err
	}

	if err := validatePhasePartition(cfg, dag); err != nil {
		return nil, err
	}

	if err := dag.Validate(); err != nil {
		return nil, err
	}

	// Phases run in ascending order, so a dependency must not live in a later phase.
	for _, id := range dag.ids {
		a := dag.agents[id]
		for _, depID := range a.Dependencies {
			if dep := dag.agents[depID]; dep.Phase > a.Phase {
				return nil, pipeline.NewConfigError(pipeline.CodePhaseMismatch,
					"agent %d (phase %d) depends on agent %d in later phase %d", a.ID, a.Phase, dep.ID, dep.Phase)
			}
		}
	}

	return dag, nil
}

// validatePhasePartition checks that phase membership lists cover every agent
// exactly once and agree with each agent's own Phase field.
func validatePhasePartition(cfg PipelineConfig, dag *DAG) error {
	owner := make(map[int]int, dag.Len())
	for _, p := range cfg.Phases {
		for _, agentID := range p.Agents {
			a, ok := dag.agents[agentID]
			if !ok {
				return pipeline.NewConfigError(pipeline.CodePhaseMismatch,
					"phase %d lists unknown agent %d", p.ID, agentID)
			}
			if a.Phase != p.ID {
				return pipeline.NewConfigError(pipeline.CodePhaseMismatch,
					"agent %d (%s) declares phase %d but is listed in phase %d", a.ID, a.Key, a.Phase, p.ID)
			}
			if prev, dup := owner[agentID]; dup {
				return pipeline.NewConfigError(pipeline.CodePhaseMismatch,
					"agent %d listed in phases %d and %d", agentID, prev, p.ID)
			}
			owner[agentID] = p.ID
		}
	}

	var missing []int
	for _, id := range dag.ids {
		if _, ok := owner[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		return pipeline.NewConfigError(pipeline.CodePhaseMismatch, "agents %v are not listed in any phase", missing)
	}
	return nil
}
