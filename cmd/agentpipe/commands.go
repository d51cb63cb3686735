package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/agentpipe/internal/config"
	"github.com/aristath/agentpipe/internal/orchestrator"
	"github.com/aristath/agentpipe/internal/scheduler"
)

// errRunFailed marks a run that finished but did not complete. The details
// were already printed.
var errRunFailed = errors.New("pipeline run failed")

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentpipe",
		Short: "Run multi-agent pipelines",
		Long: `agentpipe executes agent pipelines: phase-ordered DAGs of agents, and
sequential chains with quality gates and memory handoff between steps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "engine config file (replaces ~/.agentpipe and .agentpipe lookup)")
	flags.StringVar(&a.opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.opts.storePath, "store", "", "SQLite database path")
	flags.BoolVar(&a.opts.inMemory, "in-memory", false, "use a throwaway in-memory store")
	flags.StringVar(&a.opts.natsURL, "nats-url", "", "publish lifecycle events to this NATS server")
	flags.BoolVar(&a.opts.embeddedNATS, "embedded-nats", false, "start an in-process NATS server and publish to it")
	flags.StringVar(&a.opts.metricsOut, "metrics-out", "", "write Prometheus metrics to this textfile after the run")
	flags.BoolVar(&a.opts.tui, "tui", false, "show the terminal progress view")
	flags.BoolVar(&a.opts.jsonOut, "json", false, "print results as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a DAG pipeline config or a sequential chain definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runValidate(cmd.OutOrStdout(), args[0])
		},
	}

	var problem string
	dagCmd := &cobra.Command{
		Use:   "dag <config>",
		Short: "Execute a DAG pipeline against a problem statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDAG(cmd, args[0], problem)
		},
	}
	dagCmd.Flags().StringVarP(&problem, "problem", "p", "", "problem statement handed to every agent")
	_ = dagCmd.MarkFlagRequired("problem")

	var input string
	chainCmd := &cobra.Command{
		Use:   "chain <definition>",
		Short: "Execute a sequential chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChain(cmd, args[0], input)
		},
	}
	chainCmd.Flags().StringVarP(&input, "input", "i", "", "initial input folded into the first step's task")

	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded pipeline runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRuns(cmd, limit)
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")

	rootCmd.AddCommand(validateCmd, dagCmd, chainCmd, runsCmd)
	return rootCmd
}

func (a *app) runValidate(w io.Writer, path string) error {
	kind, err := config.DetectKind(path)
	if err != nil {
		return err
	}

	switch kind {
	case config.KindDAG:
		cfg, err := config.LoadPipelineConfig(path)
		if err != nil {
			return err
		}
		dag, err := scheduler.ValidateConfig(*cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "ok: dag pipeline %q, %d agents in %d phases, order %v\n",
			cfg.Meta.Name, len(cfg.Agents), len(cfg.Phases), dag.Order())
	case config.KindChain:
		def, err := config.LoadChainDefinition(path)
		if err != nil {
			return err
		}
		if err := def.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(w, "ok: chain %q, %d steps\n", def.Name, len(def.Agents))
	default:
		return fmt.Errorf("unknown pipeline kind %q", kind)
	}
	return nil
}

func (a *app) runDAG(cmd *cobra.Command, path, problem string) error {
	e, err := a.newEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	state, runErr := e.runDAG(cmd.Context(), path, problem)
	if state == nil {
		return runErr
	}

	w := cmd.OutOrStdout()
	if a.opts.jsonOut {
		if err := writeJSON(w, state); err != nil {
			return err
		}
	} else {
		printDAGState(w, state)
	}
	if runErr != nil {
		return runErr
	}
	if state.Status != scheduler.StatusCompleted {
		return errRunFailed
	}
	return nil
}

func (a *app) runChain(cmd *cobra.Command, path, input string) error {
	e, err := a.newEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := e.runChain(cmd.Context(), path, input)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if a.opts.jsonOut {
		if err := writeJSON(w, chainOutput{RunResult: res, Error: res.Error()}); err != nil {
			return err
		}
	} else {
		printChainResult(w, res)
	}
	if res.Status != orchestrator.RunCompleted {
		if res.Err != nil {
			return res.Err
		}
		return errRunFailed
	}
	return nil
}

func (a *app) runRuns(cmd *cobra.Command, limit int) error {
	e, err := a.newEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	runs, err := e.store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if a.opts.jsonOut {
		return writeJSON(w, runs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE ID\tNAME\tKIND\tSTATUS\tPROGRESS\tQUALITY\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%.2f\t%s\n",
			r.PipelineID, r.Name, r.Kind, r.Status, r.Completed, r.Total,
			r.OverallQuality, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// chainOutput adds the failure message, which RunResult does not encode.
type chainOutput struct {
	*orchestrator.RunResult
	Error string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printDAGState(w io.Writer, s *scheduler.PipelineState) {
	fmt.Fprintf(w, "pipeline %s: %s (%d agents completed)\n", s.PipelineID, s.Status, len(s.CompletedIDs()))
	for _, id := range s.CompletedIDs() {
		rec := s.ExecutionRecords[id]
		fmt.Fprintf(w, "  agent %d %s: %s in %dms\n", id, rec.AgentKey, rec.Status, rec.DurationMs)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  agent %d %s failed (critical=%t): %s\n", e.AgentID, e.AgentKey, e.Critical, e.Error)
	}
}

func printChainResult(w io.Writer, r *orchestrator.RunResult) {
	fmt.Fprintf(w, "pipeline %s (%s): %s, overall quality %.2f\n", r.PipelineID, r.PipelineName, r.Status, r.OverallQuality)
	for _, s := range r.Steps {
		fmt.Fprintf(w, "  step %d %s: quality %.2f in %dms -> %s\n", s.StepIndex, s.AgentKey, s.Quality, s.DurationMs, s.MemoryDomain)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", r.Err)
	}
}
