package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/agentpipe/internal/backend"
	"github.com/aristath/agentpipe/internal/config"
	"github.com/aristath/agentpipe/internal/events"
	"github.com/aristath/agentpipe/internal/metrics"
	"github.com/aristath/agentpipe/internal/orchestrator"
	"github.com/aristath/agentpipe/internal/persistence"
	"github.com/aristath/agentpipe/internal/pipeline"
)

// options holds the root persistent flags.
type options struct {
	configPath   string
	logLevel     string
	storePath    string
	inMemory     bool
	natsURL      string
	embeddedNATS bool
	metricsOut   string
	tui          bool
	jsonOut      bool
}

// app carries process-wide dependencies into the commands.
type app struct {
	opts   options
	pm     *backend.ProcessManager
	out    io.Writer
	errOut io.Writer
	getenv func(string) string

	// executor replaces the configured CLI backends when set.
	executor pipeline.AgentExecutor
}

func newApp(pm *backend.ProcessManager) *app {
	return &app{
		pm:     pm,
		out:    os.Stdout,
		errOut: os.Stderr,
		getenv: os.Getenv,
	}
}

// loadConfig resolves engine settings: --config replaces the conventional
// global/project lookup, then flags override both.
func (a *app) loadConfig() (*config.EngineConfig, error) {
	var (
		cfg *config.EngineConfig
		err error
	)
	if a.opts.configPath != "" {
		cfg, err = config.Load("", a.opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg.ApplyEnv(a.getenv)
	} else {
		cfg, err = config.LoadDefault()
		if err != nil {
			return nil, err
		}
	}

	if a.opts.storePath != "" {
		cfg.Store.Path = a.opts.storePath
		cfg.Store.InMemory = false
	}
	if a.opts.inMemory {
		cfg.Store.InMemory = true
	}
	if a.opts.natsURL != "" {
		cfg.Events.NATSURL = a.opts.natsURL
	}
	if a.opts.embeddedNATS {
		cfg.Events.Embedded = true
	}
	if a.opts.metricsOut != "" {
		cfg.Metrics.Textfile = a.opts.metricsOut
	}

	if cfg.Store.Path == "" && !cfg.Store.InMemory {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		cfg.Store.Path = filepath.Join(home, ".agentpipe", "agentpipe.db")
	}
	return cfg, nil
}

func (a *app) newLogger() (*slog.Logger, error) {
	if a.opts.tui {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}
	level, err := parseLevel(a.opts.logLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level})), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// engine is everything a run needs, assembled from configuration.
type engine struct {
	cfg       *config.EngineConfig
	logger    *slog.Logger
	exec      pipeline.AgentExecutor
	registry  pipeline.AgentRegistry
	selector  pipeline.AgentSelector
	store     persistence.Store
	collector *metrics.Collector
	bus       *events.EventBus
	sink      events.Sink

	natsSink   *events.NATSSink
	embedded   *events.EmbeddedNATS
	metricsSrv *http.Server
}

func (a *app) newEngine(ctx context.Context) (*engine, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := a.newLogger()
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if err := e.initExecutor(a); err != nil {
		return nil, err
	}
	if err := e.initStore(ctx); err != nil {
		return nil, err
	}
	if err := e.initSinks(a.opts.tui); err != nil {
		return nil, err
	}
	e.selector = backend.NewKeywordSelector(cfg.Capabilities(), "")

	ok = true
	return e, nil
}

func (e *engine) initExecutor(a *app) error {
	var base pipeline.AgentExecutor
	if a.executor != nil {
		base = a.executor
	} else {
		workDir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		agents, err := e.cfg.ResolveAgents(workDir)
		if err != nil {
			return err
		}
		ex, err := backend.NewExecutor(agents, a.pm)
		if err != nil {
			return err
		}
		base = ex
	}

	if reg, ok := base.(pipeline.AgentRegistry); ok {
		e.registry = reg
	} else {
		e.registry = anyAgent{}
	}

	e.exec = base
	if e.cfg.Retry.Enabled {
		r, b := e.cfg.Retry, e.cfg.Breaker
		breakers := orchestrator.NewCircuitBreakerRegistry(orchestrator.BreakerConfig{
			MaxRequests:         b.MaxRequests,
			OpenTimeout:         millis(b.OpenTimeoutMs),
			ConsecutiveFailures: b.ConsecutiveFailures,
		}, e.logger)
		e.exec = orchestrator.NewResilientExecutor(base, orchestrator.RetryConfig{
			InitialInterval: millis(r.InitialIntervalMs),
			MaxInterval:     millis(r.MaxIntervalMs),
			MaxElapsedTime:  millis(r.MaxElapsedMs),
			Multiplier:      r.Multiplier,
		}, breakers, e.logger)
	}
	return nil
}

func (e *engine) initStore(ctx context.Context) error {
	var (
		st  *persistence.SQLiteStore
		err error
	)
	if e.cfg.Store.InMemory {
		st, err = persistence.NewInMemoryStore(ctx)
	} else {
		st, err = persistence.NewSQLiteStore(ctx, e.cfg.Store.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	e.store = st.WithLogger(e.logger)
	return nil
}

func (e *engine) initSinks(withBus bool) error {
	e.collector = metrics.NewCollector(nil)
	sinks := events.MultiSink{e.collector, events.SinkFunc(e.logEvent)}

	natsURL := e.cfg.Events.NATSURL
	if e.cfg.Events.Embedded {
		port := e.cfg.Events.EmbeddedPort
		if port == 0 {
			port = -1
		}
		srv, err := events.StartEmbeddedNATS(port)
		if err != nil {
			return err
		}
		e.embedded = srv
		natsURL = srv.ClientURL()
		e.logger.Info("embedded nats started", "url", natsURL)
	}
	if natsURL != "" {
		ns, err := events.NewNATSSink(natsURL, e.cfg.Events.SubjectPrefix, e.logger)
		if err != nil {
			return err
		}
		e.natsSink = ns
		sinks = append(sinks, ns)
	}

	if withBus {
		e.bus = events.NewEventBus()
		sinks = append(sinks, e.bus)
	}
	e.sink = sinks

	if addr := e.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", e.collector.Handler())
		e.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

func (e *engine) logEvent(ev events.Event) {
	e.logger.Debug("event", "type", ev.EventType(), "pipeline_id", ev.PipelineID())
}

// finish flushes run-scoped outputs: NATS buffers and the metrics textfile.
func (e *engine) finish() {
	if e.natsSink != nil {
		if err := e.natsSink.Flush(); err != nil {
			e.logger.Warn("nats flush failed", "error", err)
		}
	}
	if path := e.cfg.Metrics.Textfile; path != "" {
		if err := e.collector.WriteToTextfile(path); err != nil {
			e.logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}
}

// Close releases everything newEngine opened. It is safe on a partially
// built engine.
func (e *engine) Close() {
	if e.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = e.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.natsSink != nil {
		e.natsSink.Close()
	}
	if e.embedded != nil {
		e.embedded.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("failed to close store", "error", err)
		}
	}
}

// anyAgent accepts every key; used when an injected executor has no registry.
type anyAgent struct{}

func (anyAgent) Has(string) bool { return true }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
