package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentpipe/internal/orchestrator"
	"github.com/aristath/agentpipe/internal/scheduler"
)

// Pipeline file kinds.
const (
	KindDAG   = "dag"
	KindChain = "chain"
)

// LoadPipelineConfig reads a DAG pipeline from a YAML or JSON file.
func LoadPipelineConfig(path string) (*scheduler.PipelineConfig, error) {
	var cfg scheduler.PipelineConfig
	if err := decodeFile(path, &cfg, true); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadChainDefinition reads a sequential chain from a YAML or JSON file.
func LoadChainDefinition(path string) (*orchestrator.Definition, error) {
	var def orchestrator.Definition
	if err := decodeFile(path, &def, true); err != nil {
		return nil, err
	}
	return &def, nil
}

// DetectKind reports whether a pipeline file holds a DAG config (has a meta
// or phases key) or a chain definition (has a sequential key). Only the
// presence of the keys matters; their values are checked by validation.
func DetectKind(path string) (string, error) {
	var keys struct {
		Meta       *yaml.Node `yaml:"meta"`
		Phases     *yaml.Node `yaml:"phases"`
		Sequential *yaml.Node `yaml:"sequential"`
	}
	if err := decodeFile(path, &keys, false); err != nil {
		return "", err
	}
	switch {
	case keys.Meta != nil || keys.Phases != nil:
		return KindDAG, nil
	case keys.Sequential != nil:
		return KindChain, nil
	default:
		return "", fmt.Errorf("%s: neither meta, phases nor sequential found", path)
	}
}

// ApplyChainDefaults fills definition-level defaults the file left unset.
func (c *EngineConfig) ApplyChainDefaults(def *orchestrator.Definition) {
	if def.DefaultMinQuality == nil && c.Defaults.MinQuality != nil {
		q := *c.Defaults.MinQuality
		def.DefaultMinQuality = &q
	}
	if def.DefaultTimeoutMs == 0 {
		def.DefaultTimeoutMs = c.Defaults.StepTimeoutMs
	}
	if def.PipelineTimeoutMs == 0 {
		def.PipelineTimeoutMs = c.Defaults.PipelineTimeoutMs
	}
}

// decodeFile decodes YAML, which also accepts JSON documents. strict rejects
// unknown keys.
func decodeFile(path string, v any, strict bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
