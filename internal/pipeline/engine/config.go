package engine

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/proposer/internal/pipeline/graph"
	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/pipeline/store"
	"github.com/danshapiro/proposer/internal/xjson"
)

type StageConfig struct {
	// Enabled defaults to true.
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// RoleNone in stages.quality_gate or stages.generation turns that loop off.
const RoleNone = "none"

type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	// LogsRoot is the base directory for per-run logs.
	LogsRoot string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	Stages struct {
		Order       []string `json:"order,omitempty" yaml:"order,omitempty"`
		QualityGate string   `json:"quality_gate,omitempty" yaml:"quality_gate,omitempty"`
		Generation  string   `json:"generation,omitempty" yaml:"generation,omitempty"`
		// Defaults fill unset fields of every entry in Nodes.
		Defaults StageConfig            `json:"defaults,omitempty" yaml:"defaults,omitempty"`
		Nodes    map[string]StageConfig `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	} `json:"stages" yaml:"stages"`

	Limits runtime.Limits `json:"limits,omitempty" yaml:"limits,omitempty"`

	Schema struct {
		// Path to a JSON or JSONC schema. Empty selects the built-in proposal schema.
		Path string `json:"path,omitempty" yaml:"path,omitempty"`
	} `json:"schema,omitempty" yaml:"schema,omitempty"`

	Checkpoint struct {
		Backend string `json:"backend,omitempty" yaml:"backend,omitempty"`
		Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	} `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	Artifacts struct {
		Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
		Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	} `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	Logging struct {
		Level string `json:"level,omitempty" yaml:"level,omitempty"`
		JSON  bool   `json:"json,omitempty" yaml:"json,omitempty"`
	} `json:"logging,omitempty" yaml:"logging,omitempty"`

	Metrics struct {
		Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
	} `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := xjson.UnmarshalStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyConfigDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRunConfig is the configuration used when no file is given.
func DefaultRunConfig() *RunConfigFile {
	cfg := &RunConfigFile{Version: 1}
	_ = applyConfigDefaults(cfg)
	return cfg
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func baseDefaults() RunConfigFile {
	var d RunConfigFile
	d.LogsRoot = filepath.Join(".proposer", "runs")
	for _, s := range runtime.DefaultOrder() {
		d.Stages.Order = append(d.Stages.Order, string(s))
	}
	d.Limits = runtime.DefaultLimits()
	d.Checkpoint.Backend = string(store.KindFile)
	d.Artifacts.Dir = "proposals"
	d.Logging.Level = "info"
	return d
}

// applyConfigDefaults fills zero-valued fields. Explicit values always win.
func applyConfigDefaults(cfg *RunConfigFile) error {
	if cfg == nil {
		return nil
	}
	if err := mergo.Merge(cfg, baseDefaults()); err != nil {
		return fmt.Errorf("apply config defaults: %w", err)
	}
	defaultRole(&cfg.Stages.QualityGate, cfg.Stages.Order, runtime.StageCriticism)
	defaultRole(&cfg.Stages.Generation, cfg.Stages.Order, runtime.StageSynthesize)
	if cfg.Checkpoint.Path == "" {
		switch strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend)) {
		case string(store.KindSQLite):
			cfg.Checkpoint.Path = filepath.Join(cfg.LogsRoot, "checkpoints.db")
		case string(store.KindBadger):
			cfg.Checkpoint.Path = filepath.Join(cfg.LogsRoot, "checkpoints.badger")
		default:
			cfg.Checkpoint.Path = cfg.LogsRoot
		}
	}
	for name, node := range cfg.Stages.Nodes {
		if err := mergo.Merge(&node, cfg.Stages.Defaults); err != nil {
			return fmt.Errorf("stages.nodes.%s: %w", name, err)
		}
		cfg.Stages.Nodes[name] = node
	}
	return nil
}

// defaultRole assigns the canonical stage to an unset role, but only when
// the order contains that stage.
func defaultRole(role *string, order []string, canonical runtime.StageName) {
	if strings.TrimSpace(*role) != "" {
		return
	}
	for _, s := range order {
		if strings.TrimSpace(s) == string(canonical) {
			*role = string(canonical)
			return
		}
	}
}

func roleName(role string) runtime.StageName {
	role = strings.TrimSpace(role)
	if strings.EqualFold(role, RoleNone) {
		return ""
	}
	return runtime.StageName(role)
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	inOrder := map[string]bool{}
	for _, s := range cfg.Stages.Order {
		inOrder[strings.TrimSpace(s)] = true
	}
	for name, node := range cfg.Stages.Nodes {
		if !inOrder[name] {
			return fmt.Errorf("stages.nodes.%s is not in stages.order", name)
		}
		if err := validateStageConfig(node); err != nil {
			return fmt.Errorf("stages.nodes.%s: %w", name, err)
		}
	}
	if err := validateStageConfig(cfg.Stages.Defaults); err != nil {
		return fmt.Errorf("stages.defaults: %w", err)
	}
	if err := cfg.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if _, err := store.ParseKind(cfg.Checkpoint.Backend); err != nil {
		return fmt.Errorf("checkpoint.backend: %w", err)
	}
	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	for _, p := range cfg.Artifacts.Exclude {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("artifacts.exclude: invalid pattern %q", p)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "trace", "debug", "info", "warn", "error":
		// ok
	default:
		return fmt.Errorf("invalid logging.level: %q (want trace|debug|info|warn|error)", cfg.Logging.Level)
	}
	return nil
}

func validateStageConfig(sc StageConfig) error {
	if sc.Temperature != nil && (math.IsNaN(*sc.Temperature) || *sc.Temperature < 0 || *sc.Temperature > 2) {
		return fmt.Errorf("temperature must be in [0,2]")
	}
	if sc.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0")
	}
	return nil
}

// GraphSpec converts the stages section into compiler input.
func (cfg *RunConfigFile) GraphSpec() graph.Spec {
	return graph.Spec{
		Order: runtime.ParseStageNames(cfg.Stages.Order),
		Enabled: func(name runtime.StageName) bool {
			node, ok := cfg.Stages.Nodes[string(name)]
			if !ok {
				node = cfg.Stages.Defaults
			}
			return node.Enabled == nil || *node.Enabled
		},
		QualityGate: roleName(cfg.Stages.QualityGate),
		Generation:  roleName(cfg.Stages.Generation),
	}
}

// StageSettings resolves collaborator settings for every stage in the order.
func (cfg *RunConfigFile) StageSettings() map[runtime.StageName]StageSettings {
	out := map[runtime.StageName]StageSettings{}
	for _, name := range runtime.ParseStageNames(cfg.Stages.Order) {
		node, ok := cfg.Stages.Nodes[string(name)]
		if !ok {
			node = cfg.Stages.Defaults
		}
		out[name] = StageSettings{
			Provider:    node.Provider,
			Model:       node.Model,
			Temperature: node.Temperature,
			MaxTokens:   node.MaxTokens,
			Tools:       append([]string(nil), node.Tools...),
		}
	}
	return out
}
