package pdp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/authzforce-ce/core/logger"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// EngineConfig holds the engine tuning knobs.
type EngineConfig struct {
	XPathEnabled         bool  `json:"xpath_enabled" yaml:"xpath_enabled"`
	MaxPolicySetRefDepth int   `json:"max_policy_set_ref_depth" yaml:"max_policy_set_ref_depth"`
	MaxVariableRefDepth  int   `json:"max_variable_ref_depth" yaml:"max_variable_ref_depth"`
	KeepRedundantRules   bool  `json:"keep_redundant_rules" yaml:"keep_redundant_rules"`
	DecisionCacheTTL     int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RistrettoNumCounter  int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost     int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer      int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// Config is the complete PDP configuration: engine settings plus the policy
// corpus and the root policy element to evaluate.
type Config struct {
	Version         uint16            `json:"version" yaml:"version"`
	RootPolicySetID string            `json:"root_policy_set_id,omitempty" yaml:"root_policy_set_id,omitempty"`
	RootPolicyID    string            `json:"root_policy_id,omitempty" yaml:"root_policy_id,omitempty"`
	Policies        []*PolicyDef      `json:"policies,omitempty" yaml:"policies,omitempty"`
	PolicySets      []*PolicySetDef   `json:"policy_sets,omitempty" yaml:"policy_sets,omitempty"`
	Namespaces      map[string]string `json:"namespaces,omitempty" yaml:"namespaces,omitempty"`
	Engine          EngineConfig      `json:"engine" yaml:"engine"`
}

// Validate checks structural well-formedness of the configuration.
func (c *Config) Validate() error {
	seen := make(map[string]struct{})
	for i, p := range c.Policies {
		if p.ID == "" {
			return fmt.Errorf("policy #%d: missing id", i)
		}
		key := "Policy:" + p.ID + "#" + p.Version
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate policy %s#%s", p.ID, p.Version)
		}
		seen[key] = struct{}{}
		if _, err := ParsePolicyVersion(p.Version); err != nil {
			return fmt.Errorf("policy %q: %w", p.ID, err)
		}
	}
	for i, ps := range c.PolicySets {
		if ps.ID == "" {
			return fmt.Errorf("policy set #%d: missing id", i)
		}
		key := "PolicySet:" + ps.ID + "#" + ps.Version
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate policy set %s#%s", ps.ID, ps.Version)
		}
		seen[key] = struct{}{}
		if _, err := ParsePolicyVersion(ps.Version); err != nil {
			return fmt.Errorf("policy set %q: %w", ps.ID, err)
		}
	}
	if c.RootPolicySetID != "" && c.RootPolicyID != "" {
		return fmt.Errorf("root_policy_set_id and root_policy_id are mutually exclusive")
	}
	return nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a configuration file, selecting the format by extension.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", path)
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// NewFromConfig builds a ready PDP from a configuration: function registry,
// expression factory, combining-algorithm registry, static policy provider
// and root evaluator, plus the decision cache when configured.
func NewFromConfig(cfg *Config, log logger.Logger) (*PDP, error) {
	if cfg == nil {
		return nil, fmt.Errorf("undefined config")
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := NewExpressionFactory(StandardFunctionRegistry(),
		WithXPath(cfg.Engine.XPathEnabled),
		WithMaxVariableRefDepth(cfg.Engine.MaxVariableRefDepth),
	)
	compiler := NewPolicyCompiler(factory, StandardCombiningAlgRegistry(),
		WithCompileLogger(log),
		WithNamespaces(cfg.Namespaces),
		WithKeepRedundantRules(cfg.Engine.KeepRedundantRules),
	)
	provider, err := NewStaticPolicyProvider(compiler, cfg.Policies, cfg.PolicySets, cfg.Engine.MaxPolicySetRefDepth)
	if err != nil {
		return nil, err
	}

	root, err := resolveRoot(cfg, provider)
	if err != nil {
		return nil, err
	}

	opts := []EngineOption{WithLogger(log)}
	if cfg.Engine.RistrettoNumCounter > 0 {
		ttl := time.Duration(cfg.Engine.DecisionCacheTTL) * time.Millisecond
		opts = append(opts, WithDecisionCache(cfg.Engine.RistrettoNumCounter, cfg.Engine.RistrettoMaxCost, cfg.Engine.RistrettoBuffer, ttl))
	}
	return New(root, opts...)
}

func resolveRoot(cfg *Config, provider *StaticPolicyProvider) (TopLevelPolicyElementEvaluator, error) {
	switch {
	case cfg.RootPolicySetID != "":
		return provider.GetStatic(PolicySetType, cfg.RootPolicySetID, nil, nil)
	case cfg.RootPolicyID != "":
		return provider.GetStatic(PolicyType, cfg.RootPolicyID, nil, nil)
	case len(cfg.PolicySets) == 1:
		return provider.GetStatic(PolicySetType, cfg.PolicySets[0].ID, nil, nil)
	case len(cfg.PolicySets) == 0 && len(cfg.Policies) == 1:
		return provider.GetStatic(PolicyType, cfg.Policies[0].ID, nil, nil)
	}
	return nil, fmt.Errorf("cannot determine the root policy: set root_policy_set_id or root_policy_id")
}
