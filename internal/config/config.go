// Package config defines SentinAI's configuration surface and loads it
// from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects whether threats are merely logged or actively enforced.
type Mode string

const (
	ModeMonitor Mode = "monitor"
	ModeActive  Mode = "active"
)

// StoreType selects the decision store backend.
type StoreType string

const (
	StoreInMemory    StoreType = "in-memory"
	StoreDistributed StoreType = "distributed"
)

// Config is the top-level SentinAI configuration.
type Config struct {
	Enabled      bool              `yaml:"enabled"`
	Mode         Mode              `yaml:"mode"`
	ExcludePaths []string          `yaml:"exclude_paths"`
	AI           AIConfig          `yaml:"ai"`
	Store        StoreConfig       `yaml:"store"`
	Modules      map[string]Module `yaml:"modules"`
}

// AIConfig configures the optional AI analyzer's chat-completion backend.
type AIConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

// StoreConfig selects and configures the decision store backend.
type StoreConfig struct {
	Type          StoreType `yaml:"type"`
	DistributedURL string   `yaml:"distributed_url,omitempty"`
}

// Module holds per-module enablement and free-form option configuration.
type Module struct {
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// IsEnabled reports whether the named module is enabled. A module with no
// entry at all defaults to enabled, matching the registry's contract.
func (c *Config) IsEnabled(moduleID string) bool {
	m, ok := c.Modules[moduleID]
	if !ok {
		return true
	}
	return m.Enabled
}

// ModuleConfig returns the named module's option map, or an empty map if
// the module has no configuration section.
func (c *Config) ModuleConfig(moduleID string) map[string]any {
	m, ok := c.Modules[moduleID]
	if !ok || m.Config == nil {
		return map[string]any{}
	}
	return m.Config
}

// HasModuleSection reports whether the config carries any entry at all for
// moduleID, enabled or not. Cost-Protection uses this for its explicit
// opt-in gate: the module is only active when configured.
func (c *Config) HasModuleSection(moduleID string) bool {
	_, ok := c.Modules[moduleID]
	return ok
}

// Load reads and parses a SentinAI config file, applying defaults first so
// that a partially-specified file still yields a usable configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	normalizeMode(cfg)

	return cfg, nil
}

// Defaults returns a configuration with SentinAI's documented defaults:
// enabled, monitor mode, in-memory store, no excluded paths.
func Defaults() *Config {
	return &Config{
		Enabled: true,
		Mode:    ModeMonitor,
		Store: StoreConfig{
			Type: StoreInMemory,
		},
		Modules: make(map[string]Module),
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// normalizeMode lower-cases the configured mode so "ACTIVE"/"Active"/
// "active" are all accepted.
func normalizeMode(c *Config) {
	m := Mode(strings.ToLower(string(c.Mode)))
	if m == "" {
		m = ModeMonitor
	}
	c.Mode = m
}

// Validate checks that the config is internally consistent, catching
// misconfiguration at composition time rather than at first request.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMonitor, ModeActive, "":
	default:
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeMonitor, ModeActive)
	}

	switch c.Store.Type {
	case StoreInMemory, "":
	case StoreDistributed:
		if c.Store.DistributedURL == "" {
			return fmt.Errorf("store.distributed_url is required when store.type is %q", StoreDistributed)
		}
	default:
		return fmt.Errorf("invalid store.type %q: must be %q or %q", c.Store.Type, StoreInMemory, StoreDistributed)
	}

	if dlp, ok := c.Modules["data-leak-prevention"]; ok {
		if rawMode, ok := dlp.Config["mode"]; ok {
			mode, _ := rawMode.(string)
			switch strings.ToUpper(mode) {
			case "LOG", "REDACT", "BLOCK":
			default:
				return fmt.Errorf("modules.data-leak-prevention.config.mode %q: must be LOG, REDACT, or BLOCK", mode)
			}
		}
	}

	return nil
}

// MatchesExcludePath reports whether path is covered by any of the
// configured exclude patterns. A pattern ending in "/**" matches any path
// sharing that prefix; any other pattern must match exactly.
func (c *Config) MatchesExcludePath(path string) bool {
	for _, pattern := range c.ExcludePaths {
		if MatchExcludePattern(pattern, path) {
			return true
		}
	}
	return false
}

// MatchExcludePattern implements the single-pattern half of
// MatchesExcludePath, split out so modules and tests can reuse the same
// glob-suffix semantics without a Config value.
func MatchExcludePattern(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return pattern == path
}
