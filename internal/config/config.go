// Package config defines SentinAI's configuration surface and its
// layered precedence: defaults, then an optional YAML file, then
// environment variables, then functional options (highest priority).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects whether threats are only logged (Monitor) or enforced
// (Active).
type Mode string

const (
	ModeMonitor Mode = "MONITOR"
	ModeActive  Mode = "ACTIVE"
)

// ParseMode normalizes a user-supplied mode string, defaulting to
// Monitor for anything unrecognized.
func ParseMode(s string) Mode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACTIVE":
		return ModeActive
	default:
		return ModeMonitor
	}
}

// AIConfig configures the opaque chat-completion backend used by the
// AI Analyzer.
type AIConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
}

// StoreType selects the Decision Store backend.
type StoreType string

const (
	StoreInMemory    StoreType = "in-memory"
	StoreDistributed StoreType = "distributed"
)

// StoreConfig configures the Decision Store backend.
type StoreConfig struct {
	Type           StoreType `json:"type" yaml:"type"`
	DistributedURL string    `json:"distributed_url" yaml:"distributed_url"`
}

// ModuleConfig is the per-module configuration block: an enablement
// flag plus a free-form option bag.
type ModuleConfig struct {
	Enabled bool                   `json:"enabled" yaml:"enabled"`
	Config  map[string]interface{} `json:"config" yaml:"config"`
}

// Config is the root configuration object. The host application is
// responsible for handing SentinAI a populated Config, but this
// package provides the loader the example composition root
// (cmd/example) uses.
type Config struct {
	Enabled      bool                    `json:"enabled" yaml:"enabled"`
	Mode         Mode                    `json:"mode" yaml:"mode"`
	ExcludePaths []string                `json:"exclude_paths" yaml:"exclude_paths"`
	AI           AIConfig                `json:"ai" yaml:"ai"`
	Store        StoreConfig             `json:"store" yaml:"store"`
	Modules      map[string]ModuleConfig `json:"modules" yaml:"modules"`
}

// Option mutates a Config during construction. Options run last and
// therefore win over both defaults and the environment.
type Option func(*Config) error

// Default returns the baseline configuration: enabled, monitor mode,
// no exclusions, in-memory store.
func Default() *Config {
	return &Config{
		Enabled:      true,
		Mode:         ModeMonitor,
		ExcludePaths: nil,
		Store:        StoreConfig{Type: StoreInMemory},
		Modules:      map[string]ModuleConfig{},
	}
}

// Load builds a Config from defaults, an optional YAML file
// (yamlPath, skipped if empty), environment variables, then the
// supplied functional options, in that precedence order.
func Load(yamlPath string, opts ...Option) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := cfg.loadYAMLFile(yamlPath); err != nil {
			return nil, New("config.Load", "config", err)
		}
	}

	cfg.loadFromEnv()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, New("config.Load", "config", fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SENTINAI_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Enabled = b
		}
	}
	if v := os.Getenv("SENTINAI_MODE"); v != "" {
		c.Mode = ParseMode(v)
	}
	if v := os.Getenv("SENTINAI_EXCLUDE_PATHS"); v != "" {
		c.ExcludePaths = strings.Split(v, ",")
	}
	if v := os.Getenv("SENTINAI_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("SENTINAI_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("SENTINAI_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("SENTINAI_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("SENTINAI_STORE_TYPE"); v != "" {
		c.Store.Type = StoreType(v)
	}
	if v := os.Getenv("SENTINAI_STORE_DISTRIBUTED_URL"); v != "" {
		c.Store.DistributedURL = v
	}
}

// Validate rejects configurations that can never behave sensibly,
// e.g. a distributed store with no URL.
func (c *Config) Validate() error {
	if c.Store.Type == StoreDistributed && c.Store.DistributedURL == "" {
		return New("config.Validate", "config", fmt.Errorf("%w: store.distributed_url required for distributed store", ErrMissingConfiguration))
	}
	if c.Mode != ModeMonitor && c.Mode != ModeActive {
		return New("config.Validate", "config", fmt.Errorf("%w: mode must be MONITOR or ACTIVE", ErrInvalidConfiguration))
	}
	return nil
}

// IsExcluded reports whether path matches one of ExcludePaths. A
// pattern ending in "/**" matches any path sharing that prefix;
// anything else must match exactly.
func (c *Config) IsExcluded(path string) bool {
	for _, pattern := range c.ExcludePaths {
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if pattern == path {
			return true
		}
	}
	return false
}

// ModuleEnabled reports whether the named module is enabled. A module
// with no configuration entry at all defaults to enabled.
func (c *Config) ModuleEnabled(id string) bool {
	mc, ok := c.Modules[id]
	if !ok {
		return true
	}
	return mc.Enabled
}

// ModuleConfigured reports whether a module has an explicit
// configuration section present at all (used by Cost-Protection,
// which opts in only when configured).
func (c *Config) ModuleConfigured(id string) bool {
	_, ok := c.Modules[id]
	return ok
}

// ModuleOption returns a raw option value for a module, or false if
// absent.
func (c *Config) ModuleOption(id, key string) (interface{}, bool) {
	mc, ok := c.Modules[id]
	if !ok {
		return nil, false
	}
	v, ok := mc.Config[key]
	return v, ok
}

// ModuleOptionInt returns an integer option, falling back to def if
// absent or not convertible. Handles both JSON-decoded float64 and
// YAML-decoded int.
func (c *Config) ModuleOptionInt(id, key string, def int) int {
	v, ok := c.ModuleOption(id, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// ModuleOptionFloat returns a float option, falling back to def if
// absent or not convertible.
func (c *Config) ModuleOptionFloat(id, key string, def float64) float64 {
	v, ok := c.ModuleOption(id, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return def
}

// ModuleOptionString returns a string option, falling back to def if
// absent.
func (c *Config) ModuleOptionString(id, key, def string) string {
	v, ok := c.ModuleOption(id, key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// WithMode overrides the enforcement mode.
func WithMode(m Mode) Option {
	return func(c *Config) error {
		c.Mode = m
		return nil
	}
}

// WithEnabled toggles the engine globally.
func WithEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Enabled = enabled
		return nil
	}
}

// WithExcludePaths replaces the exclude-path list.
func WithExcludePaths(paths []string) Option {
	return func(c *Config) error {
		c.ExcludePaths = paths
		return nil
	}
}

// WithAI sets the AI analyzer backend.
func WithAI(ai AIConfig) Option {
	return func(c *Config) error {
		c.AI = ai
		return nil
	}
}

// WithStore sets the decision store backend.
func WithStore(store StoreConfig) Option {
	return func(c *Config) error {
		c.Store = store
		return nil
	}
}

// WithModule sets (or replaces) one module's configuration block.
func WithModule(id string, mc ModuleConfig) Option {
	return func(c *Config) error {
		if c.Modules == nil {
			c.Modules = map[string]ModuleConfig{}
		}
		c.Modules[id] = mc
		return nil
	}
}
