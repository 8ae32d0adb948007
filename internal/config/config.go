// Package config loads the engine configuration file. Every setting has
// a default, so a missing file yields a fully usable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after file parsing.
const (
	EnvActionEndpoint = "CONVERSE_ACTION_ENDPOINT"
	EnvDBPath         = "CONVERSE_DB_PATH"
)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ActionServer configures the remote custom-action endpoint.
type ActionServer struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// Store configures tracker persistence.
type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Policies configures prediction behavior.
type Policies struct {
	FallbackThreshold  float64 `yaml:"fallback_threshold"`
	MemoizationHistory int     `yaml:"memoization_max_history"`
	MaxPredictionLoops int     `yaml:"max_prediction_loops"`
}

// Server configures the HTTP surface.
type Server struct {
	Bind string `yaml:"bind"`
}

// Config is the full engine configuration.
type Config struct {
	ActionServer ActionServer `yaml:"action_server"`
	Store        Store        `yaml:"store"`
	Policies     Policies     `yaml:"policies"`
	Server       Server       `yaml:"server"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ActionServer: ActionServer{Timeout: Duration{30 * time.Second}},
		Store:        Store{Backend: "memory", Path: "converse.db"},
		Policies: Policies{
			FallbackThreshold:  0.3,
			MemoizationHistory: 5,
			MaxPredictionLoops: 10,
		},
		Server: Server{Bind: ":5005"},
	}
}

// Load reads path, layering it over the defaults. A missing file is not
// an error. Environment overrides win over both.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want memory or sqlite)", c.Store.Backend)
	}
	if c.Policies.MaxPredictionLoops <= 0 {
		return fmt.Errorf("max_prediction_loops must be positive, got %d", c.Policies.MaxPredictionLoops)
	}
	if c.Policies.FallbackThreshold < 0 || c.Policies.FallbackThreshold > 1 {
		return fmt.Errorf("fallback_threshold must be in [0, 1], got %g", c.Policies.FallbackThreshold)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvActionEndpoint); v != "" {
		c.ActionServer.URL = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Store.Path = v
	}
}
