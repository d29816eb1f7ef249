// Package config defines the runtime configuration and its YAML loader.
// ${VAR} placeholders in the config file are resolved from the environment
// before parsing; API keys resolve SAGE_<PROVIDER>_API_KEY first, then the
// provider's standard variable, then the config value.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`

	// MaxSteps bounds the agent loop. Unset means unlimited; zero is a
	// legal budget meaning "no steps".
	MaxSteps *int `yaml:"max_steps"`

	WorkingDirectory string           `yaml:"working_directory"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
	Context          ContextConfig    `yaml:"context"`
	Trajectory       TrajectoryConfig `yaml:"trajectory"`
	Tools            ToolsConfig      `yaml:"tools"`
	Logging          LoggingConfig    `yaml:"logging"`
	Tracing          TracingConfig    `yaml:"tracing"`
}

// ProviderConfig holds one provider's request parameters.
type ProviderConfig struct {
	Model             string   `yaml:"model"`
	APIKey            string   `yaml:"api_key"`
	BaseURL           string   `yaml:"base_url"`
	MaxTokens         int      `yaml:"max_tokens"`
	Temperature       *float32 `yaml:"temperature"`
	TopP              *float32 `yaml:"top_p"`
	TopK              *int     `yaml:"top_k"`
	Stop              []string `yaml:"stop"`
	MaxRetries        int      `yaml:"max_retries"`

	// ParallelToolCalls toggles the provider's parallel tool use. Unset
	// leaves the provider default in place.
	ParallelToolCalls *bool `yaml:"parallel_tool_calls"`
}

// RateLimitConfig overrides the built-in per-provider limiter defaults.
type RateLimitConfig struct {
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	TokensPerMinute   float64       `yaml:"tokens_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Blocking          *bool         `yaml:"blocking"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// ContextConfig tunes auto-compaction.
type ContextConfig struct {
	AutoCompactThresholdTokens int `yaml:"auto_compact_threshold_tokens"`
	HeadKeep                   int `yaml:"head_keep"`
	TailKeep                   int `yaml:"tail_keep"`
}

// TrajectoryConfig controls session journaling.
type TrajectoryConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ToolsConfig tunes the tool orchestration pipeline. Allow and Deny list
// tool names that skip or fail the permission prompt; deny wins.
type ToolsConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	SnapshotDir    string        `yaml:"snapshot_dir"`
	Allow          []string      `yaml:"allow"`
	Deny           []string      `yaml:"deny"`
}

// LoggingConfig controls diagnostic output.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	LogToConsole *bool  `yaml:"log_to_console"`
	LogToFile    bool   `yaml:"log_to_file"`
	LogFile      string `yaml:"log_file"`
}

// TracingConfig controls OTLP trace export. Disabled when Endpoint is "".
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with working defaults for a local run.
func Default() *Config {
	return &Config{
		DefaultProvider: "anthropic",
		Providers:       map[string]ProviderConfig{},
		Context: ContextConfig{
			AutoCompactThresholdTokens: 80000,
			HeadKeep:                   2,
			TailKeep:                   10,
		},
		Trajectory: TrajectoryConfig{
			Path: "trajectories",
		},
		Tools: ToolsConfig{
			DefaultTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// standardKeyEnv maps provider names to their conventional API key variable.
var standardKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GOOGLE_API_KEY",
	"azure":     "AZURE_OPENAI_API_KEY",
}

// ResolveAPIKey returns the API key for a provider. SAGE_<PROVIDER>_API_KEY
// wins over the provider's standard variable; the config-file value is the
// lowest priority. Local providers need no key.
func (c *Config) ResolveAPIKey(provider string) string {
	name := strings.ToLower(provider)
	if v := os.Getenv("SAGE_" + strings.ToUpper(name) + "_API_KEY"); v != "" {
		return v
	}
	if env, ok := standardKeyEnv[name]; ok {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	if pc, ok := c.Providers[name]; ok {
		return pc.APIKey
	}
	return ""
}

// Provider returns the named provider's config, with the resolved API key
// applied.
func (c *Config) Provider(name string) (ProviderConfig, error) {
	key := strings.ToLower(name)
	pc, ok := c.Providers[key]
	if !ok && c.ResolveAPIKey(key) == "" && key != "ollama" {
		return ProviderConfig{}, fmt.Errorf("config: provider %q is not configured", name)
	}
	pc.APIKey = c.ResolveAPIKey(key)
	return pc, nil
}

// Validate checks for configuration errors that should fail pre-flight.
func (c *Config) Validate() error {
	if c.DefaultProvider == "" {
		return fmt.Errorf("config: default_provider is required")
	}
	if c.MaxSteps != nil && *c.MaxSteps < 0 {
		return fmt.Errorf("config: max_steps must be >= 0")
	}
	if c.Context.HeadKeep < 0 || c.Context.TailKeep < 0 {
		return fmt.Errorf("config: context head_keep and tail_keep must be >= 0")
	}
	return nil
}
