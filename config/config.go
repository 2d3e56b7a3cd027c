// Package config loads tau settings from flags, TAU_* environment
// variables, a tau.yaml file, and built-in defaults, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/martinemde/tau/orchestrator"
)

const (
	ModeOff       = "off"
	ModePlanFirst = "plan-first"
)

// Config is the resolved configuration.
type Config struct {
	Provider      string `mapstructure:"provider"`
	Model         string `mapstructure:"model"`
	APIKey        string `mapstructure:"api_key"`
	TurnTimeoutMs int    `mapstructure:"turn_timeout_ms"`
	StreamOutput  bool   `mapstructure:"stream_output"`
	StreamDelayMs int    `mapstructure:"stream_delay_ms"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type OrchestratorConfig struct {
	Mode                           string `mapstructure:"mode"`
	MaxPlanSteps                   int    `mapstructure:"max_plan_steps"`
	MaxDelegatedSteps              int    `mapstructure:"max_delegated_steps"`
	MaxExecutorResponseChars       int    `mapstructure:"max_executor_response_chars"`
	MaxDelegatedStepResponseChars  int    `mapstructure:"max_delegated_step_response_chars"`
	MaxDelegatedTotalResponseChars int    `mapstructure:"max_delegated_total_response_chars"`
	DelegateSteps                  bool   `mapstructure:"delegate_steps"`
	RouteTable                     string `mapstructure:"route_table"`
	RouteTraceLog                  string `mapstructure:"route_trace_log"`
	PolicyContext                  string `mapstructure:"policy_context"`
}

type SessionConfig struct {
	Path string `mapstructure:"path"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// FlagKeys maps CLI flag names to configuration keys.
var FlagKeys = map[string]string{
	"provider":            "provider",
	"model":               "model",
	"turn-timeout-ms":     "turn_timeout_ms",
	"stream-output":       "stream_output",
	"stream-delay-ms":     "stream_delay_ms",
	"max-tool-rounds":     "max_tool_rounds",
	"orchestrator-mode":   "orchestrator.mode",
	"max-plan-steps":      "orchestrator.max_plan_steps",
	"max-delegated-steps": "orchestrator.max_delegated_steps",
	"delegate-steps":      "orchestrator.delegate_steps",
	"route-table":         "orchestrator.route_table",
	"route-trace-log":     "orchestrator.route_trace_log",
	"policy-context":      "orchestrator.policy_context",
	"session":             "session.path",
	"telemetry":           "telemetry.enabled",
}

func setDefaults(v *viper.Viper) {
	b := orchestrator.DefaultBudget()
	v.SetDefault("provider", "anthropic")
	v.SetDefault("model", "")
	v.SetDefault("api_key", "")
	v.SetDefault("turn_timeout_ms", 0)
	v.SetDefault("stream_output", true)
	v.SetDefault("stream_delay_ms", 0)
	v.SetDefault("max_tool_rounds", 200)
	v.SetDefault("orchestrator.mode", ModeOff)
	v.SetDefault("orchestrator.max_plan_steps", b.MaxPlanSteps)
	v.SetDefault("orchestrator.max_delegated_steps", b.MaxDelegatedSteps)
	v.SetDefault("orchestrator.max_executor_response_chars", b.MaxExecutorResponseChars)
	v.SetDefault("orchestrator.max_delegated_step_response_chars", b.MaxDelegatedStepResponseChars)
	v.SetDefault("orchestrator.max_delegated_total_response_chars", b.MaxDelegatedTotalResponseChars)
	v.SetDefault("orchestrator.delegate_steps", false)
	v.SetDefault("orchestrator.route_table", "")
	v.SetDefault("orchestrator.route_trace_log", "")
	v.SetDefault("orchestrator.policy_context", "")
	v.SetDefault("session.path", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// LoadOptions selects the config sources.
type LoadOptions struct {
	// ConfigFile overrides the tau.yaml search.
	ConfigFile string
	// SearchPaths are the directories searched for tau.yaml. Defaults to
	// "." and $HOME/.config/tau.
	SearchPaths []string
	// Flags are bound through FlagKeys; only flags the user set override
	// lower layers.
	Flags *pflag.FlagSet
}

// Load resolves and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TAU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("tau")
		v.SetConfigType("yaml")
		paths := opts.SearchPaths
		if paths == nil {
			paths = []string{"."}
			if home, err := os.UserHomeDir(); err == nil {
				paths = append(paths, filepath.Join(home, ".config", "tau"))
			}
		}
		for _, p := range paths {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Orchestrator.Mode {
	case ModeOff, ModePlanFirst:
	default:
		return fmt.Errorf("orchestrator.mode: %q is invalid (valid values: %s, %s)", c.Orchestrator.Mode, ModeOff, ModePlanFirst)
	}
	if c.TurnTimeoutMs < 0 {
		return fmt.Errorf("turn_timeout_ms must not be negative (got %d)", c.TurnTimeoutMs)
	}
	if c.StreamDelayMs < 0 {
		return fmt.Errorf("stream_delay_ms must not be negative (got %d)", c.StreamDelayMs)
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max_tool_rounds must be greater than 0 (got %d)", c.MaxToolRounds)
	}
	if err := c.Budget().Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// Budget returns the orchestrator limits.
func (c *Config) Budget() orchestrator.Budget {
	o := c.Orchestrator
	return orchestrator.Budget{
		MaxPlanSteps:                   o.MaxPlanSteps,
		MaxDelegatedSteps:              o.MaxDelegatedSteps,
		MaxExecutorResponseChars:       o.MaxExecutorResponseChars,
		MaxDelegatedStepResponseChars:  o.MaxDelegatedStepResponseChars,
		MaxDelegatedTotalResponseChars: o.MaxDelegatedTotalResponseChars,
	}
}

func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutMs) * time.Millisecond
}

func (c *Config) StreamDelay() time.Duration {
	return time.Duration(c.StreamDelayMs) * time.Millisecond
}

// ResolvedAPIKey returns api_key, falling back to the provider's
// conventional environment variable.
func (c *Config) ResolvedAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	env := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"groq":      "GROQ_API_KEY",
		"mistral":   "MISTRAL_API_KEY",
		"gemini":    "GEMINI_API_KEY",
	}[strings.ToLower(c.Provider)]
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
