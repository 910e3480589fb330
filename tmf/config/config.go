package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/teachmefinance/tmf"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a loaded value fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config stores all configuration of the application.
// The values are read by viper from a config file, environment variables or flags.
type Config struct {
	Model          string      `mapstructure:"model"`            // Ollama model tag
	Endpoint       string      `mapstructure:"endpoint"`         // Base URL of the inference server
	MaxTurns       int         `mapstructure:"max_turns"`        // Non-system turns kept in context
	TimeoutSeconds int         `mapstructure:"timeout_seconds"`  // Per-attempt request timeout
	Temperature    float64     `mapstructure:"temperature"`      // Sampling temperature
	MaxTokens      int         `mapstructure:"max_tokens"`       // num_predict sent to the backend
	Stream         bool        `mapstructure:"stream"`           // Stream tokens as they arrive
	Probe          bool        `mapstructure:"probe"`            // Ping the backend before chat starts
	Retry          RetryConfig `mapstructure:"retry"`
	Log            LogConfig   `mapstructure:"log"`
	Guard          GuardConfig `mapstructure:"guard"`
	Chat           ChatConfig  `mapstructure:"chat"`
}

// RetryConfig controls retries of timed-out backend requests.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"` // Extra attempts after the first
	Backoff     time.Duration `mapstructure:"backoff"`      // Constant delay between attempts
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Format string `mapstructure:"format"` // "auto", "console", "json"
}

// GuardConfig stores the guard policy: the system prompt and the rules
// applied to user input and model output.
type GuardConfig struct {
	SystemPrompt       string       `mapstructure:"system_prompt"`
	AllowedTopics      string       `mapstructure:"allowed_topics"`
	Disclaimer         string       `mapstructure:"disclaimer"`
	DisclaimerTriggers []string     `mapstructure:"disclaimer_triggers"` // Regexps; a match on output adds the disclaimer
	Refusal            string       `mapstructure:"refusal"`             // %s is replaced by the rejection reason
	MaxInputLength     int          `mapstructure:"max_input_length"`    // In characters
	Rules              []RuleConfig `mapstructure:"rules"`
}

// RuleConfig is a single disallowed-content rule.
type RuleConfig struct {
	Name     string   `mapstructure:"name"`
	Reason   string   `mapstructure:"reason"`
	Patterns []string `mapstructure:"patterns"`
}

// ChatConfig stores interactive loop settings.
type ChatConfig struct {
	ExitTokens []string `mapstructure:"exit_tokens"`
}

// Timeout returns the per-attempt request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"model":       "model",
	"endpoint":    "endpoint",
	"max-turns":   "max_turns",
	"timeout":     "timeout_seconds",
	"temperature": "temperature",
	"max-tokens":  "max_tokens",
	"stream":      "stream",
	"probe":       "probe",
	"log-level":   "log.level",
}

// LoadConfig reads configuration from file, environment variables and the
// given flag set. An empty configPath searches the working directory and the
// per-user config directory; a missing file there is not an error. flags may
// be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(tmf.DefaultConfigPath)
		v.AddConfigPath(filepath.Join("etc", tmf.DefaultAppName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(tmf.DefaultEnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. retry.max_attempts becomes TMF_RETRY_MAX_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("endpoint", "TMF_ENDPOINT", "OLLAMA_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind endpoint env: %w", err)
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration, ignoring files, environment
// and flags.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: built-in defaults are invalid: %v", err))
	}
	return &cfg
}

// Validate checks the configuration and clamps values that have a safe floor.
func (c *Config) Validate() error {
	c.Model = strings.TrimSpace(c.Model)
	if c.Model == "" {
		return fmt.Errorf("%w: model must not be empty", ErrInvalidConfig)
	}

	c.Endpoint = strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %q must be an http(s) URL", ErrInvalidConfig, c.Endpoint)
	}

	if c.MaxTurns < conversation.MinMaxTurns {
		c.MaxTurns = conversation.MinMaxTurns
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive, got %d", ErrInvalidConfig, c.TimeoutSeconds)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2], got %g", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}

	if c.Retry.MaxAttempts < 0 {
		c.Retry.MaxAttempts = 0
	}
	if c.Retry.Backoff < 0 {
		c.Retry.Backoff = 0
	}

	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("%w: log.format must be auto, console or json, got %q", ErrInvalidConfig, c.Log.Format)
	}

	if c.Guard.MaxInputLength <= 0 {
		return fmt.Errorf("%w: guard.max_input_length must be positive", ErrInvalidConfig)
	}
	for i, rule := range c.Guard.Rules {
		if rule.Name == "" || rule.Reason == "" || len(rule.Patterns) == 0 {
			return fmt.Errorf("%w: guard rule %d needs a name, a reason and at least one pattern", ErrInvalidConfig, i)
		}
	}

	if len(c.Chat.ExitTokens) == 0 {
		c.Chat.ExitTokens = []string{"exit", "quit"}
	}
	return nil
}
