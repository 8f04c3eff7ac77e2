package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config is the on-disk configuration for loomd.
//
// NOTE: This file may contain provider API keys. Always keep it chmod 0600.
type Config struct {
	// StateDir is the root directory for all durable state: the log store,
	// staged attachments, the instance lock and the ops journal.
	// If empty, ~/.loom is used.
	StateDir string `json:"state_dir,omitempty" split_words:"true"`

	// DefaultVendor is the vendor used when a submit carries no explicit one.
	DefaultVendor string `json:"default_vendor,omitempty" split_words:"true"`

	// LogFormat is "auto", "json" or "text". "auto" picks text on a
	// terminal and json otherwise.
	LogFormat string `json:"log_format,omitempty" split_words:"true"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" split_words:"true"`

	// PollIntervalMs is the cadence, in milliseconds, at which pooled
	// vendor processes are polled for buffered events during a turn.
	PollIntervalMs int `json:"poll_interval_ms,omitempty" split_words:"true"`
	// TurnTimeoutSec is the hard wall-clock limit for a single turn.
	TurnTimeoutSec int `json:"turn_timeout_sec,omitempty" split_words:"true"`

	Anthropic AnthropicConfig `json:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai"`
}

// AnthropicConfig configures the anthropic_api runner kind.
type AnthropicConfig struct {
	APIKey    string `json:"api_key,omitempty" envconfig:"ANTHROPIC_API_KEY"`
	BaseURL   string `json:"base_url,omitempty" envconfig:"ANTHROPIC_BASE_URL"`
	Model     string `json:"model,omitempty" envconfig:"ANTHROPIC_MODEL"`
	MaxTokens int64  `json:"max_tokens,omitempty" envconfig:"ANTHROPIC_MAX_TOKENS"`
	System    string `json:"system_prompt,omitempty" envconfig:"ANTHROPIC_SYSTEM_PROMPT"`
}

// OpenAIConfig configures the openai_api runner kind.
type OpenAIConfig struct {
	APIKey    string `json:"api_key,omitempty" envconfig:"OPENAI_API_KEY"`
	BaseURL   string `json:"base_url,omitempty" envconfig:"OPENAI_BASE_URL"`
	Model     string `json:"model,omitempty" envconfig:"OPENAI_MODEL"`
	MaxTokens int64  `json:"max_tokens,omitempty" envconfig:"OPENAI_MAX_TOKENS"`
	System    string `json:"system_prompt,omitempty" envconfig:"OPENAI_SYSTEM_PROMPT"`
}

const (
	defaultVendorName     = "codex"
	defaultLogFormat      = "auto"
	defaultLogLevel       = "info"
	defaultPollIntervalMs = 40
	defaultTurnTimeoutSec = 600
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultVendor:  defaultVendorName,
		LogFormat:      defaultLogFormat,
		LogLevel:       defaultLogLevel,
		PollIntervalMs: defaultPollIntervalMs,
		TurnTimeoutSec: defaultTurnTimeoutSec,
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.PollIntervalMs < 0 {
		return errors.New("negative poll_interval_ms")
	}
	if c.TurnTimeoutSec < 0 {
		return errors.New("negative turn_timeout_sec")
	}
	return nil
}

// ResolvedStateDir returns StateDir, falling back to DefaultStateDir.
func (c *Config) ResolvedStateDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.StateDir); dir != "" {
			return dir
		}
	}
	return DefaultStateDir()
}

// ApplyEnv overlays LOOM_* environment variables onto c. The provider
// sections also honor the plain ANTHROPIC_* / OPENAI_* variable names, so
// an API key already exported for other tooling is picked up as-is.
func (c *Config) ApplyEnv() error {
	if c == nil {
		return nil
	}
	if err := envconfig.Process("loom", c); err != nil {
		return err
	}
	if err := envconfig.Process("loom", &c.Anthropic); err != nil {
		return err
	}
	return envconfig.Process("loom", &c.OpenAI)
}

// DefaultStateDir returns the default state directory:
//
//	~/.loom
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

// DefaultConfigPath returns the default config path:
//
//	~/.loom/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "loom.config.json"
	}
	return filepath.Join(home, ".loom", "config.json")
}

// Load reads the config file at path, overlays LOOM_* environment variables
// and validates the result. A missing file is not an error: the built-in
// defaults plus the environment overlay are returned instead.
func Load(path string) (*Config, error) {
	cfg, err := readConfigFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readConfigFile reads path on top of the defaults, without the environment
// overlay. Init uses this to preserve what the file alone says.
func readConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
