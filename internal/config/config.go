// Package config is the on-disk configuration surface: a JSON main config
// loaded at startup plus the YAML tool policy owned by internal/tools.
//
// Secrets never live in config.json. API keys are resolved from the
// environment via api_key_env.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for agentloop.
type Config struct {
	// DataDir holds journals, history, and the tool policy file.
	// When empty the default (~/.agentloop) applies; the AGENTLOOP_DATA_DIR
	// environment variable and the -data-dir flag override it.
	DataDir string `json:"data_dir,omitempty"`

	Provider Provider `json:"provider"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// Limits overrides the engine execution limits. Zero fields keep the
	// engine defaults.
	Limits *Limits `json:"limits,omitempty"`
}

// Provider selects the model endpoint.
type Provider struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint (example:
	// "https://api.openai.com/v1"). Required for openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// When empty, the provider default applies (ANTHROPIC_API_KEY or
	// OPENAI_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Model is the model id sent to the provider.
	Model string `json:"model"`

	// MaxOutputTokens caps one response. Zero keeps the provider default.
	MaxOutputTokens int64 `json:"max_output_tokens,omitempty"`

	// ThinkingBudgetTokens enables extended thinking on Anthropic models
	// when at least 1024 and below max output tokens. Ignored elsewhere.
	ThinkingBudgetTokens int64 `json:"thinking_budget_tokens,omitempty"`
}

// Limits overrides engine execution limits. All fields are optional;
// zero means "engine default".
type Limits struct {
	MaxToolCallsPerBatch     int `json:"max_tool_calls_per_batch,omitempty"`
	MaxToolIterationsPerTurn int `json:"max_tool_iterations_per_turn,omitempty"`
	MaxToolArgsBytes         int `json:"max_tool_args_bytes,omitempty"`
	MaxToolOutputBytes       int `json:"max_tool_output_bytes,omitempty"`
	StreamBudgetBytesPerPoll int `json:"stream_budget_bytes_per_poll,omitempty"`
	ToolTimeoutSeconds       int `json:"tool_timeout_seconds,omitempty"`
	ShellTimeoutSeconds      int `json:"shell_timeout_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Limits != nil {
		if err := c.Limits.Validate(); err != nil {
			return fmt.Errorf("invalid limits: %w", err)
		}
	}
	return nil
}

func (p *Provider) Validate() error {
	if p == nil {
		return errors.New("nil provider")
	}
	t := strings.TrimSpace(strings.ToLower(p.Type))
	switch t {
	case "openai", "anthropic", "openai_compatible":
	default:
		return fmt.Errorf("invalid type %q", p.Type)
	}

	baseURL := strings.TrimSpace(p.BaseURL)
	if t == "openai_compatible" && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u == nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}

	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing model")
	}
	if strings.Contains(p.Model, "/") {
		return fmt.Errorf("invalid model %q (must not contain /)", p.Model)
	}
	if p.MaxOutputTokens < 0 {
		return fmt.Errorf("invalid max_output_tokens %d", p.MaxOutputTokens)
	}
	if p.ThinkingBudgetTokens < 0 {
		return fmt.Errorf("invalid thinking_budget_tokens %d", p.ThinkingBudgetTokens)
	}
	return nil
}

func (l *Limits) Validate() error {
	if l == nil {
		return nil
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"max_tool_calls_per_batch", l.MaxToolCallsPerBatch},
		{"max_tool_iterations_per_turn", l.MaxToolIterationsPerTurn},
		{"max_tool_args_bytes", l.MaxToolArgsBytes},
		{"max_tool_output_bytes", l.MaxToolOutputBytes},
		{"stream_budget_bytes_per_poll", l.StreamBudgetBytesPerPoll},
		{"tool_timeout_seconds", l.ToolTimeoutSeconds},
		{"shell_timeout_seconds", l.ShellTimeoutSeconds},
	} {
		if f.value < 0 {
			return fmt.Errorf("invalid %s %d", f.name, f.value)
		}
	}
	return nil
}

// EffectiveType returns the normalized provider type.
func (p *Provider) EffectiveType() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(strings.ToLower(p.Type))
}

// EffectiveAPIKeyEnv returns the environment variable name holding the API
// key.
func (p *Provider) EffectiveAPIKeyEnv() string {
	if p == nil {
		return ""
	}
	if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
		return env
	}
	switch p.EffectiveType() {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// ResolveAPIKey reads the API key from the configured environment variable.
func (p *Provider) ResolveAPIKey() (string, error) {
	env := p.EffectiveAPIKeyEnv()
	if env == "" {
		return "", errors.New("nil provider")
	}
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return "", fmt.Errorf("missing api key: set %s", env)
	}
	return key, nil
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return "text"
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "json":
		return "json"
	default:
		return "text"
	}
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return "info"
	}
	v := strings.TrimSpace(strings.ToLower(c.LogLevel))
	switch v {
	case "debug", "info", "warn", "error":
		return v
	default:
		return "info"
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.agentloop/config.json
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}

// DefaultDataDir returns ~/.agentloop, falling back to a relative
// directory when the home dir cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".agentloop"
	}
	return filepath.Join(home, ".agentloop")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
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
