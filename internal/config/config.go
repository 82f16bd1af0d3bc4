// Package config loads and validates the cicada configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mbeukes/cicada/internal/paths"
)

// Config is the root configuration, loaded from ~/.cicada/config.toml.
type Config struct {
	Gateway  GatewayConfig  `toml:"gateway"`
	Channels ChannelsConfig `toml:"channels"`
	Backend  BackendConfig  `toml:"backend"`
	Memory   MemoryConfig   `toml:"memory"`
	Skills   SkillsConfig   `toml:"skills"`
	Cron     CronConfig     `toml:"cron"`
	Logging  LoggingConfig  `toml:"logging"`
}

type GatewayConfig struct {
	// IdleTimeoutMinutes is the session continuity window. Messages from the
	// same user within the window share one session; after it elapses the
	// next message starts fresh.
	IdleTimeoutMinutes int `toml:"idle_timeout_minutes"`

	// PromptBudgetTokens caps the assembled prompt size. Oldest turns are
	// dropped first when the budget is exceeded.
	PromptBudgetTokens int `toml:"prompt_budget_tokens"`

	// DispatchTimeoutSeconds bounds a single backend dispatch.
	DispatchTimeoutSeconds int `toml:"dispatch_timeout_seconds"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	Signal   SignalConfig   `toml:"signal"`
	Slack    SlackConfig    `toml:"slack"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
}

// SignalConfig configures the Signal channel. The transport itself is an
// external signal-cli process driven by a separate adapter binary.
type SignalConfig struct {
	Enabled bool   `toml:"enabled"`
	Phone   string `toml:"phone"`
}

type SlackConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	AppToken string `toml:"app_token"`
}

type BackendConfig struct {
	// Kind selects the reasoning backend: "claude" or "cursor".
	Kind   string              `toml:"kind"`
	Claude ClaudeBackendConfig `toml:"claude"`
	Cursor CursorBackendConfig `toml:"cursor"`
}

type ClaudeBackendConfig struct {
	Binary string `toml:"binary"` // defaults to "claude" on PATH
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"`
}

type CursorBackendConfig struct {
	Binary string `toml:"binary"` // defaults to "cursor-agent" on PATH
	Model  string `toml:"model"`
}

type MemoryConfig struct {
	MaxResults int `toml:"max_results"` // entries included per prompt
}

type SkillsConfig struct {
	Dir   string `toml:"dir"`   // defaults to ~/.cicada/skills
	Watch bool   `toml:"watch"` // live reload on SKILL.md changes
}

type CronConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // "debug", "info", "warn", "error"
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			IdleTimeoutMinutes:     120,
			PromptBudgetTokens:     24000,
			DispatchTimeoutSeconds: 600,
		},
		Backend: BackendConfig{
			Kind:   "claude",
			Claude: ClaudeBackendConfig{Binary: "claude"},
			Cursor: CursorBackendConfig{Binary: "cursor-agent"},
		},
		Memory:  MemoryConfig{MaxResults: 6},
		Skills:  SkillsConfig{Watch: true},
		Cron:    CronConfig{Enabled: true},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file, applying defaults for missing values.
// A missing file is not an error; defaults are returned.
func Load() (*Config, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads a specific config file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend.Kind {
	case "claude", "cursor":
	default:
		return fmt.Errorf("backend.kind must be \"claude\" or \"cursor\", got %q", c.Backend.Kind)
	}
	if c.Gateway.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("gateway.idle_timeout_minutes must be positive")
	}
	return nil
}

// IdleTimeout returns the session idle window as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Gateway.IdleTimeoutMinutes) * time.Minute
}

// DispatchTimeout returns the backend dispatch timeout as a duration.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Gateway.DispatchTimeoutSeconds) * time.Second
}

// WriteDefault writes a starter config.toml to the given path.
// Fails if the file already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(Default()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
