// Package config loads the runtime configuration from a YAML file with
// environment-variable expansion and env overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/loop"
	"github.com/wardenhq/warden/internal/memory"
)

// Config is the main configuration structure for Warden.
type Config struct {
	Vault   VaultConfig   `yaml:"vault"`
	LLM     LLMConfig     `yaml:"llm"`
	Loop    LoopConfig    `yaml:"loop"`
	Memory  MemoryConfig  `yaml:"memory"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// VaultConfig locates the vault.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
}

// LoopConfig tunes the turn loop.
type LoopConfig struct {
	ContextWindow         int           `yaml:"context_window"`
	ReserveTokens         int           `yaml:"reserve_tokens"`
	FlushThreshold        float64       `yaml:"flush_threshold"`
	CompactionThreshold   float64       `yaml:"compaction_threshold"`
	MaxHistoryMessages    int           `yaml:"max_history_messages"`
	KeepRecentToolResults int           `yaml:"keep_recent_tool_results"`
	MaxToolIterations     int           `yaml:"max_tool_iterations"`
	ExecutionTimeout      time.Duration `yaml:"execution_timeout"`
	ToolTimeout           time.Duration `yaml:"tool_timeout"`
	LockTTL               time.Duration `yaml:"lock_ttl"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBaseDelay        time.Duration `yaml:"retry_base_delay"`
}

// MemoryConfig bounds the per-agent memory document.
type MemoryConfig struct {
	TotalSize    int `yaml:"total_size"`
	SectionSize  int `yaml:"section_size"`
	SectionCount int `yaml:"section_count"`
}

// ServerConfig configures the metrics endpoint.
type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. A missing path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv applies the environment overrides; they win over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.Vault.Path = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("WARDEN_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("WARDEN_METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// LoopConfig maps the file values onto the loop's configuration; zero fields
// fall back to the loop's own defaults.
func (c *Config) LoopConfig() loop.Config {
	return loop.Config{
		ContextWindow:         c.Loop.ContextWindow,
		ReserveTokens:         c.Loop.ReserveTokens,
		FlushThreshold:        c.Loop.FlushThreshold,
		CompactionThreshold:   c.Loop.CompactionThreshold,
		MaxHistoryMessages:    c.Loop.MaxHistoryMessages,
		KeepRecentToolResults: c.Loop.KeepRecentToolResults,
		MaxToolIterations:     c.Loop.MaxToolIterations,
		ExecutionTimeout:      c.Loop.ExecutionTimeout,
		ToolTimeout:           c.Loop.ToolTimeout,
		LockTTL:               c.Loop.LockTTL,
		MaxRetries:            c.Loop.MaxRetries,
		RetryBaseDelay:        c.Loop.RetryBaseDelay,
	}
}

// MemoryLimits maps the file values onto the memory store's limits.
func (c *Config) MemoryLimits() memory.Limits {
	return memory.Limits{
		TotalSize:    c.Memory.TotalSize,
		SectionSize:  c.Memory.SectionSize,
		SectionCount: c.Memory.SectionCount,
	}
}

// MetricsAddr is the host:port the metrics endpoint binds to.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.MetricsPort)
}
