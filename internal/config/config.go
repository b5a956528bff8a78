package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Budget        BudgetConfig        `toml:"budget"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath       string `toml:"database_path"`
	LogDir             string `toml:"log_dir"`
	DefaultMaxParallel int    `toml:"default_max_parallel"`
	TickInterval       string `toml:"tick_interval"` // cron expression or @every duration
}

// AgentConfig holds agent executor settings
type AgentConfig struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Provider string   `toml:"provider"`
}

// BudgetConfig holds per-provider monthly spend limits in USD.
// A provider absent from the map has no limit.
type BudgetConfig struct {
	MonthlyLimitsUSD map[string]float64 `toml:"monthly_limits_usd"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:       filepath.Join(home, ".taskfactory", "factory.db"),
			LogDir:             filepath.Join(home, ".taskfactory", "logs"),
			DefaultMaxParallel: 2,
			TickInterval:       "@every 5s",
		},
		Agent: AgentConfig{
			Command:  "claude",
			Args:     []string{"--dangerously-skip-permissions", "-p"},
			Provider: "anthropic",
		},
		Budget: BudgetConfig{
			MonthlyLimitsUSD: map[string]float64{},
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.LogDir = ExpandPath(cfg.General.LogDir)

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskfactory", "config.toml")
}
