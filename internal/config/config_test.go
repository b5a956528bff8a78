package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want claude", cfg.Agent.Command)
	}
	if cfg.General.DefaultMaxParallel != 2 {
		t.Errorf("DefaultMaxParallel = %d, want 2", cfg.General.DefaultMaxParallel)
	}
	if cfg.Web.Port != 8090 {
		t.Errorf("Web.Port = %d, want 8090", cfg.Web.Port)
	}
}

func TestLoad_PartialFileKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[general]
default_max_parallel = 4

[budget]
[budget.monthly_limits_usd]
anthropic = 250.0

[web]
port = 9000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.DefaultMaxParallel != 4 {
		t.Errorf("DefaultMaxParallel = %d, want 4", cfg.General.DefaultMaxParallel)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	if got := cfg.Budget.MonthlyLimitsUSD["anthropic"]; got != 250 {
		t.Errorf("limit = %v, want 250", got)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("Agent.Command = %q, want default claude", cfg.Agent.Command)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("not [valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/factory.db"); got != filepath.Join(home, "factory.db") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath = %q, want unchanged", got)
	}
}

func TestRuntime_SettingsViews(t *testing.T) {
	cfg := Default()
	cfg.Budget.MonthlyLimitsUSD = map[string]float64{"anthropic": 100}
	rt := NewRuntime(cfg, "/dev/null", zerolog.Nop())

	if rt.Provider() != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", rt.Provider())
	}
	if !rt.AgentConfigured() {
		t.Error("AgentConfigured = false, want true")
	}
	if limit, ok := rt.Limit("anthropic"); !ok || limit != 100 {
		t.Errorf("Limit = %v/%v, want 100/true", limit, ok)
	}
	if _, ok := rt.Limit("openai"); ok {
		t.Error("Limit for unconfigured provider = true, want false")
	}

	cfg.General.DefaultMaxParallel = 0
	if rt.DefaultMaxParallel() != 1 {
		t.Errorf("DefaultMaxParallel = %d, want floor of 1", rt.DefaultMaxParallel())
	}
}
