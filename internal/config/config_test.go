package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-task-pool/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.General.MaxConcurrent)
	}
	if cfg.Runner.Kind != RunnerClaude {
		t.Errorf("Runner.Kind = %q, want claude", cfg.Runner.Kind)
	}
	if d, _ := cfg.Timeout(); d != 10*time.Minute {
		t.Errorf("Timeout = %v, want 10m", d)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.MaxConcurrent != 3 {
		t.Errorf("expected defaults, got %+v", cfg.General)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
repo_root = "/test/project"
max_concurrent = 5
default_timeout = "30m"

[runner]
kind = "ollama"
ollama_host = "http://gpu-box:11434"
ollama_model = "qwen2.5-coder"

[isolation]
enabled = true
target_branch = "develop"

[tiers.light]
model = "claude-haiku-4-5"
soft = 0.10
hard = 0.20

[notifications]
slack_webhook = "https://hooks.slack.com/services/x"

[tracing]
exporter = "stdout"

[[schedule]]
name = "nightly"
cron = "0 22 * * *"
tasks_file = "~/tasks/nightly.yaml"
isolate = true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.RepoRoot != "/test/project" {
		t.Errorf("RepoRoot = %q, want /test/project", cfg.General.RepoRoot)
	}
	if cfg.General.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.General.MaxConcurrent)
	}
	if cfg.Runner.Kind != RunnerOllama || cfg.Runner.OllamaModel != "qwen2.5-coder" {
		t.Errorf("Runner = %+v", cfg.Runner)
	}
	if !cfg.Isolation.Enabled || cfg.Isolation.TargetBranch != "develop" {
		t.Errorf("Isolation = %+v", cfg.Isolation)
	}
	// Unset fields keep their defaults
	if cfg.Isolation.BranchPrefix != "taskpool/" {
		t.Errorf("BranchPrefix = %q, want default", cfg.Isolation.BranchPrefix)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q", cfg.Tracing.Exporter)
	}

	if len(cfg.Schedule) != 1 {
		t.Fatalf("Schedule = %+v", cfg.Schedule)
	}
	home, _ := os.UserHomeDir()
	if cfg.Schedule[0].TasksFile != filepath.Join(home, "tasks", "nightly.yaml") {
		t.Errorf("TasksFile = %q, want expanded", cfg.Schedule[0].TasksFile)
	}
	if cfg.Schedule[0].MaxTasks != 10 {
		t.Errorf("MaxTasks = %d, want default 10", cfg.Schedule[0].MaxTasks)
	}

	table, err := cfg.TierTable()
	if err != nil {
		t.Fatal(err)
	}
	light := table[domain.TierLight]
	if light.Profile.Model != "claude-haiku-4-5" || light.Thresholds.Soft != 0.10 || light.Thresholds.Hard != 0.20 {
		t.Errorf("light = %+v", light)
	}
	if table[domain.TierDeep].Thresholds.Hard != 15 {
		t.Errorf("untouched tier changed: %+v", table[domain.TierDeep])
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero concurrency", "[general]\nmax_concurrent = 0\n"},
		{"bad timeout", "[general]\ndefault_timeout = \"soon\"\n"},
		{"unknown runner", "[runner]\nkind = \"gpt\"\n"},
		{"unknown tier", "[tiers.galactic]\nmodel = \"x\"\n"},
		{"soft above hard", "[tiers.light]\nsoft = 2.0\nhard = 1.0\n"},
		{"bad schedule", "[[schedule]]\nname = \"x\"\ncron = \"never\"\ntasks_file = \"t.yaml\"\n"},
		{"malformed", "[general\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTierTable_UnknownTierIsConfigError(t *testing.T) {
	cfg := Default()
	cfg.Tiers = map[string]TierConfig{"enormous": {Model: "x"}}
	_, err := cfg.TierTable()
	if !errors.Is(err, domain.ErrUnknownTier) {
		t.Errorf("err = %v, want ErrUnknownTier", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.General.MaxConcurrent = 7
	cfg.Tiers = map[string]TierConfig{"deep": {Hard: 20, Soft: 10}}

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.General.MaxConcurrent != 7 {
		t.Errorf("MaxConcurrent = %d, want 7", loaded.General.MaxConcurrent)
	}
	if loaded.Tiers["deep"].Hard != 20 {
		t.Errorf("Tiers = %+v", loaded.Tiers)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
