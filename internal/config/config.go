package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/claude-task-pool/internal/batch"
	"github.com/hochfrequenz/claude-task-pool/internal/domain"
	"github.com/hochfrequenz/claude-task-pool/internal/observability"
	"github.com/hochfrequenz/claude-task-pool/internal/tiers"
)

// Runner kinds
const (
	RunnerClaude = "claude"
	RunnerOllama = "ollama"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig               `toml:"general"`
	Runner        RunnerConfig                `toml:"runner"`
	Isolation     IsolationConfig             `toml:"isolation"`
	Tiers         map[string]TierConfig       `toml:"tiers"`
	Notifications NotificationsConfig         `toml:"notifications"`
	Tracing       observability.TracingConfig `toml:"tracing"`
	Schedule      []batch.Entry               `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoRoot       string `toml:"repo_root"`
	MaxConcurrent  int    `toml:"max_concurrent"`
	DefaultTimeout string `toml:"default_timeout"` // Go duration
	LedgerPath     string `toml:"ledger_path"`
	DatabasePath   string `toml:"database_path"`
	Debug          bool   `toml:"debug"`
}

// RunnerConfig selects and configures the unit-of-work provider
type RunnerConfig struct {
	Kind         string   `toml:"kind"`
	ClaudeBinary string   `toml:"claude_binary"`
	ExtraArgs    []string `toml:"extra_args"`
	OllamaHost   string   `toml:"ollama_host"`
	OllamaModel  string   `toml:"ollama_model"`
	TrackChanges bool     `toml:"track_changes"`
}

// IsolationConfig holds workspace settings
type IsolationConfig struct {
	Enabled      bool   `toml:"enabled"`
	RootDir      string `toml:"root_dir"`
	BranchPrefix string `toml:"branch_prefix"`
	TargetBranch string `toml:"target_branch"` // Empty means the repository default branch
	CommitName   string `toml:"commit_name"`
	CommitEmail  string `toml:"commit_email"`
}

// TierConfig overrides one row of the built-in tier table. Zero values keep
// the built-in setting.
type TierConfig struct {
	Model              string  `toml:"model"`
	Strategy           string  `toml:"strategy"`
	MaxTurns           int     `toml:"max_turns"`
	Soft               float64 `toml:"soft"`
	Hard               float64 `toml:"hard"`
	InputPricePerMTok  float64 `toml:"input_price_per_mtok"`
	OutputPricePerMTok float64 `toml:"output_price_per_mtok"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop         bool   `toml:"desktop"`
	SlackWebhook    string `toml:"slack_webhook"`
	NotifyOnSuccess bool   `toml:"notify_on_success"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			MaxConcurrent:  3,
			DefaultTimeout: "10m",
			LedgerPath:     filepath.Join(home, ".taskpool", "budget.jsonl"),
			DatabasePath:   filepath.Join(home, ".taskpool", "runs.db"),
		},
		Runner: RunnerConfig{
			Kind:         RunnerClaude,
			ClaudeBinary: "claude",
			TrackChanges: true,
		},
		Isolation: IsolationConfig{
			RootDir:      ".taskpool-worktrees",
			BranchPrefix: "taskpool/",
			CommitName:   "taskpool",
			CommitEmail:  "taskpool@localhost",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Tracing: observability.TracingConfig{
			Exporter:    "none",
			SampleRatio: 1,
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

	// Expand paths
	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.LedgerPath = ExpandPath(cfg.General.LedgerPath)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	for i := range cfg.Schedule {
		cfg.Schedule[i].TasksFile = ExpandPath(cfg.Schedule[i].TasksFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and fills schedule defaults
func (c *Config) Validate() error {
	if c.General.MaxConcurrent < 1 {
		return &domain.ConfigError{Err: fmt.Errorf("invalid max_concurrent"), Detail: fmt.Sprint(c.General.MaxConcurrent)}
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	switch c.Runner.Kind {
	case RunnerClaude, RunnerOllama:
	default:
		return &domain.ConfigError{Err: fmt.Errorf("unknown runner kind"), Detail: c.Runner.Kind}
	}
	if _, err := c.TierTable(); err != nil {
		return err
	}
	for i := range c.Schedule {
		if err := c.Schedule[i].Validate(); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return nil
}

// Timeout returns the default task timeout; empty means the executor default
func (c *Config) Timeout() (time.Duration, error) {
	if c.General.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.General.DefaultTimeout)
	if err != nil {
		return 0, &domain.ConfigError{Err: fmt.Errorf("invalid default_timeout"), Detail: err.Error()}
	}
	return d, nil
}

// TierTable returns the built-in table with the [tiers.<name>] overrides applied
func (c *Config) TierTable() (tiers.Table, error) {
	overrides := make(tiers.Table, len(c.Tiers))
	for name, tc := range c.Tiers {
		tier, err := domain.ParseTier(name)
		if err != nil {
			return nil, err
		}
		overrides[tier] = tiers.Entry{
			Profile: tiers.Profile{
				Model:              tc.Model,
				Strategy:           tc.Strategy,
				MaxTurns:           tc.MaxTurns,
				InputPricePerMTok:  tc.InputPricePerMTok,
				OutputPricePerMTok: tc.OutputPricePerMTok,
			},
			Thresholds: tiers.Thresholds{Soft: tc.Soft, Hard: tc.Hard},
		}
	}
	table := tiers.Default().Merge(overrides)
	for tier, e := range table {
		if e.Thresholds.Soft > e.Thresholds.Hard {
			return nil, &domain.ConfigError{
				Err:    fmt.Errorf("soft threshold above hard threshold"),
				Detail: string(tier),
			}
		}
	}
	return table, nil
}

// Save writes the configuration as TOML, creating the parent directory
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
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
	return filepath.Join(home, ".config", "taskpool", "config.toml")
}
