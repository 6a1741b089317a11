// Package config loads and validates the hub's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the orchestration hub.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Hub       HubConfig       `yaml:"hub"`
	Bus       BusConfig       `yaml:"bus"`
	GitHub    GitHubConfig    `yaml:"github"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Vault     VaultConfig     `yaml:"vault"`
	LocalExec LocalExecConfig `yaml:"local_exec"`
}

// BackendConfig describes how to launch the app-server backend process.
type BackendConfig struct {
	Binary      string `yaml:"binary"`        // e.g. "codex"
	Model       string `yaml:"model"`         // default model passed at thread start
	Dangerous   bool   `yaml:"dangerous"`     // pass the bypass-approvals-and-sandbox flag
	Cwd         string `yaml:"cwd"`           // default working directory for the orchestrator
	OtelLogPath string `yaml:"otel_log_path"` // JSONL file the backend's OTEL exporter writes heartbeats to
}

// HubConfig controls the hub state machine's policy knobs.
type HubConfig struct {
	AutopilotDefault bool          `yaml:"autopilot_default"`
	WIPLimit         int           `yaml:"wip_limit"`
	DigestDebounce   time.Duration `yaml:"digest_debounce"`
	WatchdogTick     time.Duration `yaml:"watchdog_tick"`
	SchedulerTick    time.Duration `yaml:"scheduler_tick"`
	MaxNudges        int           `yaml:"max_nudges"`
	DefaultCheckin   time.Duration `yaml:"default_checkin"`
	DefaultBudget    time.Duration `yaml:"default_budget"`
	StateDir         string        `yaml:"state_dir"`
}

// BusConfig configures the embedded event-bus broker.
type BusConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// GitHubConfig controls the issue-driven scheduler.
type GitHubConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Repo         string        `yaml:"repo"` // owner/name; empty detects from cwd
	PollInterval time.Duration `yaml:"poll_interval"`
	PollCron     string        `yaml:"poll_cron"` // overrides PollInterval when set
	StaleAfter   time.Duration `yaml:"stale_after"`
	WorktreeRoot string        `yaml:"worktree_root"`
	AutoPROnDone bool          `yaml:"auto_pr_on_complete"`
}

// TelegramConfig configures the optional human-notification relay.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowFrom  []int64 `yaml:"allow_from"`
	MainChatID int64   `yaml:"main_chat_id"`
}

// ArtifactConfig controls the append-only artifact store.
type ArtifactConfig struct {
	Dir               string `yaml:"dir"`
	CompressThreshold int    `yaml:"compress_threshold"` // bytes; 0 disables compression
}

// VaultConfig controls secret-at-rest encryption for GitHub/Telegram tokens.
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
	Path       string `yaml:"path"` // encrypted secrets file; defaults to .orch/secrets.json
}

// LocalExecConfig controls the exec control-block's execution backend.
type LocalExecConfig struct {
	Sandbox string `yaml:"sandbox"` // "host" or "docker"
	Image   string `yaml:"image"`   // docker image, when sandbox=docker
}

const defaultConfigPath = "orch.yaml"

var configPath = defaultConfigPath

// Path returns the config file path currently in effect, for file watchers.
func Path() string { return configPath }

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			Binary:      "codex",
			Model:       "gpt-5-codex",
			OtelLogPath: ".orch/otel-events.jsonl",
		},
		Hub: HubConfig{
			AutopilotDefault: true,
			WIPLimit:         4,
			DigestDebounce:   3 * time.Second,
			WatchdogTick:     5 * time.Second,
			SchedulerTick:    60 * time.Second,
			MaxNudges:        3,
			DefaultCheckin:   10 * time.Minute,
			DefaultBudget:    2 * time.Hour,
			StateDir:         ".orch",
		},
		Bus: BusConfig{
			Port:    0,
			DataDir: ".orch/bus",
		},
		GitHub: GitHubConfig{
			PollInterval: 25 * time.Second,
			StaleAfter:   30 * time.Minute,
			WorktreeRoot: ".worktrees",
		},
		Artifact: ArtifactConfig{
			Dir:               ".orch",
			CompressThreshold: 64 * 1024,
		},
		LocalExec: LocalExecConfig{
			Sandbox: "host",
		},
		Vault: VaultConfig{
			Path: ".orch/secrets.json",
		},
	}
}

// Load reads configuration from ORCH_CONFIG (or ./orch.yaml), expands
// environment variables embedded in the YAML, applies env-var overrides on
// top, and validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ORCH_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env.
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Backend.Binary == "" {
		return fmt.Errorf("backend.binary is required")
	}
	if cfg.Hub.WIPLimit < 1 {
		return fmt.Errorf("hub.wip_limit must be at least 1")
	}
	switch cfg.LocalExec.Sandbox {
	case "host", "docker":
	default:
		return fmt.Errorf("local_exec.sandbox must be 'host' or 'docker', got %q", cfg.LocalExec.Sandbox)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ORCH_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("ORCH_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ORCH_BACKEND_BINARY"); v != "" {
		cfg.Backend.Binary = v
	}
	if v := os.Getenv("ORCH_BACKEND_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
	if v := os.Getenv("ORCH_WIP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.WIPLimit = n
		}
	}
	if v := os.Getenv("ORCH_BUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Port = n
		}
	}
	if v := os.Getenv("ORCH_GITHUB_REPO"); v != "" {
		cfg.GitHub.Repo = v
	}
}
