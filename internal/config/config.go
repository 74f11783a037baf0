package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/issue-orchestrator/internal/logging"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	LLM           LLMConfig           `toml:"llm"`
	GitHub        GitHubConfig        `toml:"github"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Coordinator   CoordinatorConfig   `toml:"coordinator"`
	Events        EventsConfig        `toml:"events"`
	Housekeeping  HousekeepingConfig  `toml:"housekeeping"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           logging.Config      `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath     string `toml:"database_path"`
	StoreDriver      string `toml:"store_driver"`
	MaxParallelTasks int    `toml:"max_parallel_tasks"`
	MaxIterations    int    `toml:"max_iterations"`
	PromptsDir       string `toml:"prompts_dir"`
}

// LLMConfig holds the chat completion backend settings
type LLMConfig struct {
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	APIKey      Secret   `toml:"api_key"`
	Timeout     Duration `toml:"timeout"`
	Temperature float64  `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
}

// GitHubConfig holds source-control provider settings
type GitHubConfig struct {
	Token         Secret `toml:"token"`
	BaseURL       string `toml:"base_url"`
	WebhookSecret Secret `toml:"webhook_secret"`
	TriggerLabel  string `toml:"trigger_label"`
	AutoMerge     bool   `toml:"auto_merge"`
	BaseBranch    string `toml:"base_branch"`
}

// SchedulerConfig holds repository poll scheduler settings
type SchedulerConfig struct {
	Tick            Duration `toml:"tick"`
	DefaultInterval Duration `toml:"default_interval"`
	Jitter          float64  `toml:"jitter"`
	SourcesFile     string   `toml:"sources_file"`
	Autostart       bool     `toml:"autostart"`
}

// CoordinatorConfig holds task driver settings
type CoordinatorConfig struct {
	CallTimeout         Duration `toml:"call_timeout"`
	RetryAttempts       int      `toml:"retry_attempts"`
	InitialBackoff      Duration `toml:"initial_backoff"`
	MaxBackoff          Duration `toml:"max_backoff"`
	ValidationRetries   int      `toml:"validation_retries"`
	CIWait              Duration `toml:"ci_wait"`
	CIPollInterval      Duration `toml:"ci_poll_interval"`
	ResumeSweepInterval Duration `toml:"resume_sweep_interval"`
	StuckThreshold      Duration `toml:"stuck_threshold"`
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	QueueSize   int    `toml:"queue_size"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// HousekeepingConfig holds retention job settings
type HousekeepingConfig struct {
	Retention       Duration `toml:"retention"`
	CleanupSchedule string   `toml:"cleanup_schedule"`
	PruneSchedule   string   `toml:"prune_schedule"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook Secret `toml:"slack_webhook"`
}

// WebConfig holds Control API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:     filepath.Join(home, ".issue-orchestrator", "state.db"),
			StoreDriver:      "sqlite",
			MaxParallelTasks: 4,
			MaxIterations:    5,
		},
		LLM: LLMConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-sonnet-4",
			Timeout:     Duration(2 * time.Minute),
			Temperature: 0.2,
			MaxTokens:   8000,
		},
		GitHub: GitHubConfig{
			TriggerLabel: "agent",
			BaseBranch:   "main",
		},
		Scheduler: SchedulerConfig{
			Tick:            Duration(time.Second),
			DefaultInterval: Duration(5 * time.Minute),
			Jitter:          0.1,
		},
		Coordinator: CoordinatorConfig{
			CallTimeout:         Duration(3 * time.Minute),
			RetryAttempts:       3,
			InitialBackoff:      Duration(time.Second),
			MaxBackoff:          Duration(30 * time.Second),
			ValidationRetries:   3,
			CIPollInterval:      Duration(15 * time.Second),
			ResumeSweepInterval: Duration(30 * time.Second),
			StuckThreshold:      Duration(30 * time.Minute),
		},
		Events: EventsConfig{
			QueueSize:   64,
			NATSSubject: "issueorch.tasks",
		},
		Housekeeping: HousekeepingConfig{
			Retention:       Duration(24 * time.Hour),
			CleanupSchedule: "0 * * * *",
			PruneSchedule:   "30 3 * * *",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads configuration from a TOML file, falling back to defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PromptsDir = ExpandPath(cfg.General.PromptsDir)
	cfg.Scheduler.SourcesFile = ExpandPath(cfg.Scheduler.SourcesFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.General.StoreDriver != "sqlite" && c.General.StoreDriver != "memory" {
		errs = append(errs, fmt.Errorf("general.store_driver must be sqlite or memory, got %q", c.General.StoreDriver))
	}
	if c.General.MaxParallelTasks < 1 {
		errs = append(errs, errors.New("general.max_parallel_tasks must be at least 1"))
	}
	if c.General.MaxIterations < 1 || c.General.MaxIterations > 10 {
		errs = append(errs, fmt.Errorf("general.max_iterations must be within 1..10, got %d", c.General.MaxIterations))
	}
	if c.Scheduler.Jitter < 0 || c.Scheduler.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.jitter must be within [0, 1), got %v", c.Scheduler.Jitter))
	}
	if c.Scheduler.DefaultInterval.Duration() <= 0 {
		errs = append(errs, errors.New("scheduler.default_interval must be positive"))
	}
	if c.Coordinator.RetryAttempts < 0 || c.Coordinator.ValidationRetries < 0 {
		errs = append(errs, errors.New("coordinator retry counts cannot be negative"))
	}
	if c.Events.QueueSize < 1 {
		errs = append(errs, errors.New("events.queue_size must be at least 1"))
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}
	return errors.Join(errs...)
}

// Addr returns the Control API listen address
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
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
	return filepath.Join(home, ".config", "issue-orchestrator", "config.toml")
}
