// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General  GeneralConfig   `toml:"general"`
	Progress ProgressConfig  `toml:"progress"`
	Queue    QueueConfig     `toml:"queue"`
	LLM      LLMConfig       `toml:"llm"`
	Web      WebConfig       `toml:"web"`
	Log      LogConfig       `toml:"log"`
	Notify   NotifyConfig    `toml:"notify"`
	Schedule []ScheduleEntry `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// ProgressConfig selects the progress counter backend
type ProgressConfig struct {
	Backend    string `toml:"backend"` // "badger" or "sqlite"
	BadgerPath string `toml:"badger_path"`
	SyncWrites bool   `toml:"sync_writes"`
}

// QueueConfig holds task queue and worker settings
type QueueConfig struct {
	Workers        int      `toml:"workers"`
	PollInterval   Duration `toml:"poll_interval"`
	Lease          Duration `toml:"lease"`
	MaxAttempts    int      `toml:"max_attempts"`     // batch.run jobs
	RowMaxAttempts int      `toml:"row_max_attempts"` // batch.row jobs
}

// LLMConfig holds provider settings
type LLMConfig struct {
	BaseURL           string  `toml:"base_url"`
	APIKeyEnv         string  `toml:"api_key_env"`
	Model             string  `toml:"model"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// NotifyConfig holds batch completion notification settings
type NotifyConfig struct {
	Desktop         bool   `toml:"desktop"`
	SlackWebhookURL string `toml:"slack_webhook_url"`
}

// ScheduleEntry is a batch evaluation fired on a cron expression against
// the project's HEAD commit.
type ScheduleEntry struct {
	Name           string         `toml:"name"`
	Cron           string         `toml:"cron"`
	ProjectID      int64          `toml:"project_id"`
	DocumentUUID   string         `toml:"document_uuid"`
	DatasetID      int64          `toml:"dataset_id"`
	EvaluationUUID string         `toml:"evaluation_uuid"`
	EvaluationID   int64          `toml:"evaluation_id"`
	Parameters     map[string]int `toml:"parameters"`
	FromLine       int            `toml:"from_line"`
	ToLine         int            `toml:"to_line"`
}

// Duration is a time.Duration read from strings like "30s"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".prompt-ledger")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(base, "ledger.db"),
		},
		Progress: ProgressConfig{
			Backend:    "sqlite",
			BadgerPath: filepath.Join(base, "progress"),
			SyncWrites: true,
		},
		Queue: QueueConfig{
			Workers:        4,
			PollInterval:   Duration{500 * time.Millisecond},
			Lease:          Duration{5 * time.Minute},
			MaxAttempts:    3,
			RowMaxAttempts: 3,
		},
		LLM: LLMConfig{
			APIKeyEnv:         "OPENAI_API_KEY",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level: "info",
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
	cfg.Progress.BadgerPath = ExpandPath(cfg.Progress.BadgerPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerations, positive numbers and schedule entries
func (c *Config) Validate() error {
	switch c.Progress.Backend {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("progress.backend must be badger or sqlite, got %q", c.Progress.Backend)
	}
	if c.Progress.Backend == "badger" && c.Progress.BadgerPath == "" {
		return fmt.Errorf("progress.badger_path is required for the badger backend")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 || c.Queue.RowMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts and queue.row_max_attempts must be positive")
	}
	if c.Queue.PollInterval.Duration <= 0 || c.Queue.Lease.Duration <= 0 {
		return fmt.Errorf("queue.poll_interval and queue.lease must be positive")
	}
	if c.LLM.RequestsPerSecond < 0 || c.LLM.Burst < 0 {
		return fmt.Errorf("llm.requests_per_second and llm.burst must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	names := make(map[string]bool, len(c.Schedule))
	for i := range c.Schedule {
		if err := c.Schedule[i].Validate(); err != nil {
			return fmt.Errorf("schedule %d: %w", i, err)
		}
		if names[c.Schedule[i].Name] {
			return fmt.Errorf("schedule %q defined twice", c.Schedule[i].Name)
		}
		names[c.Schedule[i].Name] = true
	}
	return nil
}

// Validate checks a single schedule entry
func (s *ScheduleEntry) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if s.ProjectID <= 0 || s.DatasetID <= 0 || s.DocumentUUID == "" {
		return fmt.Errorf("project_id, dataset_id and document_uuid are required")
	}
	if (s.EvaluationUUID == "") == (s.EvaluationID == 0) {
		return fmt.Errorf("exactly one of evaluation_uuid or evaluation_id is required")
	}
	return nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
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
	return filepath.Join(home, ".config", "prompt-ledger", "config.toml")
}
