package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/courier/internal/models"
)

type Config struct {
	DataDir            string
	DBPath             string
	ConfigPath         string
	UserWorkflowDir    string
	ProjectWorkflowDir string

	Settings
}

// Settings is the content of config.yaml.
type Settings struct {
	Workers      int                `yaml:"workers"`
	PollInterval time.Duration      `yaml:"poll_interval"`
	Queue        QueueSettings      `yaml:"queue"`
	Selector     SelectorSettings   `yaml:"selector"`
	Limits       models.Limits      `yaml:"limits"`
	Outbound     OutboundSettings   `yaml:"outbound"`
	Agent        AgentSettings      `yaml:"agent"`
	MetricsAddr  string             `yaml:"metrics_addr"`
	LogLevel     string             `yaml:"log_level"`
	Profiles     map[string]Profile `yaml:"profiles"`
}

type QueueSettings struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type SelectorSettings struct {
	RetryLimit int `yaml:"retry_limit"`
}

type OutboundSettings struct {
	MaxLength        int    `yaml:"max_length"`
	TruncationSuffix string `yaml:"truncation_suffix"`
}

// AgentSettings describes the external CLI that runs steps and selection.
type AgentSettings struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// OutputFormat "json" means stdout is a {"result": "..."} wrapper.
	OutputFormat string `yaml:"output_format"`
}

// Profile is the resolved routing setup of one channel profile.
type Profile struct {
	DefaultWorkflow    string   `yaml:"default_workflow"`
	AvailableWorkflows []string `yaml:"available_workflows"`
	AvailableFunctions []string `yaml:"available_functions"`
	// Workspace is the working directory given to steps. Empty means the
	// run's own work directory.
	Workspace string `yaml:"workspace"`
}

// DefaultProfile is used for messages whose profile is not configured.
const DefaultProfile = "default"

func Defaults() Settings {
	return Settings{
		Workers:      4,
		PollInterval: 2 * time.Second,
		Queue:        QueueSettings{MaxAttempts: 3},
		Selector:     SelectorSettings{RetryLimit: 3},
		Limits: models.Limits{
			StepRetryLimit:      2,
			StepTimeout:         30 * time.Minute,
			RunTimeout:          4 * time.Hour,
			MaxReviewIterations: 5,
			MaxTotalIterations:  50,
		},
		Outbound: OutboundSettings{MaxLength: 4000, TruncationSuffix: "\n\n[truncated]"},
		Agent: AgentSettings{
			Command:      "claude",
			Args:         []string{"--output-format", "json"},
			OutputFormat: "json",
		},
		LogLevel: "info",
		Profiles: map[string]Profile{},
	}
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("COURIER_DATA_DIR", filepath.Join(homeDir, ".courier"))
	return Load(dataDir)
}

// Load reads <dataDir>/config.yaml over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(dataDir string) (*Config, error) {
	c := &Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "courier.db"),
		ConfigPath:         filepath.Join(dataDir, "config.yaml"),
		UserWorkflowDir:    filepath.Join(dataDir, "workflows"),
		ProjectWorkflowDir: ".courier/workflows",
		Settings:           Defaults(),
	}

	data, err := os.ReadFile(c.ConfigPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &c.Settings); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", c.ConfigPath, err)
		}
	}

	if v := getEnv("COURIER_WORKERS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("COURIER_WORKERS: %w", err)
		}
		c.Workers = n
	}
	c.MetricsAddr = getEnv("COURIER_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("COURIER_LOG_LEVEL", c.LogLevel)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Settings) Validate() error {
	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if s.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if s.Selector.RetryLimit < 1 {
		return fmt.Errorf("selector.retry_limit must be at least 1")
	}
	if s.Limits.StepRetryLimit < 0 || s.Limits.MaxReviewIterations < 0 || s.Limits.MaxTotalIterations < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if s.Outbound.MaxLength < 0 {
		return fmt.Errorf("outbound.max_length must not be negative")
	}
	if s.Outbound.MaxLength > 0 && len([]rune(s.Outbound.TruncationSuffix)) >= s.Outbound.MaxLength {
		return fmt.Errorf("outbound.truncation_suffix must be shorter than outbound.max_length")
	}
	if s.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	for id, p := range s.Profiles {
		if p.DefaultWorkflow == "" {
			return fmt.Errorf("profile %s must have a default_workflow", id)
		}
	}
	return nil
}

// Profile resolves a channel profile, falling back to the "default" one.
func (c *Config) Profile(id string) (Profile, bool) {
	if p, ok := c.Profiles[id]; ok {
		return p, true
	}
	p, ok := c.Profiles[DefaultProfile]
	return p, ok
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.UserWorkflowDir, c.LogDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) QueueDir() string    { return filepath.Join(c.DataDir, "queue") }
func (c *Config) RunsDir() string     { return filepath.Join(c.DataDir, "runs") }
func (c *Config) SelectorDir() string { return filepath.Join(c.DataDir, "selector") }
func (c *Config) LogDir() string      { return filepath.Join(c.DataDir, "logs") }
func (c *Config) LockPath() string    { return filepath.Join(c.DataDir, "daemon.lock") }

// WorkflowDirs lists definition directories; later ones override earlier.
func (c *Config) WorkflowDirs() []string {
	return []string{c.UserWorkflowDir, c.ProjectWorkflowDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
