package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir            string
	DBPath             string
	UserWorkflowDir    string
	ProjectWorkflowDir string

	ClaudeBinary string
	GitBinary    string

	HeartbeatInterval time.Duration
	StallThreshold    time.Duration
	IdleTimeout       time.Duration
	ReconcileInterval time.Duration
	OrphanAge         time.Duration
	PendingTimeout    time.Duration
	MaxRunDuration    time.Duration
	CriticalGrace     time.Duration
	GracefulWait      time.Duration
	ForcedWait        time.Duration

	LogLevel slog.Level
}

// fileConfig mirrors the optional config.yaml in the data directory. Empty
// fields keep their defaults.
type fileConfig struct {
	ClaudeBinary      string `yaml:"claude_binary"`
	GitBinary         string `yaml:"git_binary"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StallThreshold    string `yaml:"stall_threshold"`
	IdleTimeout       string `yaml:"idle_timeout"`
	ReconcileInterval string `yaml:"reconcile_interval"`
	OrphanAge         string `yaml:"orphan_age"`
	PendingTimeout    string `yaml:"pending_timeout"`
	MaxRunDuration    string `yaml:"max_run_duration"`
	CriticalGrace     string `yaml:"critical_grace"`
	GracefulWait      string `yaml:"graceful_wait"`
	ForcedWait        string `yaml:"forced_wait"`
	LogLevel          string `yaml:"log_level"`
}

func Default(dataDir string) *Config {
	return &Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "foreman.db"),
		UserWorkflowDir:    filepath.Join(dataDir, "workflows"),
		ProjectWorkflowDir: ".foreman/workflows",
		ClaudeBinary:       "claude",
		GitBinary:          "git",
		HeartbeatInterval:  30 * time.Second,
		StallThreshold:     5 * time.Minute,
		IdleTimeout:        0,
		ReconcileInterval:  2 * time.Minute,
		OrphanAge:          time.Hour,
		PendingTimeout:     10 * time.Minute,
		MaxRunDuration:     2 * time.Hour,
		CriticalGrace:      30 * time.Second,
		GracefulWait:       5 * time.Second,
		ForcedWait:         5 * time.Second,
		LogLevel:           slog.LevelInfo,
	}
}

// New builds the configuration from defaults, then <data>/config.yaml, then
// FOREMAN_* environment variables.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	c := Default(getEnv("FOREMAN_DATA_DIR", filepath.Join(homeDir, ".foreman")))

	if err := c.loadFile(filepath.Join(c.DataDir, "config.yaml")); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if fc.ClaudeBinary != "" {
		c.ClaudeBinary = fc.ClaudeBinary
	}
	if fc.GitBinary != "" {
		c.GitBinary = fc.GitBinary
	}
	if fc.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(fc.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"heartbeat_interval", fc.HeartbeatInterval, &c.HeartbeatInterval},
		{"stall_threshold", fc.StallThreshold, &c.StallThreshold},
		{"idle_timeout", fc.IdleTimeout, &c.IdleTimeout},
		{"reconcile_interval", fc.ReconcileInterval, &c.ReconcileInterval},
		{"orphan_age", fc.OrphanAge, &c.OrphanAge},
		{"pending_timeout", fc.PendingTimeout, &c.PendingTimeout},
		{"max_run_duration", fc.MaxRunDuration, &c.MaxRunDuration},
		{"critical_grace", fc.CriticalGrace, &c.CriticalGrace},
		{"graceful_wait", fc.GracefulWait, &c.GracefulWait},
		{"forced_wait", fc.ForcedWait, &c.ForcedWait},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	return nil
}

func (c *Config) applyEnv() error {
	c.ClaudeBinary = getEnv("FOREMAN_CLAUDE_BIN", c.ClaudeBinary)
	c.GitBinary = getEnv("FOREMAN_GIT_BIN", c.GitBinary)
	c.DBPath = getEnv("FOREMAN_DB_PATH", c.DBPath)

	if v, ok := os.LookupEnv("FOREMAN_LOG_LEVEL"); ok {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("FOREMAN_LOG_LEVEL: %w", err)
		}
	}

	for key, dst := range map[string]*time.Duration{
		"FOREMAN_HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"FOREMAN_STALL_THRESHOLD":    &c.StallThreshold,
		"FOREMAN_IDLE_TIMEOUT":       &c.IdleTimeout,
		"FOREMAN_RECONCILE_INTERVAL": &c.ReconcileInterval,
		"FOREMAN_ORPHAN_AGE":         &c.OrphanAge,
		"FOREMAN_MAX_RUN_DURATION":   &c.MaxRunDuration,
		"FOREMAN_PENDING_TIMEOUT":    &c.PendingTimeout,
		"FOREMAN_CRITICAL_GRACE":     &c.CriticalGrace,
		"FOREMAN_GRACEFUL_WAIT":      &c.GracefulWait,
		"FOREMAN_FORCED_WAIT":        &c.ForcedWait,
	} {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClaudeBinary) == "" {
		return fmt.Errorf("claude binary must be set")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.StallThreshold <= c.HeartbeatInterval {
		return fmt.Errorf("stall threshold (%s) must exceed heartbeat interval (%s)", c.StallThreshold, c.HeartbeatInterval)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if c.IdleTimeout < 0 || c.OrphanAge < 0 || c.PendingTimeout < 0 || c.MaxRunDuration < 0 ||
		c.CriticalGrace < 0 || c.GracefulWait < 0 || c.ForcedWait < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.UserWorkflowDir, c.WorkspacesDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func (c *Config) WorkflowDirs() []string {
	return []string{c.ProjectWorkflowDir, c.UserWorkflowDir}
}

func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
