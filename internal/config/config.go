// Package config loads berth settings through viper.
//
// Settings come from (lowest to highest precedence) built-in defaults, a
// YAML/JSON/JSONC config file, and BERTH_* environment variables. JSONC
// files are stripped of comments and trailing commas with tidwall/jsonc
// before viper parses them as JSON.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/berth/internal/model"
)

// EnvPrefix is prepended to every environment override, e.g.
// BERTH_CONCURRENCY_MAX_CONVERSATIONS.
const EnvPrefix = "BERTH"

// Concurrency modes.
const (
	ModeInProcess = "inprocess"
	ModeLeased    = "leased"
)

// Probe kinds for port liveness checks.
const (
	ProbeListen = "listen"
	ProbeDocker = "docker"
	ProbeNone   = "none"
)

// Config is the complete berth configuration.
type Config struct {
	Ports       PortsConfig       `mapstructure:"ports" yaml:"ports" json:"ports"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	Worktree    WorktreeConfig    `mapstructure:"worktree" yaml:"worktree" json:"worktree"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database" json:"database"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging" json:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance" json:"maintenance"`
}

// RangeConfig is an inclusive port range.
type RangeConfig struct {
	Start int `mapstructure:"start" yaml:"start" json:"start"`
	End   int `mapstructure:"end" yaml:"end" json:"end"`
}

// PortRange converts to the model type.
func (r RangeConfig) PortRange() model.PortRange {
	return model.PortRange{Start: r.Start, End: r.End}
}

// PortsConfig controls the port allocator.
type PortsConfig struct {
	Dev        RangeConfig `mapstructure:"dev" yaml:"dev" json:"dev"`
	Test       RangeConfig `mapstructure:"test" yaml:"test" json:"test"`
	Production RangeConfig `mapstructure:"production" yaml:"production" json:"production"`

	// Reserved ports are never handed out by automatic allocation and are
	// rejected when requested explicitly.
	Reserved []int `mapstructure:"reserved" yaml:"reserved" json:"reserved"`

	// RetentionDays is how long released records are kept before PurgeReleased
	// deletes them.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`

	// Probe selects how Check decides whether a port is bound:
	// "listen", "docker" or "none".
	Probe string `mapstructure:"probe" yaml:"probe" json:"probe"`
}

// Ranges returns the configured range per environment.
func (p PortsConfig) Ranges() map[model.Environment]model.PortRange {
	return map[model.Environment]model.PortRange{
		model.EnvDev:        p.Dev.PortRange(),
		model.EnvTest:       p.Test.PortRange(),
		model.EnvProduction: p.Production.PortRange(),
	}
}

// Retention returns RetentionDays as a duration.
func (p PortsConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// ConcurrencyConfig controls the conversation slot controller.
type ConcurrencyConfig struct {
	MaxConversations int           `mapstructure:"max_conversations" yaml:"max_conversations" json:"max_conversations"`
	Mode             string        `mapstructure:"mode" yaml:"mode" json:"mode"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" json:"lease_ttl"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
}

// WorktreeConfig controls the worktree lifecycle manager.
type WorktreeConfig struct {
	// BaseDir is where worktrees are created: <base>/<repo>/<branch>.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir" json:"base_dir"`

	// AllocatePort reserves a port for every newly created worktree.
	AllocatePort bool `mapstructure:"allocate_port" yaml:"allocate_port" json:"allocate_port"`

	// PortEnvironment is the pool used when AllocatePort is set.
	PortEnvironment string `mapstructure:"port_environment" yaml:"port_environment" json:"port_environment"`

	// TrustWorktrees registers each new worktree with
	// `git config --global --add safe.directory`.
	TrustWorktrees bool `mapstructure:"trust_worktrees" yaml:"trust_worktrees" json:"trust_worktrees"`
}

// DatabaseConfig points at the SQLite file holding allocations, bindings and leases.
type DatabaseConfig struct {
	Path        string        `mapstructure:"path" yaml:"path" json:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" json:"busy_timeout"`
}

// LoggingConfig controls the slog logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" json:"level"`
	File  string `mapstructure:"file" yaml:"file" json:"file"`
}

// TelemetryConfig controls OpenTelemetry tracing. Tracing is disabled when
// Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
}

// MaintenanceConfig sets the intervals of the background maintainer.
// A zero interval disables that task.
type MaintenanceConfig struct {
	PurgeInterval     time.Duration `mapstructure:"purge_interval" yaml:"purge_interval" json:"purge_interval"`
	ReclaimInterval   time.Duration `mapstructure:"reclaim_interval" yaml:"reclaim_interval" json:"reclaim_interval"`
	CheckInterval     time.Duration `mapstructure:"check_interval" yaml:"check_interval" json:"check_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" json:"reconcile_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Ports: PortsConfig{
			Dev:           RangeConfig{Start: 8000, End: 8999},
			Test:          RangeConfig{Start: 9000, End: 9499},
			Production:    RangeConfig{Start: 9500, End: 9999},
			Reserved:      []int{8080, 8443},
			RetentionDays: 30,
			Probe:         ProbeListen,
		},
		Concurrency: ConcurrencyConfig{
			MaxConversations: 10,
			Mode:             ModeInProcess,
			LeaseTTL:         2 * time.Minute,
			PollInterval:     500 * time.Millisecond,
		},
		Worktree: WorktreeConfig{
			BaseDir:         filepath.Join(dataDir, "worktrees"),
			AllocatePort:    false,
			PortEnvironment: string(model.EnvDev),
			TrustWorktrees:  true,
		},
		Database: DatabaseConfig{
			Path:        filepath.Join(dataDir, "berth.db"),
			BusyTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "berth",
		},
		Maintenance: MaintenanceConfig{
			PurgeInterval:     24 * time.Hour,
			ReclaimInterval:   15 * time.Minute,
			CheckInterval:     time.Minute,
			ReconcileInterval: 15 * time.Minute,
		},
	}
}

// SetDefaults registers every default on v so that env overrides and
// partial config files merge over them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("ports.dev.start", d.Ports.Dev.Start)
	v.SetDefault("ports.dev.end", d.Ports.Dev.End)
	v.SetDefault("ports.test.start", d.Ports.Test.Start)
	v.SetDefault("ports.test.end", d.Ports.Test.End)
	v.SetDefault("ports.production.start", d.Ports.Production.Start)
	v.SetDefault("ports.production.end", d.Ports.Production.End)
	v.SetDefault("ports.reserved", d.Ports.Reserved)
	v.SetDefault("ports.retention_days", d.Ports.RetentionDays)
	v.SetDefault("ports.probe", d.Ports.Probe)

	v.SetDefault("concurrency.max_conversations", d.Concurrency.MaxConversations)
	v.SetDefault("concurrency.mode", d.Concurrency.Mode)
	v.SetDefault("concurrency.lease_ttl", d.Concurrency.LeaseTTL)
	v.SetDefault("concurrency.poll_interval", d.Concurrency.PollInterval)

	v.SetDefault("worktree.base_dir", d.Worktree.BaseDir)
	v.SetDefault("worktree.allocate_port", d.Worktree.AllocatePort)
	v.SetDefault("worktree.port_environment", d.Worktree.PortEnvironment)
	v.SetDefault("worktree.trust_worktrees", d.Worktree.TrustWorktrees)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)

	v.SetDefault("maintenance.purge_interval", d.Maintenance.PurgeInterval)
	v.SetDefault("maintenance.reclaim_interval", d.Maintenance.ReclaimInterval)
	v.SetDefault("maintenance.check_interval", d.Maintenance.CheckInterval)
	v.SetDefault("maintenance.reconcile_interval", d.Maintenance.ReconcileInterval)
}

// NewViper returns a viper instance with defaults and BERTH_* env binding
// applied. If configFile is non-empty it is read; otherwise the standard
// search path is tried and a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if err := readFile(v, configFile); err != nil {
			return nil, err
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ConfigDir())
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// readFile loads an explicit config file. JSONC is normalised to plain
// JSON first since viper has no JSONC codec.
func readFile(v *viper.Viper, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".jsonc" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	cfg.Worktree.BaseDir = expandHome(cfg.Worktree.BaseDir)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	return &cfg, nil
}

// ConfigDir returns the user's berth config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "berth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".berth"
	}
	return filepath.Join(home, ".config", "berth")
}

// DataDir returns the directory for the database and worktrees.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "berth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".berth"
	}
	return filepath.Join(home, ".local", "share", "berth")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
