package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault_IsValid verifies the built-in configuration passes validation.
func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Ports.RetentionDays)
	assert.Equal(t, ModeInProcess, cfg.Concurrency.Mode)
	assert.Equal(t, 30*24*time.Hour, cfg.Ports.Retention())
}

// TestLoad_Defaults verifies that a viper instance with no file yields the defaults.
func TestLoad_Defaults(t *testing.T) {
	v, err := NewViper(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err, "explicit missing file must be reported")
	assert.Nil(t, v)

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	v, err = NewViper("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, Default().Ports, cfg.Ports)
	assert.Equal(t, 10, cfg.Concurrency.MaxConversations)
}

// TestLoad_YAMLFile verifies a partial YAML file merges over defaults.
func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "berth.yaml")
	content := `
ports:
  dev:
    start: 8000
    end: 8002
  reserved: [8001]
concurrency:
  max_conversations: 3
  lease_ttl: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, RangeConfig{Start: 8000, End: 8002}, cfg.Ports.Dev)
	assert.Equal(t, []int{8001}, cfg.Ports.Reserved)
	assert.Equal(t, 3, cfg.Concurrency.MaxConversations)
	assert.Equal(t, 30*time.Second, cfg.Concurrency.LeaseTTL)
	// untouched keys keep defaults
	assert.Equal(t, Default().Ports.Test, cfg.Ports.Test)
}

// TestLoad_JSONCFile verifies comments and trailing commas are accepted in .jsonc files.
func TestLoad_JSONCFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "berth.jsonc")
	content := `{
  // leased mode survives restarts
  "concurrency": {
    "mode": "leased",
    "max_conversations": 4, /* four parallel chats */
  },
  "ports": { "probe": "none", },
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ModeLeased, cfg.Concurrency.Mode)
	assert.Equal(t, 4, cfg.Concurrency.MaxConversations)
	assert.Equal(t, ProbeNone, cfg.Ports.Probe)
}

// TestLoad_EnvOverride verifies BERTH_* environment variables win over defaults.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BERTH_CONCURRENCY_MAX_CONVERSATIONS", "7")
	t.Setenv("BERTH_WORKTREE_BASE_DIR", "/tmp/berth-worktrees")

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Concurrency.MaxConversations)
	assert.Equal(t, "/tmp/berth-worktrees", cfg.Worktree.BaseDir)
}

// TestValidate_Errors verifies that every invalid field is reported at once.
func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Ports.Test = RangeConfig{Start: 8500, End: 9200} // overlaps dev
	cfg.Ports.Reserved = []int{70000}
	cfg.Ports.Probe = "nmap"
	cfg.Concurrency.MaxConversations = 0
	cfg.Concurrency.Mode = "distributed"
	cfg.Worktree.PortEnvironment = "staging"
	cfg.Logging.Level = "trace"

	errs := cfg.Validate()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}

	assert.Contains(t, fields, "ports.test")
	assert.Contains(t, fields, "ports.reserved")
	assert.Contains(t, fields, "ports.probe")
	assert.Contains(t, fields, "concurrency.max_conversations")
	assert.Contains(t, fields, "concurrency.mode")
	assert.Contains(t, fields, "worktree.port_environment")
	assert.Contains(t, fields, "logging.level")

	assert.Contains(t, ValidationErrors(errs).Error(), "validation errors")
}

// TestValidate_LeasedRequiresTTL verifies leased mode needs a positive TTL.
func TestValidate_LeasedRequiresTTL(t *testing.T) {
	cfg := Default()
	cfg.Concurrency.Mode = ModeLeased
	cfg.Concurrency.LeaseTTL = 0

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "concurrency.lease_ttl", errs[0].Field)
}
