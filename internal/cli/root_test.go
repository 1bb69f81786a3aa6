// End-to-end tests that run the cobra command tree against a temporary
// database and a real git repository.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/worktree"
)

// writeTestConfig writes a config file pointing every path into a temp dir
// and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`ports:
  dev:
    start: 8100
    end: 8102
  reserved: [8101]
  probe: none
concurrency:
  max_conversations: 2
worktree:
  base_dir: %s
  allocate_port: true
  trust_worktrees: false
database:
  path: %s
`, filepath.Join(dir, "worktrees"), filepath.Join(dir, "berth.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		runTestGit(t, dir, args...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	runTestGit(t, dir, "add", ".")
	runTestGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runTestGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
}

// TestPortCommands walks allocate, exhaust, release and get through the CLI.
func TestPortCommands(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := runCLI(t, cfg, "port", "allocate", "api", "--conversation", "conv-1", "--json")
	require.NoError(t, err)
	var api model.PortAllocation
	require.NoError(t, json.Unmarshal([]byte(out), &api))
	assert.Equal(t, 8100, api.Port)
	assert.Equal(t, "conv-1", api.Owner.ConversationKey)

	out, err = runCLI(t, cfg, "port", "allocate", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "Allocated 8102 for web (dev)")

	_, err = runCLI(t, cfg, "port", "allocate", "db")
	require.Error(t, err)
	assert.Equal(t, model.ExitExhausted, exitCode(err))

	_, err = runCLI(t, cfg, "port", "allocate", "db", "--port", "8101")
	assert.Equal(t, model.ExitInvalid, exitCode(err), "reserved port")

	out, err = runCLI(t, cfg, "port", "list", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 8100")
	assert.Contains(t, out, "port: 8102")

	out, err = runCLI(t, cfg, "port", "release", "8100")
	require.NoError(t, err)
	assert.Contains(t, out, "Released 8100")

	out, err = runCLI(t, cfg, "port", "release", "8100")
	require.NoError(t, err)
	assert.Contains(t, out, "was not allocated")

	out, err = runCLI(t, cfg, "port", "get", "8100", "--json")
	require.NoError(t, err)
	var got model.PortAllocation
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, model.StatusReleased, got.Status)

	_, err = runCLI(t, cfg, "port", "get", "8200")
	assert.Equal(t, model.ExitNotFound, exitCode(err))

	out, err = runCLI(t, cfg, "port", "find")
	require.NoError(t, err)
	assert.Equal(t, "8100\n", out)

	out, err = runCLI(t, cfg, "port", "utilization", "--env", "dev", "--json")
	require.NoError(t, err)
	var us []model.Utilization
	require.NoError(t, json.Unmarshal([]byte(out), &us))
	require.Len(t, us, 1)
	assert.Equal(t, 2, us[0].Total)
	assert.Equal(t, 1, us[0].Allocated)
}

// TestPortCommands_InvalidInput verifies flag and argument validation.
func TestPortCommands_InvalidInput(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := runCLI(t, cfg, "port", "release", "http")
	assert.Equal(t, model.ExitInvalid, exitCode(err))

	_, err = runCLI(t, cfg, "port", "allocate", "api", "--env", "staging")
	assert.Equal(t, model.ExitInvalid, exitCode(err))

	_, err = runCLI(t, cfg, "port", "list", "--format", "xml")
	assert.Equal(t, model.ExitInvalid, exitCode(err))
}

// TestPortStatusAndLabels covers activate, deactivate, labels and the
// reserved-port reporting.
func TestPortStatusAndLabels(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := runCLI(t, cfg, "port", "allocate", "api", "--conversation", "conv-1", "--worktree", "/wt/app/feature-x")
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "port", "activate", "8100")
	require.NoError(t, err)
	assert.Equal(t, "Port 8100 is now active\n", out)

	out, err = runCLI(t, cfg, "port", "get", "8100", "--json")
	require.NoError(t, err)
	var got model.PortAllocation
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, model.StatusActive, got.Status)

	out, err = runCLI(t, cfg, "port", "deactivate", "8100", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":8100,"status":"allocated"}`, out)

	_, err = runCLI(t, cfg, "port", "activate", "8102")
	assert.Equal(t, model.ExitNotFound, exitCode(err))

	out, err = runCLI(t, cfg, "port", "labels", "8100")
	require.NoError(t, err)
	assert.Equal(t, "--label berth.conversation=conv-1 --label berth.port=8100 --label berth.worktree-path=/wt/app/feature-x\n", out)

	out, err = runCLI(t, cfg, "port", "labels", "8100", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"berth.conversation":"conv-1","berth.port":"8100","berth.worktree-path":"/wt/app/feature-x"}`, out)

	_, err = runCLI(t, cfg, "port", "release", "8100")
	require.NoError(t, err)
	_, err = runCLI(t, cfg, "port", "labels", "8100")
	assert.Equal(t, model.ExitNotFound, exitCode(err), "released ports have no owner to label")

	out, err = runCLI(t, cfg, "port", "utilization")
	require.NoError(t, err)
	assert.Contains(t, out, "Reserved: 8101")

	_, err = runCLI(t, cfg, "port", "get", "8101")
	assert.Equal(t, model.ExitNotFound, exitCode(err))
	assert.Contains(t, err.Error(), "reserved")
}

// TestWorktreeCommands creates, lists and removes a worktree through the CLI.
func TestWorktreeCommands(t *testing.T) {
	cfg := writeTestConfig(t)
	repo := setupTestRepo(t)

	out, err := runCLI(t, cfg, "worktree", "create", "feature/x", "--repo", repo, "-c", "conv-1", "--json")
	require.NoError(t, err)
	var res worktree.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "feature-x", filepath.Base(res.Path))
	require.NotNil(t, res.Port)
	assert.Equal(t, 8100, res.Port.Port)

	_, err = runCLI(t, cfg, "worktree", "create", "other", "--repo", repo, "-c", "conv-1")
	assert.Equal(t, model.ExitConflict, exitCode(err), "conversation already bound elsewhere")

	out, err = runCLI(t, cfg, "worktree", "list", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "feature/x")
	assert.Contains(t, out, "conv-1")

	out, err = runCLI(t, cfg, "worktree", "bindings", "conv-1", "--json")
	require.NoError(t, err)
	var bindings []model.Binding
	require.NoError(t, json.Unmarshal([]byte(out), &bindings))
	require.Len(t, bindings, 1)
	assert.Equal(t, res.Path, bindings[0].WorktreePath)

	require.NoError(t, os.WriteFile(filepath.Join(res.Path, "scratch.txt"), []byte("wip"), 0o644))
	_, err = runCLI(t, cfg, "worktree", "remove", res.Path)
	assert.Equal(t, model.ExitConflict, exitCode(err), "dirty worktree needs --force")

	out, err = runCLI(t, cfg, "worktree", "remove", res.Path, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed worktree")
	assert.Contains(t, out, "Released:  8100")

	_, err = runCLI(t, cfg, "worktree", "bindings", "conv-1")
	assert.Equal(t, model.ExitNotFound, exitCode(err))
}

// TestWorktreeReview_InvalidNumber verifies the number argument is checked
// before anything touches git.
func TestWorktreeReview_InvalidNumber(t *testing.T) {
	cfg := writeTestConfig(t)
	_, err := runCLI(t, cfg, "worktree", "review", "abc", "-c", "conv-1")
	assert.Equal(t, model.ExitInvalid, exitCode(err))
}

// TestSlotRun verifies the child runs with the slot environment and that
// its exit status becomes berth's.
func TestSlotRun(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := runCLI(t, cfg, "slot", "run", "conv-1", "--", "sh", "-c", "echo key=$BERTH_CONVERSATION_KEY")
	require.NoError(t, err)
	assert.Equal(t, "key=conv-1", strings.TrimSpace(out))

	_, err = runCLI(t, cfg, "slot", "run", "conv-1", "--", "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Equal(t, model.ExitCode(3), exitCode(err))

	_, err = runCLI(t, cfg, "slot", "run", "conv-1", "extra", "--", "true")
	assert.Equal(t, model.ExitInvalid, exitCode(err))
}

// TestSlotStats verifies the stats command reports the configured cap.
func TestSlotStats(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCLI(t, cfg, "slot", "stats", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":0,"queued":0,"max":2,"mode":"inprocess"}`, out)
}

// TestMaintainOnce verifies a single maintenance pass prints its report.
func TestMaintainOnce(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCLI(t, cfg, "maintain", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "none probe: checked 0")
}

// TestConfigShow verifies the effective configuration is printed as YAML
// with file values merged over defaults.
func TestConfigShow(t *testing.T) {
	cfg := writeTestConfig(t)
	out, err := runCLI(t, cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_conversations: 2")
	assert.Contains(t, out, "retention_days: 30")

	out, err = runCLI(t, cfg, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfg+"\n", out)
}

// TestConfig_Invalid verifies a bad config file exits with the invalid code.
func TestConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  max_conversations: 0\n"), 0o644))
	_, err := runCLI(t, path, "config", "show")
	assert.Equal(t, model.ExitInvalid, exitCode(err))
}
