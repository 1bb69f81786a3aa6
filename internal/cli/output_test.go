// Unit tests for the pure formatting helpers used by the CLI commands.
// None of them need a database or a git repository.
package cli

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/berth/internal/model"
)

func init() {
	color.NoColor = true
}

// TestFormatPortsList verifies that FormatPortsList joins ports with commas
// and uses a dash for an empty list.
func TestFormatPortsList(t *testing.T) {
	tests := []struct {
		name  string
		ports []int
		want  string
	}{
		{name: "nil returns dash", ports: nil, want: "-"},
		{name: "empty returns dash", ports: []int{}, want: "-"},
		{name: "single port", ports: []int{8000}, want: "8000"},
		{name: "order is preserved", ports: []int{8002, 8000, 9100}, want: "8002,8000,9100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatPortsList(tt.ports))
		})
	}
}

// TestFormatOwner verifies the compact owner column.
func TestFormatOwner(t *testing.T) {
	tests := []struct {
		name  string
		owner model.Owner
		want  string
	}{
		{name: "no owner", owner: model.Owner{}, want: "-"},
		{name: "conversation only", owner: model.Owner{ConversationKey: "conv-1"}, want: "conv-1"},
		{
			name:  "worktree shows base name",
			owner: model.Owner{WorktreePath: "/data/worktrees/app/feature-x/"},
			want:  "wt:feature-x",
		},
		{
			name: "all fields",
			owner: model.Owner{
				ConversationKey: "conv-1",
				WorktreePath:    "/data/worktrees/app/main",
				CodebaseID:      "cb-9",
			},
			want: "conv-1 wt:main cb:cb-9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOwner(tt.owner))
		})
	}
}

// TestFormatAge verifies the unit chosen for each magnitude.
func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		t    time.Time
		want string
	}{
		{name: "future clamps to zero", t: now.Add(time.Minute), want: "0s"},
		{name: "seconds", t: now.Add(-42 * time.Second), want: "42s"},
		{name: "minutes", t: now.Add(-5 * time.Minute), want: "5m"},
		{name: "hours", t: now.Add(-30 * time.Hour), want: "30h"},
		{name: "days", t: now.Add(-72 * time.Hour), want: "3d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatAge(now, tt.t))
		})
	}
}

// TestFormatPercentBar verifies the bar is filled proportionally and clamped.
func TestFormatPercentBar(t *testing.T) {
	assert.Equal(t, "[----------]", FormatPercentBar(0, 10))
	assert.Equal(t, "[#####-----]", FormatPercentBar(50, 10))
	assert.Equal(t, "[##########]", FormatPercentBar(100, 10))
	assert.Equal(t, "[##########]", FormatPercentBar(250, 10))
	assert.Equal(t, "", FormatPercentBar(50, 0))
}

// TestRender verifies each output format.
func TestRender(t *testing.T) {
	v := releaseResult{Port: 8000, Released: true}

	t.Run("text", func(t *testing.T) {
		resetFormatFlags(t, false, formatText)
		var buf bytes.Buffer
		require.NoError(t, render(&buf, v, func(w io.Writer) { _, _ = io.WriteString(w, "plain\n") }))
		assert.Equal(t, "plain\n", buf.String())
	})

	t.Run("json flag", func(t *testing.T) {
		resetFormatFlags(t, true, formatText)
		var buf bytes.Buffer
		require.NoError(t, render(&buf, v, nil))
		assert.JSONEq(t, `{"port":8000,"released":true}`, buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		resetFormatFlags(t, false, "YAML")
		var buf bytes.Buffer
		require.NoError(t, render(&buf, v, nil))
		assert.Equal(t, "port: 8000\nreleased: true\n", buf.String())
	})
}

// TestValidateFormat verifies unknown formats are rejected as Invalid.
func TestValidateFormat(t *testing.T) {
	resetFormatFlags(t, false, "xml")
	err := validateFormat()
	require.Error(t, err)
	assert.True(t, model.IsInvalid(err))

	resetFormatFlags(t, true, "xml")
	assert.NoError(t, validateFormat(), "--json wins over --format")
}

// TestPrintError verifies both error renderings.
func TestPrintError(t *testing.T) {
	err := model.WrapError(model.KindConflict, "remove worktree", "worktree has untracked files", errors.New("exit status 128"))

	t.Run("text", func(t *testing.T) {
		resetFormatFlags(t, false, formatText)
		var buf bytes.Buffer
		printError(&buf, err)
		assert.Equal(t, "Error: worktree has untracked files\n", buf.String())
	})

	t.Run("json", func(t *testing.T) {
		resetFormatFlags(t, true, formatText)
		var buf bytes.Buffer
		printError(&buf, err)
		assert.JSONEq(t, `{"error":{"message":"worktree has untracked files","kind":"conflict","op":"remove worktree","detail":"exit status 128"}}`, buf.String())
	})
}

// TestExitCode verifies error kinds and child exit statuses map to exit codes.
func TestExitCode(t *testing.T) {
	assert.Equal(t, model.ExitSuccess, exitCode(nil))
	assert.Equal(t, model.ExitExhausted, exitCode(model.NewError(model.KindExhausted, "allocate port", "no free port")))
	assert.Equal(t, model.ExitGeneralError, exitCode(errors.New("boom")))
	assert.Equal(t, model.ExitCode(42), exitCode(&commandExitError{code: 42, err: errors.New("exit 42")}))
}

// TestTruncate verifies long cells are shortened with an ellipsis.
func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a-very-...", truncate("a-very-long-service", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.True(t, strings.HasSuffix(truncate(strings.Repeat("x", 40), 20), "..."))
}

// resetFormatFlags sets the global output flags for one test.
func resetFormatFlags(t *testing.T, asJSON bool, format string) {
	t.Helper()
	prevJSON, prevFormat := jsonOutput, outputFormat
	jsonOutput, outputFormat = asJSON, format
	t.Cleanup(func() { jsonOutput, outputFormat = prevJSON, prevFormat })
}
