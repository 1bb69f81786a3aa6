package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseEnvironment verifies string-to-environment conversion, including
// case normalization, the "prod" alias and error cases.
func TestParseEnvironment(t *testing.T) {
	tests := []struct {
		input    string
		expected Environment
		hasError bool
	}{
		{"dev", EnvDev, false},
		{"test", EnvTest, false},
		{"production", EnvProduction, false},
		{"prod", EnvProduction, false}, // alias
		{"DEV", EnvDev, false},         // case insensitive
		{" test ", EnvTest, false},     // whitespace trimmed
		{"staging", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseEnvironment(tt.input)
			if tt.hasError {
				assert.True(t, IsInvalid(err), "expected invalid error, got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

// TestAllocationStatus_IsLive checks that only allocated and active hold a port.
func TestAllocationStatus_IsLive(t *testing.T) {
	assert.True(t, StatusAllocated.IsLive())
	assert.True(t, StatusActive.IsLive())
	assert.False(t, StatusReleased.IsLive())
	assert.False(t, AllocationStatus("bogus").IsLive())
}

// TestParseAllocationStatus verifies status parsing round-trips the
// predefined values and rejects unknown ones.
func TestParseAllocationStatus(t *testing.T) {
	for _, s := range []AllocationStatus{StatusAllocated, StatusActive, StatusReleased} {
		got, err := ParseAllocationStatus(strings.ToUpper(s.String()))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseAllocationStatus("pending")
	assert.Error(t, err)
}

// TestPortRange covers membership, size, overlap and validation of inclusive ranges.
func TestPortRange(t *testing.T) {
	r := PortRange{Start: 8000, End: 8002}

	assert.True(t, r.Contains(8000))
	assert.True(t, r.Contains(8002))
	assert.False(t, r.Contains(8003))
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, "8000-8002", r.String())

	assert.True(t, r.Overlaps(PortRange{Start: 8002, End: 9000}))
	assert.False(t, r.Overlaps(PortRange{Start: 8003, End: 9000}))

	assert.NoError(t, r.Validate())
	assert.Error(t, PortRange{Start: 0, End: 10}.Validate())
	assert.Error(t, PortRange{Start: 10, End: 70000}.Validate())
	assert.Error(t, PortRange{Start: 10, End: 5}.Validate())
	assert.Equal(t, 0, PortRange{Start: 10, End: 5}.Size())
}

// TestValidateBranchName verifies that names with shell metacharacters,
// whitespace or ref-syntax sequences are rejected as invalid input.
func TestValidateBranchName(t *testing.T) {
	valid := []string{"main", "feature/login", "fix-123", "release_1.2", "pr-42"}
	for _, b := range valid {
		assert.NoError(t, ValidateBranchName(b), b)
	}

	invalid := []string{
		"",
		"-leading-dash",
		"has space",
		"semi;colon",
		"$(whoami)",
		"a..b",
		"double//slash",
		"trailing/",
		"ends.lock",
		"ends.",
		strings.Repeat("a", 201),
	}
	for _, b := range invalid {
		err := ValidateBranchName(b)
		assert.True(t, IsInvalid(err), "expected %q to be invalid, got %v", b, err)
	}
}

// TestSanitizeBranchName verifies branch names become a single safe directory name.
func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"main", "main"},
		{"feature/login", "feature-login"},
		{"feature/auth/oauth", "feature-auth-oauth"},
		{"fix@v1.0", "fixv1.0"},
		{"/leading", "leading"},
		{"@@@", "worktree"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeBranchName(tt.input))
		})
	}
}

// TestIsWithin verifies the base-directory guard used before removing worktrees.
func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/srv/wt", "/srv/wt/repo/branch"))
	assert.True(t, IsWithin("/srv/wt/", "/srv/wt/repo"))
	assert.False(t, IsWithin("/srv/wt", "/srv/wt"))
	assert.False(t, IsWithin("/srv/wt", "/srv/wt/../etc"))
	assert.False(t, IsWithin("/srv/wt", "/srv/wtx/repo"))
	assert.False(t, IsWithin("/srv/wt", "/etc/passwd"))
}

// TestError_Message verifies that Error() surfaces the message verbatim and
// that External preserves the wrapped error's text.
func TestError_Message(t *testing.T) {
	cause := errors.New("fatal: 'wt' contains modified or untracked files, use --force to delete it")
	err := External("remove worktree", cause)

	assert.Equal(t, cause.Error(), err.Error())
	assert.True(t, errors.Is(err, cause), "Unwrap should expose the cause")
	assert.Equal(t, KindExternal, err.Kind)

	assert.Nil(t, External("noop", nil))
	assert.Equal(t, "conflict", (&Error{Kind: KindConflict}).Error())
}

// TestKindOf verifies kind detection through wrapped error chains.
func TestKindOf(t *testing.T) {
	base := NewError(KindExhausted, "allocate port", "no free port in dev range 8000-8002")
	wrapped := fmt.Errorf("broker: %w", base)

	assert.Equal(t, KindExhausted, KindOf(wrapped))
	assert.True(t, IsExhausted(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

// TestIsExpected checks that only the recoverable kinds are reported as expected.
func TestIsExpected(t *testing.T) {
	assert.True(t, IsExpected(NewError(KindConflict, "", "x")))
	assert.True(t, IsExpected(NewError(KindTimeout, "", "x")))
	assert.False(t, IsExpected(NewError(KindExternal, "", "x")))
	assert.False(t, IsExpected(errors.New("x")))
}

// TestKind_ExitCode verifies each kind maps to a distinct CLI exit code.
func TestKind_ExitCode(t *testing.T) {
	kinds := []Kind{KindConflict, KindExhausted, KindNotFound, KindInvalid, KindExternal, KindTimeout}
	seen := map[ExitCode]Kind{}
	for _, k := range kinds {
		code := k.ExitCode()
		assert.NotEqual(t, ExitSuccess, code, k.String())
		_, dup := seen[code]
		assert.False(t, dup, "exit code %d reused by %s", code, k)
		seen[code] = k
	}
	assert.Equal(t, ExitGeneralError, KindUnknown.ExitCode())
}
