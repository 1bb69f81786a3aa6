package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Environment identifies which port pool an allocation is drawn from.
// Each environment owns a disjoint, inclusive port range configured at
// startup (see config.PortsConfig).
type Environment string

const (
	// EnvDev is the pool used for per-worktree development servers.
	EnvDev Environment = "dev"

	// EnvTest is the pool used by test harnesses.
	EnvTest Environment = "test"

	// EnvProduction is the pool used by long-lived deployments.
	EnvProduction Environment = "production"
)

// String returns the string representation of Environment.
func (e Environment) String() string {
	return string(e)
}

// IsValid checks whether the Environment is one of the predefined pools.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDev, EnvTest, EnvProduction:
		return true
	default:
		return false
	}
}

// ParseEnvironment converts a string to an Environment.
// "prod" is accepted as an alias for production.
func ParseEnvironment(s string) (Environment, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "prod" {
		v = string(EnvProduction)
	}
	env := Environment(v)
	if !env.IsValid() {
		return "", NewError(KindInvalid, "parse environment",
			fmt.Sprintf("invalid environment %q (valid: dev, test, production)", s))
	}
	return env, nil
}

// Environments returns all environments in a stable order.
func Environments() []Environment {
	return []Environment{EnvDev, EnvTest, EnvProduction}
}

// AllocationStatus is the lifecycle state of a PortAllocation.
//
//	allocated → active ⇄ allocated → released
//
// A released record is history only: it no longer counts toward the
// one-live-allocation-per-port invariant and is purged after the retention
// period.
type AllocationStatus string

const (
	// StatusAllocated means the port is claimed but nothing was observed
	// listening on it yet.
	StatusAllocated AllocationStatus = "allocated"

	// StatusActive means a liveness check observed the port bound.
	StatusActive AllocationStatus = "active"

	// StatusReleased means the claim was given up.
	StatusReleased AllocationStatus = "released"
)

// String returns the string representation of AllocationStatus.
func (s AllocationStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is one of the predefined states.
func (s AllocationStatus) IsValid() bool {
	switch s {
	case StatusAllocated, StatusActive, StatusReleased:
		return true
	default:
		return false
	}
}

// IsLive reports whether the status still holds the port.
func (s AllocationStatus) IsLive() bool {
	return s == StatusAllocated || s == StatusActive
}

// ParseAllocationStatus converts a string to an AllocationStatus.
func ParseAllocationStatus(s string) (AllocationStatus, error) {
	status := AllocationStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", NewError(KindInvalid, "parse status",
			fmt.Sprintf("invalid allocation status %q (valid: allocated, active, released)", s))
	}
	return status, nil
}

// PortRange is an inclusive [Start, End] range of port numbers.
type PortRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Overlaps reports whether two ranges share at least one port.
func (r PortRange) Overlaps(other PortRange) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// Validate checks that the range is well-formed and within the TCP port space.
func (r PortRange) Validate() error {
	if r.Start < 1 || r.End > 65535 {
		return fmt.Errorf("port range %d-%d outside 1-65535", r.Start, r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("port range %d-%d is empty (end before start)", r.Start, r.End)
	}
	return nil
}

// String formats the range as "start-end".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Owner holds the optional references that tie an allocation to the rest
// of the platform. All fields may be empty.
type Owner struct {
	CodebaseID      string `json:"codebaseId,omitempty" yaml:"codebaseId,omitempty"`
	ConversationKey string `json:"conversationKey,omitempty" yaml:"conversationKey,omitempty"`
	WorktreePath    string `json:"worktreePath,omitempty" yaml:"worktreePath,omitempty"`
}

// PortAllocation is a persisted claim on a single port number.
type PortAllocation struct {
	ID          int64            `json:"id" yaml:"id"`
	Port        int              `json:"port" yaml:"port"`
	ServiceName string           `json:"serviceName" yaml:"serviceName"`
	Environment Environment      `json:"environment" yaml:"environment"`
	Status      AllocationStatus `json:"status" yaml:"status"`
	Owner       Owner            `json:"owner" yaml:"owner"`

	AllocatedAt time.Time `json:"allocatedAt" yaml:"allocatedAt"`

	// ReleasedAt is nil while the allocation is live.
	ReleasedAt *time.Time `json:"releasedAt,omitempty" yaml:"releasedAt,omitempty"`

	// LastCheckedAt is stamped by liveness checks; nil if never checked.
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty" yaml:"lastCheckedAt,omitempty"`
}

// IsLive reports whether the allocation still holds its port.
func (p *PortAllocation) IsLive() bool {
	return p.Status.IsLive()
}

// String returns a human-readable representation.
// Format: "service:port/environment (status)"
func (p *PortAllocation) String() string {
	return fmt.Sprintf("%s:%d/%s (%s)", p.ServiceName, p.Port, p.Environment, p.Status)
}

// Utilization summarizes how full an environment's port range is.
// Total excludes reserved ports that fall inside the range.
type Utilization struct {
	Environment Environment `json:"environment" yaml:"environment"`
	Total       int         `json:"total" yaml:"total"`
	Allocated   int         `json:"allocated" yaml:"allocated"`
	Available   int         `json:"available" yaml:"available"`
	Percent     float64     `json:"percent" yaml:"percent"`
}

// Worktree is one entry from `git worktree list --porcelain`.
type Worktree struct {
	// Path is the absolute filesystem path to the worktree directory.
	Path string `json:"path" yaml:"path"`

	// Branch is the short branch name (e.g., "feature-x"). Empty when the
	// worktree is in a detached HEAD state.
	Branch string `json:"branch" yaml:"branch"`

	// HEAD is the commit SHA the worktree currently points to.
	HEAD string `json:"head,omitempty" yaml:"head,omitempty"`

	// IsBare marks the bare repository entry.
	IsBare bool `json:"bare,omitempty" yaml:"bare,omitempty"`
}

// Binding ties a conversation to the single worktree it works in.
type Binding struct {
	ConversationKey string    `json:"conversationKey" yaml:"conversationKey"`
	WorktreePath    string    `json:"worktreePath" yaml:"worktreePath"`
	RepoPath        string    `json:"repoPath" yaml:"repoPath"`
	Branch          string    `json:"branch" yaml:"branch"`
	CodebaseID      string    `json:"codebaseId,omitempty" yaml:"codebaseId,omitempty"`
	CreatedAt       time.Time `json:"createdAt" yaml:"createdAt"`
}

// branchRegex restricts branch names to a safe subset of what git accepts:
// alphanumerics plus "._/-", starting with an alphanumeric. Shell
// metacharacters, whitespace and ref-syntax characters are rejected.
var branchRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ValidateBranchName checks that branch is safe to pass to git and to embed
// in a filesystem path.
func ValidateBranchName(branch string) error {
	const op = "validate branch"
	if branch == "" {
		return NewError(KindInvalid, op, "branch name must not be empty")
	}
	if len(branch) > 200 {
		return NewError(KindInvalid, op, fmt.Sprintf("branch name too long (%d > 200)", len(branch)))
	}
	if !branchRegex.MatchString(branch) {
		return NewError(KindInvalid, op,
			fmt.Sprintf("invalid branch name %q: only letters, digits, '.', '_', '-' and '/' are allowed", branch))
	}
	if strings.Contains(branch, "..") || strings.Contains(branch, "//") ||
		strings.HasSuffix(branch, "/") || strings.HasSuffix(branch, ".lock") ||
		strings.HasSuffix(branch, ".") {
		return NewError(KindInvalid, op, fmt.Sprintf("invalid branch name %q", branch))
	}
	return nil
}

// SanitizeBranchName converts a branch name into a single directory name.
// Replaces "/" with "-" and strips anything outside [A-Za-z0-9._-].
func SanitizeBranchName(branch string) string {
	name := strings.ReplaceAll(branch, "/", "-")

	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' {
			result.WriteRune(r)
		}
	}
	name = strings.Trim(result.String(), "-.")

	if name == "" {
		name = "worktree"
	}
	return name
}

// IsWithin reports whether path lies strictly inside base. Both paths are
// cleaned first; symlinks are not resolved.
func IsWithin(base, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
