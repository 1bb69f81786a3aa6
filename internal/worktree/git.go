package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// GitError is a failed git invocation. Its message is git's own stderr,
// unmodified, so operators see exactly what git reported.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

// Error returns git's stderr, or a synthetic message when git printed nothing.
func (e *GitError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("git %s failed: %v", strings.Join(e.Args, " "), e.Err)
}

// Unwrap exposes the underlying *exec.ExitError.
func (e *GitError) Unwrap() error {
	return e.Err
}

// Contains reports whether git's stderr contains substr, case-insensitively.
func (e *GitError) Contains(substr string) bool {
	return strings.Contains(strings.ToLower(e.Stderr), strings.ToLower(substr))
}

// gitErrorContains reports whether err is a GitError mentioning any of the
// given phrases.
func gitErrorContains(err error, phrases ...string) bool {
	var ge *GitError
	if !errors.As(err, &ge) {
		return false
	}
	for _, p := range phrases {
		if ge.Contains(p) {
			return true
		}
	}
	return false
}

// Git runs the git binary.
type Git struct {
	// Binary is the git executable. Defaults to "git" on PATH.
	Binary string

	// Env is appended to the inherited environment for every invocation.
	Env []string
}

// NewGit returns a Git that never prompts for credentials.
func NewGit() *Git {
	return &Git{Binary: "git", Env: []string{"GIT_TERMINAL_PROMPT=0"}}
}

// Run executes git with -C dir and returns stdout.
//
// -C is handled by git itself, which avoids changing the process working
// directory and is safe under concurrent use.
func (g *Git) Run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}

	bin := g.Binary
	if bin == "" {
		bin = "git"
	}

	// #nosec G204 -- arguments are validated branch names, paths and fixed verbs
	cmd := exec.CommandContext(ctx, bin, fullArgs...)
	cmd.Env = append(os.Environ(), g.Env...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &GitError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.String(), nil
}

// BranchExists reports whether refs/heads/<branch> exists in repo.
func (g *Git) BranchExists(ctx context.Context, repo, branch string) bool {
	_, err := g.Run(ctx, repo, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// TopLevel returns the root of the working tree containing path.
func (g *Git) TopLevel(ctx context.Context, path string) (string, error) {
	out, err := g.Run(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the short name of HEAD's branch, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context, path string) (string, error) {
	out, err := g.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeadCommit returns the full SHA of HEAD at path.
func (g *Git) HeadCommit(ctx context.Context, path string) (string, error) {
	out, err := g.Run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListWorktrees runs `git worktree list --porcelain` in repo.
func (g *Git) ListWorktrees(ctx context.Context, repo string) ([]Entry, error) {
	out, err := g.Run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// Entry is one block of `git worktree list --porcelain` output.
//
//	worktree /path/to/feature
//	HEAD abc123def456
//	branch refs/heads/feature
type Entry struct {
	Path     string
	HEAD     string
	Branch   string // short name; empty when detached
	Bare     bool
	Detached bool
	Prunable bool
}

// parsePorcelain parses `git worktree list --porcelain`. Blocks are
// separated by blank lines; each line is "key value" or a bare keyword.
func parsePorcelain(output string) []Entry {
	var entries []Entry
	var current *Entry

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			current = &Entry{Path: value}
		case "HEAD":
			if current != nil {
				current.HEAD = value
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "bare":
			if current != nil {
				current.Bare = true
			}
		case "detached":
			if current != nil {
				current.Detached = true
			}
		case "prunable":
			if current != nil {
				current.Prunable = true
			}
		}
	}
	flush()

	return entries
}
