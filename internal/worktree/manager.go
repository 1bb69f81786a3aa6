package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/port"
	"github.com/shinji-kodama/berth/internal/store"
)

// PortAllocator is the part of port.Allocator the manager needs.
type PortAllocator interface {
	Allocate(ctx context.Context, req port.Request) (*model.PortAllocation, error)
	ReleaseByWorktree(ctx context.Context, path string) ([]int, error)
}

var _ PortAllocator = (*port.Allocator)(nil)

// SessionResetter is told when a conversation loses its worktree so the
// caller can drop any AI session state tied to that directory.
type SessionResetter interface {
	ResetSession(ctx context.Context, conversationKey string) error
}

// SessionResetterFunc adapts a function to SessionResetter.
type SessionResetterFunc func(ctx context.Context, conversationKey string) error

// ResetSession implements SessionResetter.
func (f SessionResetterFunc) ResetSession(ctx context.Context, conversationKey string) error {
	return f(ctx, conversationKey)
}

// Options configures a Manager.
type Options struct {
	// BaseDir is the root under which all worktrees are created.
	BaseDir string

	// Ports, when set together with AllocatePort, reserves a port in
	// PortEnvironment for every newly created worktree.
	Ports           PortAllocator
	AllocatePort    bool
	PortEnvironment model.Environment

	// Trust registers new worktrees with `git config --global --add
	// safe.directory` so git accepts them when run as another user.
	Trust bool

	Resetter SessionResetter
	Logger   *logging.Logger
	Git      *Git
}

// Manager creates, adopts, lists and removes worktrees.
type Manager struct {
	store    *store.Store
	git      *Git
	baseDir  string
	ports    PortAllocator
	allocate bool
	portEnv  model.Environment
	trust    bool
	resetter SessionResetter
	log      *logging.Logger
}

// NewManager creates the base directory if needed and returns a Manager.
func NewManager(st *store.Store, opts Options) (*Manager, error) {
	if st == nil {
		return nil, errors.New("worktree manager requires a store")
	}
	if opts.BaseDir == "" {
		return nil, errors.New("worktree base directory is required")
	}

	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worktree base: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base: %w", err)
	}

	g := opts.Git
	if g == nil {
		g = NewGit()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	env := opts.PortEnvironment
	if env == "" {
		env = model.EnvDev
	}

	return &Manager{
		store:    st,
		git:      g,
		baseDir:  base,
		ports:    opts.Ports,
		allocate: opts.AllocatePort && opts.Ports != nil,
		portEnv:  env,
		trust:    opts.Trust,
		resetter: opts.Resetter,
		log:      log.WithComponent("worktree"),
	}, nil
}

// BaseDir returns the absolute worktree root.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// PathFor returns the canonical worktree path for branch in repoPath.
func (m *Manager) PathFor(repoPath, branch string) string {
	repoName := model.SanitizeBranchName(filepath.Base(filepath.Clean(repoPath)))
	return filepath.Join(m.baseDir, repoName, model.SanitizeBranchName(branch))
}

// CreateRequest asks for a worktree on Branch of RepoPath for a conversation.
type CreateRequest struct {
	RepoPath        string
	Branch          string
	ConversationKey string
	CodebaseID      string

	// BaseRef is the start point for a new branch. Empty means HEAD.
	BaseRef string
}

// ReviewRequest asks for a worktree to review an issue or pull request.
type ReviewRequest struct {
	RepoPath        string
	Number          int
	IsPR            bool
	ConversationKey string
	CodebaseID      string

	// RemoteBranch is the branch to fetch and check out. When empty a local
	// branch issue-<n> or pr-<n> is created from HEAD.
	RemoteBranch string

	// PinnedRevision, if set, is the exact commit the review branch starts at.
	PinnedRevision string

	// Remote defaults to "origin".
	Remote string
}

// Result describes a created or adopted worktree.
type Result struct {
	Path            string                `json:"path" yaml:"path"`
	Branch          string                `json:"branch" yaml:"branch"`
	RepoPath        string                `json:"repoPath" yaml:"repoPath"`
	ConversationKey string                `json:"conversationKey" yaml:"conversationKey"`
	Adopted         bool                  `json:"adopted" yaml:"adopted"`
	Commit          string                `json:"commit,omitempty" yaml:"commit,omitempty"`
	Port            *model.PortAllocation `json:"port,omitempty" yaml:"port,omitempty"`
}

// addPlan is what create needs to know to run `git worktree add`.
type addPlan struct {
	repoPath string
	branch   string
	start    string // start point for a new branch; empty = HEAD
	key      string
	codebase string

	// afterAdd runs inside the new worktree once it exists.
	afterAdd func(ctx context.Context, path string) error
}

// Create makes (or adopts) the worktree for req.Branch and binds it to the
// conversation.
//
// If a worktree of the same repository already sits at the canonical path
// it is adopted as-is; nothing is checked out or reset. A worktree there
// holding a different branch is a Conflict. RepoPath may be any directory
// inside the repository.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	const op = "create worktree"

	if err := model.ValidateBranchName(req.Branch); err != nil {
		return nil, err
	}
	if req.BaseRef != "" {
		if err := validateRef(req.BaseRef); err != nil {
			return nil, err
		}
	}
	repo, err := m.prepare(ctx, op, req.RepoPath, req.ConversationKey)
	if err != nil {
		return nil, err
	}

	return m.create(ctx, op, addPlan{
		repoPath: repo,
		branch:   req.Branch,
		start:    req.BaseRef,
		key:      req.ConversationKey,
		codebase: req.CodebaseID,
	})
}

// CreateForReview makes a worktree for reviewing an issue or pull request.
//
// With RemoteBranch the branch is fetched and a local branch of the same
// name is created at the fetched tip, or at PinnedRevision when one is
// given, and set to track the remote. The result is always a named branch,
// never a detached HEAD. Without RemoteBranch a fresh local branch
// issue-<n> or pr-<n> is created from HEAD.
func (m *Manager) CreateForReview(ctx context.Context, req ReviewRequest) (*Result, error) {
	const op = "create review worktree"

	if req.Number <= 0 {
		return nil, model.Errorf(model.KindInvalid, op, "issue/PR number must be positive, got %d", req.Number)
	}
	if req.PinnedRevision != "" && !shaPattern.MatchString(req.PinnedRevision) {
		return nil, model.Errorf(model.KindInvalid, op, "pinned revision %q is not a commit SHA", req.PinnedRevision)
	}
	remote := req.Remote
	if remote == "" {
		remote = "origin"
	}
	if err := validateRef(remote); err != nil {
		return nil, err
	}

	plan := addPlan{key: req.ConversationKey, codebase: req.CodebaseID}

	if req.RemoteBranch == "" {
		prefix := "issue"
		if req.IsPR {
			prefix = "pr"
		}
		plan.branch = fmt.Sprintf("%s-%d", prefix, req.Number)
		plan.start = req.PinnedRevision
	} else {
		if err := model.ValidateBranchName(req.RemoteBranch); err != nil {
			return nil, err
		}
		plan.branch = req.RemoteBranch
	}

	repo, err := m.prepare(ctx, op, req.RepoPath, req.ConversationKey)
	if err != nil {
		return nil, err
	}
	plan.repoPath = repo

	if req.RemoteBranch != "" {
		if _, err := m.git.Run(ctx, repo, "fetch", remote, req.RemoteBranch); err != nil {
			return nil, m.external(op, err, "remote", remote, "branch", req.RemoteBranch)
		}
		plan.start = remote + "/" + req.RemoteBranch
		if req.PinnedRevision != "" {
			plan.start = req.PinnedRevision
		}
		upstream := remote + "/" + req.RemoteBranch
		plan.afterAdd = func(ctx context.Context, path string) error {
			_, err := m.git.Run(ctx, path, "branch", "--set-upstream-to="+upstream, plan.branch)
			if err != nil {
				m.log.Warn("failed to set upstream", "path", path, "upstream", upstream, "error", err)
			}
			return nil
		}
	}

	return m.create(ctx, op, plan)
}

// prepare validates the shared inputs of Create and CreateForReview and
// checks that the conversation is not already bound.
func (m *Manager) prepare(ctx context.Context, op, repoPath, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", model.NewError(model.KindInvalid, op, "conversation key must not be empty")
	}
	if repoPath == "" {
		return "", model.NewError(model.KindInvalid, op, "repository path must not be empty")
	}
	repo, err := filepath.Abs(repoPath)
	if err != nil {
		return "", model.WrapError(model.KindInvalid, op, "invalid repository path", err)
	}
	if _, err := os.Stat(repo); err != nil {
		return "", model.Errorf(model.KindNotFound, op, "repository %s does not exist", repo)
	}
	top, err := m.git.TopLevel(ctx, repo)
	if err != nil {
		return "", m.external(op, err, "repo_path", repo)
	}
	if !samePath(top, repo) {
		repo = top
	}

	// Early answer before any fetch. create claims the binding atomically.
	existing, err := m.store.BindingByKey(ctx, key)
	if err == nil {
		return "", model.Errorf(model.KindConflict, op,
			"conversation %s is already bound to worktree %s", key, existing.WorktreePath)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", m.external(op, err, "conversation_key", key)
	}
	return repo, nil
}

func (m *Manager) create(ctx context.Context, op string, plan addPlan) (*Result, error) {
	path := m.PathFor(plan.repoPath, plan.branch)
	log := m.log.WithConversation(plan.key).With("path", path, "branch", plan.branch)

	res := &Result{Path: path, Branch: plan.branch, RepoPath: plan.repoPath, ConversationKey: plan.key}

	adopted, err := m.adoptable(ctx, plan.repoPath, path)
	if err != nil {
		return nil, m.external(op, err, "path", path)
	}
	if adopted != nil {
		if err := m.checkAdoptable(ctx, op, plan, adopted); err != nil {
			return nil, err
		}
		res.Adopted = true
	} else if _, statErr := os.Stat(path); statErr == nil {
		return nil, model.Errorf(model.KindConflict, op,
			"%s exists but is not a worktree of %s", path, plan.repoPath)
	}

	// The binding is claimed before git runs, so of two concurrent calls for
	// one conversation only the winner ever creates a worktree.
	binding := &model.Binding{
		ConversationKey: plan.key,
		WorktreePath:    path,
		RepoPath:        plan.repoPath,
		Branch:          res.Branch,
		CodebaseID:      plan.codebase,
	}
	if err := m.store.InsertBinding(ctx, binding); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, model.Errorf(model.KindConflict, op, "conversation %s is already bound", plan.key)
		}
		return nil, m.external(op, err, "path", path)
	}

	if res.Adopted {
		log.Info("adopting existing worktree")
	} else {
		adoptedLate, err := m.addWorktree(ctx, op, plan, path)
		if err != nil {
			m.unclaim(ctx, plan.key)
			return nil, err
		}
		res.Adopted = adoptedLate

		// Reconcile may have dropped the claim while the directory did not
		// exist yet. ErrDuplicate means the claim is still in place.
		if err := m.store.InsertBinding(ctx, binding); err != nil && !errors.Is(err, store.ErrDuplicate) {
			log.Warn("failed to confirm binding", "error", err)
		}
	}

	if m.trust {
		m.trustPath(ctx, path)
	}
	if sha, err := m.git.HeadCommit(ctx, path); err == nil {
		res.Commit = sha
	} else {
		log.Warn("failed to read worktree HEAD", "error", err)
	}

	if m.allocate && !res.Adopted {
		alloc, err := m.ports.Allocate(ctx, port.Request{
			ServiceName: filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path),
			Environment: m.portEnv,
			Owner: model.Owner{
				CodebaseID:      plan.codebase,
				ConversationKey: plan.key,
				WorktreePath:    path,
			},
		})
		if err != nil {
			log.Warn("worktree created without a port", "error", err)
		} else {
			res.Port = alloc
		}
	}

	return res, nil
}

// checkAdoptable refuses to adopt a worktree that has a different branch
// checked out. Distinct branches such as feat/a and feat-a share a canonical
// path. A detached worktree is adopted as-is.
func (m *Manager) checkAdoptable(ctx context.Context, op string, plan addPlan, e *Entry) error {
	branch, err := m.git.CurrentBranch(ctx, e.Path)
	if err != nil || branch == "HEAD" {
		branch = e.Branch
	}
	if branch == "" || branch == plan.branch {
		return nil
	}
	return model.Errorf(model.KindConflict, op,
		"%s already holds branch %s, not %s", e.Path, branch, plan.branch)
}

// addWorktree creates the worktree at path. If git fails because another
// caller created the same worktree first, that worktree is adopted instead
// and adopted reports true.
func (m *Manager) addWorktree(ctx context.Context, op string, plan addPlan, path string) (adopted bool, err error) {
	log := m.log.WithConversation(plan.key).With("path", path, "branch", plan.branch)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, m.external(op, err, "path", path)
	}
	if addErr := m.add(ctx, plan, path); addErr != nil {
		entry, err := m.adoptable(ctx, plan.repoPath, path)
		if err != nil || entry == nil {
			return false, m.external(op, addErr, "path", path)
		}
		if err := m.checkAdoptable(ctx, op, plan, entry); err != nil {
			return false, err
		}
		log.Info("adopting worktree created concurrently")
		return true, nil
	}
	if plan.afterAdd != nil {
		if err := plan.afterAdd(ctx, path); err != nil {
			if _, rmErr := m.git.Run(ctx, plan.repoPath, "worktree", "remove", "--force", path); rmErr != nil {
				log.Warn("failed to remove partially prepared worktree", "error", rmErr)
			}
			return false, m.external(op, err, "path", path)
		}
	}
	log.Info("worktree created")
	return false, nil
}

// unclaim drops a binding claimed by a create that then failed.
func (m *Manager) unclaim(ctx context.Context, key string) {
	if _, err := m.store.DeleteBinding(context.WithoutCancel(ctx), key); err != nil {
		m.log.Error("failed to drop binding after failed create", "conversation_key", key, "error", err)
	}
}

// add runs `git worktree add`, creating the branch when it does not exist
// and checking out the existing branch otherwise.
func (m *Manager) add(ctx context.Context, plan addPlan, path string) error {
	if m.git.BranchExists(ctx, plan.repoPath, plan.branch) {
		_, err := m.git.Run(ctx, plan.repoPath, "worktree", "add", path, plan.branch)
		return err
	}

	args := []string{"worktree", "add", "-b", plan.branch, path}
	if plan.start != "" {
		args = append(args, plan.start)
	}
	_, err := m.git.Run(ctx, plan.repoPath, args...)
	if err != nil && gitErrorContains(err, "already exists") {
		// Branch appeared between the check and the add.
		_, err = m.git.Run(ctx, plan.repoPath, "worktree", "add", path, plan.branch)
	}
	return err
}

// adoptable returns the worktree entry registered at path for repo, or nil.
func (m *Manager) adoptable(ctx context.Context, repo, path string) (*Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	entries, err := m.git.ListWorktrees(ctx, repo)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if samePath(e.Path, path) && !e.Bare {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *Manager) trustPath(ctx context.Context, path string) {
	if _, err := m.git.Run(ctx, "", "config", "--global", "--add", "safe.directory", path); err != nil {
		m.log.Warn("failed to mark worktree as safe.directory", "path", path, "error", err)
	}
}

// List returns the worktrees git knows about for repoPath. It does not
// consult bindings; callers decide which ones are active.
func (m *Manager) List(ctx context.Context, repoPath string) ([]model.Worktree, error) {
	const op = "list worktrees"

	entries, err := m.git.ListWorktrees(ctx, repoPath)
	if err != nil {
		return nil, m.external(op, err, "repo_path", repoPath)
	}

	out := make([]model.Worktree, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.Worktree{Path: e.Path, Branch: e.Branch, HEAD: e.HEAD, IsBare: e.Bare})
	}
	return out, nil
}

// RemoveRequest asks for the worktree at Path to be removed.
type RemoveRequest struct {
	// RepoPath is the main repository. When empty it is taken from the
	// binding for Path.
	RepoPath string
	Path     string
	Force    bool
}

// RemoveResult reports what Remove cleaned up.
type RemoveResult struct {
	Path          string   `json:"path" yaml:"path"`
	Unbound       []string `json:"unbound" yaml:"unbound"`
	ReleasedPorts []int    `json:"releasedPorts" yaml:"releasedPorts"`

	// PortReleaseError is set when the worktree was removed but its ports
	// could not be released. The maintainer's reclaim task retries them.
	PortReleaseError string `json:"portReleaseError,omitempty" yaml:"portReleaseError,omitempty"`
}

// Remove deletes the worktree at req.Path.
//
// Without Force, git refuses to remove a worktree with modified or
// untracked files; that refusal is returned as a Conflict carrying git's
// message and the binding is left in place. On success every binding to
// the path is dropped, its ports are released and each affected
// conversation's session is reset.
func (m *Manager) Remove(ctx context.Context, req RemoveRequest) (*RemoveResult, error) {
	const op = "remove worktree"

	if req.Path == "" {
		return nil, model.NewError(model.KindInvalid, op, "worktree path must not be empty")
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, model.WrapError(model.KindInvalid, op, "invalid worktree path", err)
	}
	if !model.IsWithin(m.baseDir, path) {
		return nil, model.Errorf(model.KindInvalid, op, "%s is outside the worktree base %s", path, m.baseDir)
	}

	repo := req.RepoPath
	if repo == "" {
		bindings, err := m.store.BindingsByPath(ctx, path)
		if err != nil {
			return nil, m.external(op, err, "path", path)
		}
		if len(bindings) == 0 {
			return nil, model.Errorf(model.KindNotFound, op, "no binding for %s; pass the repository path", path)
		}
		repo = bindings[0].RepoPath
	}

	log := m.log.With("path", path, "force", req.Force)

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		// Already gone from disk; just drop git's stale record.
		if _, err := m.git.Run(ctx, repo, "worktree", "prune"); err != nil {
			log.Warn("worktree prune failed", "error", err)
		}
	} else {
		args := []string{"worktree", "remove"}
		if req.Force {
			args = append(args, "--force")
		}
		args = append(args, path)

		if _, err := m.git.Run(ctx, repo, args...); err != nil {
			switch {
			case gitErrorContains(err, "contains modified or untracked files", "is dirty", "use --force"):
				log.Info("worktree removal refused: uncommitted changes")
				return nil, model.WrapError(model.KindConflict, op, err.Error(), err)
			case gitErrorContains(err, "is not a working tree"):
				return nil, model.WrapError(model.KindNotFound, op, err.Error(), err)
			default:
				return nil, m.external(op, err, "path", path)
			}
		}
	}

	res := &RemoveResult{Path: path}

	keys, err := m.store.DeleteBindingsByPath(ctx, path)
	if err != nil {
		return nil, m.external(op, err, "path", path)
	}
	res.Unbound = keys

	if m.ports != nil {
		released, err := m.ports.ReleaseByWorktree(ctx, path)
		if err != nil {
			log.Warn("failed to release worktree ports", "error", err)
			res.PortReleaseError = err.Error()
		}
		res.ReleasedPorts = released
	}

	m.resetSessions(ctx, keys)
	log.Info("worktree removed", "unbound", keys, "released_ports", res.ReleasedPorts)
	return res, nil
}

// Binding returns the worktree bound to a conversation.
func (m *Manager) Binding(ctx context.Context, key string) (*model.Binding, error) {
	const op = "get binding"

	b, err := m.store.BindingByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Errorf(model.KindNotFound, op, "conversation %s has no worktree", key)
	}
	if err != nil {
		return nil, m.external(op, err, "conversation_key", key)
	}
	return b, nil
}

// Bindings returns every binding.
func (m *Manager) Bindings(ctx context.Context) ([]model.Binding, error) {
	bs, err := m.store.ListBindings(ctx)
	if err != nil {
		return nil, m.external("list bindings", err)
	}
	return bs, nil
}

// ReconcileResult reports the outcome of Reconcile.
type ReconcileResult struct {
	Checked int      `json:"checked" yaml:"checked"`
	Dropped []string `json:"dropped" yaml:"dropped"`
	Failed  int      `json:"failed" yaml:"failed"`
}

// Reconcile drops bindings whose worktree directory no longer exists and
// resets the affected sessions. Errors are logged and counted, never returned.
func (m *Manager) Reconcile(ctx context.Context) ReconcileResult {
	var res ReconcileResult

	bindings, err := m.store.ListBindings(ctx)
	if err != nil {
		m.log.Error("reconcile: failed to list bindings", "error", err)
		res.Failed++
		return res
	}

	for _, b := range bindings {
		res.Checked++
		_, statErr := os.Stat(b.WorktreePath)
		if statErr == nil {
			continue
		}
		if !os.IsNotExist(statErr) {
			res.Failed++
			continue
		}

		if _, err := m.store.DeleteBinding(ctx, b.ConversationKey); err != nil {
			m.log.Warn("reconcile: failed to drop binding", "conversation_key", b.ConversationKey, "error", err)
			res.Failed++
			continue
		}
		m.log.Info("dropped binding to vanished worktree", "conversation_key", b.ConversationKey, "path", b.WorktreePath)
		res.Dropped = append(res.Dropped, b.ConversationKey)
	}

	m.resetSessions(ctx, res.Dropped)
	return res
}

func (m *Manager) resetSessions(ctx context.Context, keys []string) {
	if m.resetter == nil {
		return
	}
	for _, key := range keys {
		if err := m.resetter.ResetSession(ctx, key); err != nil {
			m.log.Warn("session reset failed", "conversation_key", key, "error", err)
		}
	}
}

// external logs err and wraps it as an External error, keeping git's or
// the database's message intact. Errors that already carry a kind pass through.
func (m *Manager) external(op string, err error, args ...any) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	m.log.Error(op+" failed", append(args, "error", err)...)
	return model.External(op, err)
}

var (
	shaPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,64}$`)
	refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
)

// validateRef accepts branch names, remote names and SHAs.
func validateRef(ref string) error {
	if !refPattern.MatchString(ref) || strings.Contains(ref, "..") {
		return model.Errorf(model.KindInvalid, "validate ref", "invalid git ref %q", ref)
	}
	return nil
}

// samePath compares two paths after resolving symlinks where possible.
func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
