// Package worktree manages the lifecycle of per-conversation git worktrees.
//
// Worktrees live at a canonical path, <base>/<repo-name>/<sanitized-branch>,
// and each conversation is bound to at most one of them. Bindings are rows
// in the store's worktree_bindings table so that separate berth processes
// agree on who owns what. Create claims the binding before running git and
// drops it again if git fails, so of two concurrent creates for one
// conversation only one ever touches the repository.
//
// All git work shells out to the git binary (see Git): worktree support in
// pure-Go git libraries is incomplete, and shelling out gives exactly the
// behaviour an operator sees in their terminal. Git failures keep git's
// stderr text unmodified.
package worktree
