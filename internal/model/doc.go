// Package model defines the domain types and value objects shared by the
// berth packages.
//
// This package contains pure data structures with no external dependencies:
// port allocations and their environments, worktree records and
// conversation bindings, and the error taxonomy (Kind / Error) that every
// other package returns. The CLI translates error kinds into process exit
// codes, the same way the library reports them to in-process callers.
package model
