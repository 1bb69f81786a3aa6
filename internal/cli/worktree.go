package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/worktree"
)

// NewWorktreeCommand creates the "worktree" command group.
func NewWorktreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktree",
		Aliases: []string{"wt"},
		Short:   "Manage per-conversation git worktrees",
		Long: `Create, list and remove git worktrees bound to conversations.

Worktrees are created under worktree.base_dir as <base>/<repo>/<branch>.
A worktree that already exists at that path is adopted, not recreated.`,
	}
	cmd.AddCommand(newWorktreeCreateCommand())
	cmd.AddCommand(newWorktreeReviewCommand())
	cmd.AddCommand(newWorktreeListCommand())
	cmd.AddCommand(newWorktreeRemoveCommand())
	cmd.AddCommand(newWorktreeBindingsCommand())
	cmd.AddCommand(newWorktreeReconcileCommand())
	return cmd
}

// resolveRepo turns the --repo flag into an absolute path, defaulting to
// the working directory.
func resolveRepo(repo string) (string, error) {
	if repo == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", model.External("resolve repository", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return "", model.WrapError(model.KindInvalid, "resolve repository", "invalid repository path", err)
	}
	return abs, nil
}

type worktreeCreateFlags struct {
	repo         string
	conversation string
	codebase     string
	base         string
}

func newWorktreeCreateCommand() *cobra.Command {
	flags := &worktreeCreateFlags{}

	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create or adopt a worktree for a conversation",
		Long: `Create a worktree for a branch and bind it to a conversation.

An existing branch is checked out; otherwise a new branch is created from
--base (default HEAD). If the conversation is already bound to a different
worktree the command fails with a conflict (exit code 2).

Examples:
  berth worktree create feature/login --conversation conv-42
  berth worktree create fix-123 --repo ~/src/app --conversation conv-7 --base origin/main`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := resolveRepo(flags.repo)
			if err != nil {
				return err
			}
			req := worktree.CreateRequest{
				RepoPath:        repo,
				Branch:          args[0],
				ConversationKey: flags.conversation,
				CodebaseID:      flags.codebase,
				BaseRef:         flags.base,
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.broker.CreateWorktree(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) { printCreateResult(w, res) })
			})
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().StringVarP(&flags.conversation, "conversation", "c", "", "Conversation key to bind (required)")
	cmd.Flags().StringVar(&flags.codebase, "codebase", "", "Codebase ID recorded on the binding")
	cmd.Flags().StringVar(&flags.base, "base", "", "Start point for a new branch (default: HEAD)")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

type worktreeReviewFlags struct {
	repo         string
	conversation string
	codebase     string
	pr           bool
	branch       string
	pin          string
	remote       string
}

func newWorktreeReviewCommand() *cobra.Command {
	flags := &worktreeReviewFlags{}

	cmd := &cobra.Command{
		Use:   "review <number>",
		Short: "Create a worktree to review an issue or pull request",
		Long: `Create a worktree for reviewing an issue or pull request.

With --branch the remote branch is fetched and checked out, tracking the
remote. Without it a local branch issue-<n> (or pr-<n> with --pr) is
created from HEAD. --pin starts the branch at an exact commit.

Examples:
  berth worktree review 42 --conversation conv-42
  berth worktree review 17 --pr --branch feature/x --conversation conv-17`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumberArg(args[0])
			if err != nil {
				return err
			}
			repo, err := resolveRepo(flags.repo)
			if err != nil {
				return err
			}
			req := worktree.ReviewRequest{
				RepoPath:        repo,
				Number:          number,
				IsPR:            flags.pr,
				ConversationKey: flags.conversation,
				CodebaseID:      flags.codebase,
				RemoteBranch:    flags.branch,
				PinnedRevision:  flags.pin,
				Remote:          flags.remote,
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.broker.CreateWorktreeForReview(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) { printCreateResult(w, res) })
			})
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().StringVarP(&flags.conversation, "conversation", "c", "", "Conversation key to bind (required)")
	cmd.Flags().StringVar(&flags.codebase, "codebase", "", "Codebase ID recorded on the binding")
	cmd.Flags().BoolVar(&flags.pr, "pr", false, "The number is a pull request, not an issue")
	cmd.Flags().StringVar(&flags.branch, "branch", "", "Remote branch to fetch and check out")
	cmd.Flags().StringVar(&flags.pin, "pin", "", "Exact commit to start the review branch at")
	cmd.Flags().StringVar(&flags.remote, "remote", "origin", "Remote to fetch from")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func parseNumberArg(s string) (int, error) {
	s = strings.TrimPrefix(s, "#")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, model.Errorf(model.KindInvalid, "parse number", "invalid issue or pull request number %q", s)
	}
	return n, nil
}

func printCreateResult(w io.Writer, res *worktree.Result) {
	verb := green("Created")
	if res.Adopted {
		verb = yellow("Adopted")
	}
	fmt.Fprintf(w, "%s worktree %s\n", verb, res.Path)
	fmt.Fprintf(w, "  Branch:        %s\n", res.Branch)
	fmt.Fprintf(w, "  Conversation:  %s\n", res.ConversationKey)
	if sha := res.Commit; sha != "" {
		if len(sha) > 12 {
			sha = sha[:12]
		}
		fmt.Fprintf(w, "  Commit:        %s\n", sha)
	}
	if res.Port != nil {
		fmt.Fprintf(w, "  Port:          %d (%s)\n", res.Port.Port, res.Port.Environment)
	}
}

// worktreeEntry is one row of "worktree list": git's view joined with the
// conversations bound to the path.
type worktreeEntry struct {
	model.Worktree `yaml:",inline"`
	Conversations  []string `json:"conversations,omitempty" yaml:"conversations,omitempty"`
}

func newWorktreeListCommand() *cobra.Command {
	var repoFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a repository's worktrees and their bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := resolveRepo(repoFlag)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				wts, err := a.broker.ListWorktrees(ctx, repo)
				if err != nil {
					return err
				}
				bindings, err := a.broker.WorktreeBindings(ctx)
				if err != nil {
					return err
				}
				entries := joinBindings(wts, bindings)
				return render(cmd.OutOrStdout(), entries, func(w io.Writer) { printWorktrees(w, entries) })
			})
		},
	}

	cmd.Flags().StringVar(&repoFlag, "repo", "", "Repository path (default: current directory)")
	return cmd
}

// joinBindings attaches to each worktree the conversations bound to its path.
func joinBindings(wts []model.Worktree, bindings []model.Binding) []worktreeEntry {
	byPath := make(map[string][]string)
	for _, b := range bindings {
		p := filepath.Clean(b.WorktreePath)
		byPath[p] = append(byPath[p], b.ConversationKey)
	}
	entries := make([]worktreeEntry, 0, len(wts))
	for _, wt := range wts {
		entries = append(entries, worktreeEntry{Worktree: wt, Conversations: byPath[filepath.Clean(wt.Path)]})
	}
	return entries
}

func printWorktrees(w io.Writer, entries []worktreeEntry) {
	fmt.Fprintf(w, "%-30s  %-10s  %-20s  %s\n", "BRANCH", "HEAD", "CONVERSATIONS", "PATH")
	for _, e := range entries {
		branch := e.Branch
		switch {
		case e.IsBare:
			branch = "(bare)"
		case branch == "":
			branch = "(detached)"
		}
		head := e.HEAD
		if len(head) > 10 {
			head = head[:10]
		}
		convs := fmt.Sprintf("%-20s", "-")
		if len(e.Conversations) > 0 {
			convs = green(fmt.Sprintf("%-20s", strings.Join(e.Conversations, ",")))
		}
		fmt.Fprintf(w, "%-30s  %-10s  %s  %s\n", truncate(branch, 30), head, convs, e.Path)
	}
}

type worktreeRemoveFlags struct {
	repo  string
	force bool
}

func newWorktreeRemoveCommand() *cobra.Command {
	flags := &worktreeRemoveFlags{}

	cmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove a worktree and release what it held",
		Long: `Remove a worktree under worktree.base_dir. Every conversation bound to it
is unbound and its ports are released.

git refuses to remove a worktree with modified or untracked files; the
command then fails with a conflict (exit code 2) and nothing is unbound.
Use --force to discard the changes.

Examples:
  berth worktree remove ~/.local/share/berth/worktrees/app/feature-login
  berth worktree remove ./wt --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := worktree.RemoveRequest{Path: args[0], Force: flags.force}
			if flags.repo != "" {
				repo, err := resolveRepo(flags.repo)
				if err != nil {
					return err
				}
				req.RepoPath = repo
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.broker.RemoveWorktree(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%s worktree %s\n", green("Removed"), res.Path)
					if len(res.Unbound) > 0 {
						fmt.Fprintf(w, "  Unbound:   %s\n", strings.Join(res.Unbound, ","))
					}
					fmt.Fprintf(w, "  Released:  %s\n", FormatPortsList(res.ReleasedPorts))
					if res.PortReleaseError != "" {
						fmt.Fprintf(w, "  %s port release failed: %s\n", red("Warning:"), res.PortReleaseError)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: taken from the binding)")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove even with uncommitted changes")
	return cmd
}

func newWorktreeBindingsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bindings [conversation-key]",
		Short: "Show conversation to worktree bindings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var bindings []model.Binding
				if len(args) == 1 {
					b, err := a.broker.WorktreeBinding(ctx, args[0])
					if err != nil {
						return err
					}
					bindings = []model.Binding{*b}
				} else {
					var err error
					if bindings, err = a.broker.WorktreeBindings(ctx); err != nil {
						return err
					}
				}
				if bindings == nil {
					bindings = []model.Binding{}
				}
				return render(cmd.OutOrStdout(), bindings, func(w io.Writer) { printBindings(w, bindings, time.Now()) })
			})
		},
	}
}

func printBindings(w io.Writer, bindings []model.Binding, now time.Time) {
	if len(bindings) == 0 {
		fmt.Fprintln(w, "No worktree bindings.")
		return
	}
	fmt.Fprintf(w, "%-24s  %-24s  %-6s  %s\n", "CONVERSATION", "BRANCH", "AGE", "PATH")
	for _, b := range bindings {
		fmt.Fprintf(w, "%-24s  %-24s  %-6s  %s\n",
			truncate(b.ConversationKey, 24), truncate(b.Branch, 24), FormatAge(now, b.CreatedAt), b.WorktreePath)
	}
}

func newWorktreeReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Drop bindings whose worktree directory is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.broker.ReconcileWorktrees(ctx)
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Checked %d bindings, dropped %d\n", res.Checked, len(res.Dropped))
					for _, key := range res.Dropped {
						fmt.Fprintf(w, "  %s %s\n", yellow("dropped"), key)
					}
				})
			})
		},
	}
}
