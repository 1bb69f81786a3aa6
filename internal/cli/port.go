package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/berth/internal/docker"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/port"
)

// NewPortCommand creates the "port" command group.
func NewPortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Allocate and inspect ports",
		Long: `Allocate ports from the configured environment ranges and inspect
existing allocations.

Allocations are stored in the berth database, so a port handed out by one
process is never handed out by another until it is released.`,
	}
	cmd.AddCommand(newPortAllocateCommand())
	cmd.AddCommand(newPortReleaseCommand())
	cmd.AddCommand(newPortListCommand())
	cmd.AddCommand(newPortGetCommand())
	cmd.AddCommand(newPortFindCommand())
	cmd.AddCommand(newPortCleanupCommand())
	cmd.AddCommand(newPortUtilizationCommand())
	cmd.AddCommand(newPortCheckCommand())
	cmd.AddCommand(newPortStatusCommand("activate", true))
	cmd.AddCommand(newPortStatusCommand("deactivate", false))
	cmd.AddCommand(newPortLabelsCommand())
	return cmd
}

type portAllocateFlags struct {
	env          string
	port         int
	conversation string
	worktree     string
	codebase     string
}

func newPortAllocateCommand() *cobra.Command {
	flags := &portAllocateFlags{}

	cmd := &cobra.Command{
		Use:   "allocate <service-name>",
		Short: "Allocate a port for a service",
		Long: `Allocate the lowest free, non-reserved port in an environment's range.

With --port the exact port is claimed or the command fails with a
conflict (exit code 2). An exhausted range exits with code 3.

Examples:
  berth port allocate api
  berth port allocate web --env test --conversation conv-42
  berth port allocate db --port 5432`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := model.ParseEnvironment(flags.env)
			if err != nil {
				return err
			}
			req := port.Request{
				ServiceName:   args[0],
				Environment:   env,
				PreferredPort: flags.port,
				Owner: model.Owner{
					ConversationKey: flags.conversation,
					WorktreePath:    flags.worktree,
					CodebaseID:      flags.codebase,
				},
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				alloc, err := a.broker.AllocatePort(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), alloc, func(w io.Writer) {
					fmt.Fprintf(w, "%s %d for %s (%s)\n", green("Allocated"), alloc.Port, alloc.ServiceName, alloc.Environment)
				})
			})
		},
	}

	cmd.Flags().StringVar(&flags.env, "env", string(model.EnvDev), "Environment: dev, test, production")
	cmd.Flags().IntVar(&flags.port, "port", 0, "Claim exactly this port")
	cmd.Flags().StringVar(&flags.conversation, "conversation", "", "Owning conversation key")
	cmd.Flags().StringVar(&flags.worktree, "worktree", "", "Owning worktree path")
	cmd.Flags().StringVar(&flags.codebase, "codebase", "", "Owning codebase ID")
	return cmd
}

// releaseResult is the structured output of "port release".
type releaseResult struct {
	Port     int  `json:"port" yaml:"port"`
	Released bool `json:"released" yaml:"released"`
}

func newPortReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <port>",
		Short: "Release an allocated port",
		Long: `Release a port so it can be allocated again. Releasing a port that
holds no live allocation is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ok, err := a.broker.ReleasePort(ctx, p)
				if err != nil {
					return err
				}
				res := releaseResult{Port: p, Released: ok}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					if ok {
						fmt.Fprintf(w, "%s %d\n", green("Released"), p)
					} else {
						fmt.Fprintf(w, "Port %d was not allocated\n", p)
					}
				})
			})
		},
	}
}

type portListFlags struct {
	env          string
	status       string
	conversation string
	worktree     string
	all          bool
}

func newPortListCommand() *cobra.Command {
	flags := &portListFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List port allocations",
		Long: `List port allocations, live ones only unless --all is given.

Examples:
  berth port list
  berth port list --env test --conversation conv-42
  berth port list --all --status released --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				allocs, err := a.broker.ListAllocations(ctx, f)
				if err != nil {
					return err
				}
				if allocs == nil {
					allocs = []model.PortAllocation{}
				}
				return render(cmd.OutOrStdout(), allocs, func(w io.Writer) {
					printAllocations(w, allocs, time.Now())
				})
			})
		},
	}

	cmd.Flags().StringVar(&flags.env, "env", "", "Filter by environment")
	cmd.Flags().StringVar(&flags.status, "status", "", "Filter by status: allocated, active, released")
	cmd.Flags().StringVar(&flags.conversation, "conversation", "", "Filter by owning conversation")
	cmd.Flags().StringVar(&flags.worktree, "worktree", "", "Filter by owning worktree path")
	cmd.Flags().BoolVar(&flags.all, "all", false, "Include released allocations")
	return cmd
}

func (f *portListFlags) filter() (port.Filter, error) {
	filter := port.Filter{
		ConversationKey: f.conversation,
		WorktreePath:    f.worktree,
		LiveOnly:        !f.all && f.status == "",
	}
	if f.env != "" {
		env, err := model.ParseEnvironment(f.env)
		if err != nil {
			return port.Filter{}, err
		}
		filter.Environment = env
	}
	if f.status != "" {
		status, err := model.ParseAllocationStatus(f.status)
		if err != nil {
			return port.Filter{}, err
		}
		filter.Status = status
	}
	return filter, nil
}

// printAllocations renders allocations as a text table.
func printAllocations(w io.Writer, allocs []model.PortAllocation, now time.Time) {
	if len(allocs) == 0 {
		fmt.Fprintln(w, "No port allocations found.")
		return
	}

	fmt.Fprintf(w, "%-6s  %-20s  %-10s  %-10s  %-6s  %s\n",
		"PORT", "SERVICE", "ENV", "STATUS", "AGE", "OWNER")
	for _, alloc := range allocs {
		fmt.Fprintf(w, "%-6d  %-20s  %-10s  %s  %-6s  %s\n",
			alloc.Port,
			truncate(alloc.ServiceName, 20),
			alloc.Environment,
			colorStatus(alloc.Status, 10),
			FormatAge(now, alloc.AllocatedAt),
			FormatOwner(alloc.Owner),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func newPortGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <port>",
		Short: "Show the allocation record for a port",
		Long: `Show the live allocation for a port, or its most recent released record.
Exits with code 4 if the port was never allocated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				alloc, err := a.broker.GetPortAllocation(ctx, p)
				if model.IsNotFound(err) && a.broker.IsReservedPort(p) {
					return model.WrapError(model.KindNotFound, "get port", fmt.Sprintf("port %d is reserved and never allocated", p), err)
				}
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), alloc, func(w io.Writer) { printAllocation(w, alloc) })
			})
		},
	}
}

func printAllocation(w io.Writer, alloc *model.PortAllocation) {
	fmt.Fprintf(w, "Port:         %d\n", alloc.Port)
	fmt.Fprintf(w, "Service:      %s\n", alloc.ServiceName)
	fmt.Fprintf(w, "Environment:  %s\n", alloc.Environment)
	fmt.Fprintf(w, "Status:       %s\n", colorStatus(alloc.Status, 0))
	fmt.Fprintf(w, "Owner:        %s\n", FormatOwner(alloc.Owner))
	fmt.Fprintf(w, "Allocated:    %s\n", alloc.AllocatedAt.Format(time.RFC3339))
	if alloc.ReleasedAt != nil {
		fmt.Fprintf(w, "Released:     %s\n", alloc.ReleasedAt.Format(time.RFC3339))
	}
	if alloc.LastCheckedAt != nil {
		fmt.Fprintf(w, "Last checked: %s\n", alloc.LastCheckedAt.Format(time.RFC3339))
	}
}

type portFindFlags struct {
	env  string
	from int
}

// findResult is the structured output of "port find".
type findResult struct {
	Environment model.Environment `json:"environment" yaml:"environment"`
	Port        int               `json:"port" yaml:"port"`
}

func newPortFindCommand() *cobra.Command {
	flags := &portFindFlags{}

	cmd := &cobra.Command{
		Use:   "find",
		Short: "Show the next port that would be allocated",
		Long: `Show the lowest free port in an environment without allocating it.
The answer may be stale by the time it is used; use "port allocate" to
claim a port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := model.ParseEnvironment(flags.env)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.broker.FindAvailablePort(ctx, env, flags.from)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), findResult{Environment: env, Port: p}, func(w io.Writer) {
					fmt.Fprintln(w, p)
				})
			})
		},
	}

	cmd.Flags().StringVar(&flags.env, "env", string(model.EnvDev), "Environment: dev, test, production")
	cmd.Flags().IntVar(&flags.from, "from", 0, "Start searching at this port")
	return cmd
}

func newPortCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge old released records and reclaim orphaned ports",
		Long: `Delete released records older than ports.retention_days and release
live allocations whose owning worktree directory no longer exists.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.broker.CleanupStaleAllocations(ctx)
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Purged %d, reclaimed %d", res.Purged, res.Reclaimed)
					if res.Failed > 0 {
						fmt.Fprintf(w, ", %s", red(fmt.Sprintf("%d failed", res.Failed)))
					}
					fmt.Fprintln(w)
				})
			})
		},
	}
}

func newPortUtilizationCommand() *cobra.Command {
	var envFlag string

	cmd := &cobra.Command{
		Use:   "utilization",
		Short: "Show how full each port range is",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				envs := a.broker.Environments()
				if envFlag != "" {
					env, err := model.ParseEnvironment(envFlag)
					if err != nil {
						return err
					}
					envs = []model.Environment{env}
				}

				us := make([]model.Utilization, 0, len(envs))
				for _, env := range envs {
					u, err := a.broker.Utilization(ctx, env)
					if err != nil {
						return err
					}
					us = append(us, *u)
				}
				reserved := a.broker.ReservedPorts()
				return render(cmd.OutOrStdout(), us, func(w io.Writer) { printUtilization(w, us, reserved) })
			})
		},
	}

	cmd.Flags().StringVar(&envFlag, "env", "", "Only show this environment")
	return cmd
}

func printUtilization(w io.Writer, us []model.Utilization, reserved []int) {
	fmt.Fprintf(w, "%-12s  %-9s  %-9s  %-9s  %s\n", "ENV", "TOTAL", "ALLOCATED", "AVAILABLE", "USAGE")
	for _, u := range us {
		fmt.Fprintf(w, "%-12s  %-9d  %-9d  %-9d  %s %5.1f%%\n",
			u.Environment, u.Total, u.Allocated, u.Available, FormatPercentBar(u.Percent, 20), u.Percent)
	}
	fmt.Fprintf(w, "\nReserved: %s\n", FormatPortsList(reserved))
}

// statusResult is the structured output of "port activate" and "port deactivate".
type statusResult struct {
	Port   int                    `json:"port" yaml:"port"`
	Status model.AllocationStatus `json:"status" yaml:"status"`
}

func newPortStatusCommand(use string, active bool) *cobra.Command {
	short := "Mark a port as in use"
	status := model.StatusActive
	if !active {
		short = "Mark a port as allocated but idle"
		status = model.StatusAllocated
	}
	return &cobra.Command{
		Use:   use + " <port>",
		Short: short,
		Long: `Set the status of a live allocation without probing it. The next
"port check" or maintenance pass overwrites it with what the probe sees.
Exits with code 4 if the port has no live allocation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.broker.SetPortActive(ctx, p, active); err != nil {
					return err
				}
				res := statusResult{Port: p, Status: status}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Port %d is now %s\n", p, colorStatus(status, 0))
				})
			})
		},
	}
}

func newPortLabelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "labels <port>",
		Short: "Print container labels for a port's owner",
		Long: `Print the berth.* labels that tie a container to the owner of a live
allocation, as docker run flags. The docker probe uses these labels to
attribute published ports.

Example:
  docker run $(berth port labels 8000) -p 8000:80 nginx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePortArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				alloc, err := a.broker.GetPortAllocation(ctx, p)
				if err != nil {
					return err
				}
				if !alloc.IsLive() {
					return model.Errorf(model.KindNotFound, "port labels", "port %d has no live allocation", p)
				}
				labels := docker.OwnerLabels(alloc)
				return render(cmd.OutOrStdout(), labels, func(w io.Writer) {
					keys := make([]string, 0, len(labels))
					for k := range labels {
						keys = append(keys, k)
					}
					slices.Sort(keys)
					flags := make([]string, 0, len(keys))
					for _, k := range keys {
						flags = append(flags, "--label "+k+"="+labels[k])
					}
					fmt.Fprintln(w, strings.Join(flags, " "))
				})
			})
		},
	}
}

func newPortCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe live allocations and update their status",
		Long: `Probe every live allocation with the configured probe (ports.probe) and
mark it active if something is bound to the port, allocated otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res := a.broker.CheckPorts(ctx)
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "Checked %d with %s probe: %s active, %d idle",
						res.Checked, res.Probe, green(strconv.Itoa(res.Active)), res.Idle)
					if res.Failed > 0 {
						fmt.Fprintf(w, ", %s", red(fmt.Sprintf("%d failed", res.Failed)))
					}
					fmt.Fprintln(w)
				})
			})
		},
	}
}

func parsePortArg(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, model.Errorf(model.KindInvalid, "parse port", "invalid port %q", s)
	}
	return p, nil
}
