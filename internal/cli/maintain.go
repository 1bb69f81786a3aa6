package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/berth/internal/broker"
)

// NewMaintainCommand creates the "maintain" command.
func NewMaintainCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run background cleanup of ports and bindings",
		Long: `Run the maintenance tasks on their configured intervals until
interrupted:

  purge      delete released port records older than ports.retention_days
  reclaim    release ports whose worktree directory is gone
  check      probe live ports and mark them active or idle
  reconcile  drop bindings whose worktree directory is gone

A task whose maintenance.*_interval is zero is skipped. With --once every
task runs a single time and a report is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				m := broker.NewMaintainer(a.broker, a.cfg.Maintenance, a.log)
				if once {
					report := m.RunOnce(ctx)
					return render(cmd.OutOrStdout(), report, func(w io.Writer) { printReport(w, report) })
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				VerboseLog("maintainer running, press Ctrl+C to stop")
				m.Run(ctx)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run every task once and exit")
	return cmd
}

func printReport(w io.Writer, r broker.Report) {
	fmt.Fprintf(w, "%-10s  purged %d, failed %d\n", "purge", r.Purge.Purged, r.Purge.Failed)
	fmt.Fprintf(w, "%-10s  reclaimed %d, failed %d\n", "reclaim", r.Reclaim.Reclaimed, r.Reclaim.Failed)
	fmt.Fprintf(w, "%-10s  %s probe: checked %d, active %d, idle %d, failed %d\n", "check",
		r.Check.Probe, r.Check.Checked, r.Check.Active, r.Check.Idle, r.Check.Failed)
	fmt.Fprintf(w, "%-10s  checked %d, dropped %d, failed %d\n", "reconcile",
		r.Reconcile.Checked, len(r.Reconcile.Dropped), r.Reconcile.Failed)
}
