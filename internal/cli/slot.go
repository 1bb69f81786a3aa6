package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/slot"
)

// commandExitError carries the exit status of a child process run by
// "slot run" so that berth exits with the same code.
type commandExitError struct {
	code int
	err  error
}

func (e *commandExitError) Error() string { return e.err.Error() }
func (e *commandExitError) Unwrap() error { return e.err }

// NewSlotCommand creates the "slot" command group.
func NewSlotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Run work under a conversation slot",
	}
	cmd.AddCommand(newSlotRunCommand())
	cmd.AddCommand(newSlotStatsCommand())
	return cmd
}

type slotRunFlags struct {
	timeout time.Duration
}

func newSlotRunCommand() *cobra.Command {
	flags := &slotRunFlags{}

	cmd := &cobra.Command{
		Use:   "run <conversation-key> -- <command> [args...]",
		Short: "Run a command while holding a conversation's slot",
		Long: `Acquire the slot for a conversation, run a command, and release the
slot when the command exits.

Runs for the same conversation key are serialized, and at most
concurrency.max_conversations keys run at once. Use concurrency.mode=leased
so that separate berth processes share the cap.

The child sees BERTH_CONVERSATION_KEY and BERTH_SLOT_ID in its environment.
berth exits with the child's exit code.

Examples:
  berth slot run conv-42 -- make test
  berth slot run conv-42 --timeout 5m -- ./agent.sh`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 {
				return model.NewError(model.KindInvalid, "slot run",
					"expected exactly one conversation key before --")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runSlotRun(ctx, a, flags, args[0], args[1:], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}

	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Give up waiting for the slot after this long (0 waits forever)")
	return cmd
}

func runSlotRun(ctx context.Context, a *app, flags *slotRunFlags, key string, argv []string,
	stdin io.Reader, stdout, stderr io.Writer) error {
	if a.cfg.Concurrency.Mode != config.ModeLeased {
		a.log.Warn("in-process slots do not coordinate with other berth processes",
			"mode", a.cfg.Concurrency.Mode)
	}

	acquireCtx := ctx
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, flags.timeout)
		defer cancel()
	}

	VerboseLog("waiting for slot %s", key)
	h, err := a.broker.AcquireConversationSlot(acquireCtx, key)
	if err != nil {
		return err
	}
	defer a.broker.ReleaseConversationSlot(ctx, h)
	VerboseLog("slot %s granted (%s)", key, h.ID)

	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Stdin = stdin
	child.Stdout = stdout
	child.Stderr = stderr
	child.Env = append(os.Environ(),
		"BERTH_CONVERSATION_KEY="+key,
		"BERTH_SLOT_ID="+h.ID,
	)

	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &commandExitError{code: exitErr.ExitCode(), err: fmt.Errorf("%s exited with status %d", argv[0], exitErr.ExitCode())}
		}
		return model.External("slot run", err)
	}
	return nil
}

func newSlotStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show slot usage",
		Long: `Show how many conversation slots are held and queued.

In leased mode the active count covers every process sharing the database;
the queued count is always local to this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats := a.broker.ConcurrencyStats(ctx)
				return render(cmd.OutOrStdout(), stats, func(w io.Writer) { printSlotStats(w, stats) })
			})
		},
	}
}

func printSlotStats(w io.Writer, s slot.Stats) {
	fmt.Fprintf(w, "Mode:    %s\n", s.Mode)
	fmt.Fprintf(w, "Active:  %d/%d\n", s.Active, s.Max)
	fmt.Fprintf(w, "Queued:  %d\n", s.Queued)
	if s.Max > 0 {
		fmt.Fprintf(w, "Usage:   %s\n", FormatPercentBar(float64(s.Active)*100/float64(s.Max), 20))
	}
}
