// Package cli implements the cobra-based CLI for berth.
//
// Each command group (slot, port, worktree, maintain, config) lives in its
// own file. This file defines the root command, the global flags and the
// mapping from error kinds to process exit codes.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/berth/internal/broker"
	"github.com/shinji-kodama/berth/internal/config"
	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
	"github.com/shinji-kodama/berth/internal/telemetry"
)

// Global flag variables shared across all subcommands. They are bound to
// persistent flags on the root command.
var (
	// jsonOutput is shorthand for --format json.
	jsonOutput bool

	// outputFormat is one of text, json or yaml.
	outputFormat string

	// verbose lowers the log level to debug and echoes log lines to stderr.
	verbose bool

	// configFile overrides the config search path.
	configFile string
)

// Version, Commit and Date are set at build time via ldflags from main.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "berth",
		Short: "Conversation slots, ports and worktrees for coding agents",
		Long: `berth arbitrates the resources that concurrent agent conversations
compete for: a per-conversation execution slot under a global cap, TCP
ports from per-environment ranges, and one git worktree per conversation.

State lives in a single SQLite database, so several berth processes on the
same host see the same allocations.`,

		// Errors are printed by Execute in text or JSON form.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return validateFormat()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (same as --format json)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatText, "Output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (yaml, json or jsonc)")

	rootCmd.AddCommand(NewSlotCommand())
	rootCmd.AddCommand(NewPortCommand())
	rootCmd.AddCommand(NewWorktreeCommand())
	rootCmd.AddCommand(NewMaintainCommand())
	rootCmd.AddCommand(NewConfigCommand())

	return rootCmd
}

// Execute runs the root command and exits with the code for the error's
// kind. Errors that are not *model.Error exit with 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(int(exitCode(err)))
	}
}

func exitCode(err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}
	var exitErr *commandExitError
	if errors.As(err, &exitErr) {
		return model.ExitCode(exitErr.code)
	}
	return model.KindOf(err).ExitCode()
}

// printError writes err to w as "Error: ..." or, with JSON output, as an
// object carrying the kind and operation.
func printError(w io.Writer, err error) {
	if currentFormat() != formatJSON {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	obj := map[string]any{
		"message": err.Error(),
		"kind":    model.KindOf(err).String(),
	}
	var e *model.Error
	if errors.As(err, &e) {
		if e.Op != "" {
			obj["op"] = e.Op
		}
		if e.Err != nil && e.Message != "" {
			obj["detail"] = e.Err.Error()
		}
	}
	data, _ := json.MarshalIndent(map[string]any{"error": obj}, "", "  ")
	fmt.Fprintln(w, string(data))
}

// VerboseLog prints a message to stderr only when --verbose is set.
func VerboseLog(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// loadConfig reads the config file (if any), BERTH_* overrides and
// defaults. Validation failures are reported as Invalid.
func loadConfig() (*config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, model.WrapError(model.KindInvalid, "load config", err.Error(), err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, model.WrapError(model.KindInvalid, "load config", err.Error(), err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		VerboseLog("using config %s", used)
	}
	return cfg, nil
}

// app bundles what a command needs to talk to the broker.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	tp     *telemetry.Provider
	broker *broker.Broker
}

// openApp loads configuration and opens the broker. Callers must Close it.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// Stderr is shared with command output, so only warnings reach it
	// unless --verbose is given or logs go to a file.
	level := cfg.Logging.Level
	switch {
	case verbose:
		level = logging.LevelDebug
	case cfg.Logging.File == "" && logging.ParseLevel(level) < logging.ParseLevel(logging.LevelWarn):
		level = logging.LevelWarn
	}
	log, err := logging.New(cfg.Logging.File, level)
	if err != nil {
		return nil, model.WrapError(model.KindInvalid, "open log", err.Error(), err)
	}

	tp, err := telemetry.New(ctx, cfg.Telemetry, Version)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
		tp = telemetry.Disabled()
	}

	b, err := broker.Open(ctx, broker.Options{Config: cfg, Logger: log, Telemetry: tp})
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = log.Close()
		return nil, err
	}
	VerboseLog("database %s, worktrees under %s", cfg.Database.Path, cfg.Worktree.BaseDir)

	return &app{cfg: cfg, log: log, tp: tp, broker: b}, nil
}

// Close shuts the broker down and flushes traces and logs.
func (a *app) Close() error {
	err := a.broker.Close()
	if shutdownErr := a.tp.Shutdown(context.Background()); shutdownErr != nil {
		a.log.Warn("failed to flush traces", "error", shutdownErr)
	}
	return errors.Join(err, a.log.Close())
}

// withApp opens the app, runs fn and always closes the app afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	ctx, span := a.tp.Tracer().Start(ctx, "berth.cli."+strings.ReplaceAll(cmd.CommandPath(), " ", "."))
	if a.tp.Enabled() {
		VerboseLog("trace %s", telemetry.TraceID(ctx))
	}
	runErr := fn(ctx, a)
	telemetry.End(span, runErr)
	closeErr := a.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}
