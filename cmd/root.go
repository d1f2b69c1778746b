// Package cmd implements the charcle command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/paulschiretz/charcle/pkg/buildinfo"
	"github.com/paulschiretz/charcle/pkg/config"
	"github.com/paulschiretz/charcle/pkg/engine"
	"github.com/paulschiretz/charcle/pkg/plog"
)

// Log file rotation limits.
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
)

// NewRootCommand returns the charcle command with its subcommands.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "charcle [flags] SOURCE MIRROR",
		Short: "Keep a UTF-8 mirror of a tree stored in a legacy Japanese encoding",
		Long: `Charcle converts every text file of SOURCE (EUC-JP, Shift_JIS or
ISO-2022-JP) into MIRROR as UTF-8. Binary and oversized files are copied
verbatim and the directory structure, permissions and timestamps are kept.

With --watch it keeps running after the first pass: edits in either tree are
carried to the other one, and files changed in the mirror are written back
in the encoding of the source.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if list, _ := cmd.Flags().GetBool("list"); list {
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("requires SOURCE and MIRROR arguments, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if list, _ := cmd.Flags().GetBool("list"); list {
				return RunList(cmd.OutOrStdout())
			}
			return RunSync(cmd.Context(), args[0], args[1], cmd.Flags())
		},
	}

	addSyncFlags(root.Flags())
	root.PersistentFlags().String("config", "", "Path to the config file (default: ./"+config.ConfigFileName+")")
	root.AddCommand(newInitCommand(), newVersionCommand())
	return root
}

// addSyncFlags defines the flags of a sync run. Defaults are shown for help
// only; config.MergeFlags applies just the flags the user set.
func addSyncFlags(fs *pflag.FlagSet) {
	def := config.NewDefault()
	fs.StringP("from", "f", def.Conversion.From, "Encoding of SOURCE ('auto' detects it per file)")
	fs.StringP("to", "t", def.Conversion.To, "Encoding of MIRROR")
	fs.String("max-size", def.Conversion.MaxSize, "Largest file to convert, e.g. 500K, 1M (0 = no limit); larger files are copied verbatim")
	fs.String("exclude", "", "Comma-separated glob patterns to exclude, added to the configured ones")
	fs.String("fallback-charset", def.Conversion.Fallback, "Encoding of files created in MIRROR while watching (default: --from, else the dominant encoding of SOURCE)")
	fs.String("on-undetectable", def.Conversion.OnUndetectable, "What to do with text files of unknown encoding: 'copy' or 'skip'")
	fs.Float64("min-confidence", def.Conversion.MinConfidence, "Lowest detection score accepted (0-1)")
	fs.BoolP("watch", "w", def.Watch.Enabled, "Keep watching both trees after the first pass")
	fs.Float64("watch-interval", def.Watch.IntervalSeconds, "Poll interval in seconds")
	fs.String("watch-mode", def.Watch.Mode, "How to detect changes: 'auto', 'native' or 'poll'")
	fs.Float64("debounce", def.Watch.DebounceSeconds, "Quiet period in seconds before a changed path is propagated")
	fs.Int("workers", def.Engine.Workers, "Number of files converted in parallel during a full pass")
	fs.String("memory-budget", def.Engine.MemoryBudget, "Most file content held in memory by all workers together (0 = no limit)")
	fs.Int("progress", def.Engine.ProgressSeconds, "Seconds between progress lines during a full pass (0 = off)")
	fs.BoolP("verbose", "v", false, "Shorthand for --log-level=debug")
	fs.BoolP("quiet", "q", false, "Only print warnings and errors")
	fs.String("log-level", def.LogLevel, "Logging level: 'debug', 'notice', 'info', 'warn', 'error'")
	fs.String("log-file", def.LogFile, "Also write the log to this file (rotated)")
	fs.BoolP("list", "l", false, "List the supported encodings and exit")
}

// RunSync loads the configuration, applies the flags and runs a session.
func RunSync(ctx context.Context, source, mirror string, flags *pflag.FlagSet) error {
	configPath, _ := flags.GetString("config")
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig, err := config.MergeFlags(loadedConfig, flags)
	if err != nil {
		return err
	}
	runConfig.Source = source
	runConfig.Mirror = mirror

	quiet, _ := flags.GetBool("quiet")
	setupLogging(runConfig, quiet)
	if err := runConfig.Validate(); err != nil {
		return err
	}
	runConfig.LogSummary()

	plan, err := engine.NewPlan(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	sum, err := engine.NewRunner().Execute(ctx, plan)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			plog.Info(buildinfo.Name + " operation canceled")
			return nil
		}
		return err
	}
	plog.Info(buildinfo.Name+" finished",
		"duration", time.Since(startTime).Round(time.Millisecond),
		"converted", sum.Converted,
		"copied", sum.Copied,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"deleted", sum.Deleted)
	return nil
}

func setupLogging(c config.Config, quiet bool) {
	plog.SetLogFile(c.LogFile, logFileMaxSizeMB, logFileMaxBackups)
	plog.SetLevel(plog.LevelFromString(c.LogLevel))
	plog.SetQuiet(quiet)
}

// Execute runs the command line with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer plog.Close()

	if err := root.ExecuteContext(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		return 1
	}
	return 0
}

// Main is the entry point of the charcle binary.
func Main(ctx context.Context) int {
	return Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
