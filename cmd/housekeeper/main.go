package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/housekeeper/internal/config"
	"github.com/schaermu/housekeeper/internal/journal"
	"github.com/schaermu/housekeeper/internal/metrics"
	"github.com/schaermu/housekeeper/internal/project"
	"github.com/schaermu/housekeeper/internal/runner"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options holds the parsed command line
type options struct {
	root      string
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	targets    string
	keepDays   int
	keepRecent int

	status  bool
	run     bool
	prune   bool
	restore string
	history int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "housekeeper",
		Short: "Move stale files of a project into a restorable trash",
		Long: `housekeeper keeps the data directories of a project small. Stale files of
every watched target are moved into a timestamped trash batch together with a
manifest, old batches are pruned and the most recent batch can be restored.

Operations can be combined and always run in the order status, run, prune,
restore. Without an operation the help is printed.`,
		Example: `  housekeeper --status
  housekeeper --run --keep-days 14
  housekeeper --prune
  housekeeper --restore last`,
		Args:         restoreArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, opts)
		},
	}

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.root, "root", "", "project root (default is the current directory)")
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default is housekeeper.config.json or .yaml in the project root)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	pf.BoolVar(&opts.dryRun, "dry-run", false, "show what would be done without making changes")
	pf.StringVar(&opts.targets, "targets", "", "comma separated targets, overrides the config file")
	pf.IntVar(&opts.keepDays, "keep-days", config.DefaultKeepDays, "keep files younger than N days")
	pf.IntVar(&opts.keepRecent, "keep-recent", config.DefaultKeepRecent, "always keep the N newest files per target")

	// Operations
	f := rootCmd.Flags()
	f.BoolVar(&opts.status, "status", false, "print file counts and sizes per target and the number of trash batches")
	f.BoolVar(&opts.run, "run", false, "move stale files into a new trash batch")
	f.BoolVar(&opts.prune, "prune", false, "delete trash batches older than trashMaxDays")
	f.StringVar(&opts.restore, "restore", "", `restore a trash batch (only "last" is supported)`)
	f.Lookup("restore").NoOptDefVal = "last"
	f.IntVar(&opts.history, "history", 0, "print the last N journal entries")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// restoreArgs allows the value of a bare --restore to follow as a separate
// argument, as in "--restore last". Any other positional argument is an error.
func restoreArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 && cmd.Flags().Changed("restore") {
		if args[0] != "last" {
			return fmt.Errorf(`invalid --restore value %q (only "last" is supported)`, args[0])
		}
		return nil
	}
	return cobra.NoArgs(cmd, args)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "housekeeper %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

func runRoot(cmd *cobra.Command, opts *options) error {
	if cmd.Flags().Changed("restore") && opts.restore != "last" {
		return fmt.Errorf(`invalid --restore value %q (only "last" is supported)`, opts.restore)
	}

	logger := setupLogger(cmd.ErrOrStderr(), opts)

	root, cfg, err := loadProject(cmd, opts, logger)
	if err != nil {
		return err
	}

	if !opts.status && !opts.run && !opts.prune && opts.restore == "" && opts.history <= 0 {
		return cmd.Help()
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	var j *journal.Journal
	if path := cfg.JournalPath(root); path != "" {
		j = journal.New(path)
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
		}()
	}

	r := runner.New(runner.Options{
		Root:    root,
		Config:  func() *config.Config { return cfg },
		DryRun:  opts.dryRun,
		Logger:  logger,
		Metrics: metrics.New(false),
		Journal: j,
	})

	out := cmd.OutOrStdout()

	if opts.status {
		status, err := r.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, status)
	}

	if opts.run {
		result, err := r.Cleanup(ctx)
		if err != nil {
			return err
		}
		printCleanup(out, result)
	}

	if opts.prune {
		result, err := r.Prune(ctx)
		if err != nil {
			return err
		}
		printPrune(out, result)
	}

	if opts.restore == "last" {
		result, err := r.Restore(ctx)
		if err != nil {
			return err
		}
		printRestore(out, result)
	}

	if opts.history > 0 {
		entries, err := r.History(ctx, opts.history)
		if err != nil {
			return err
		}
		printHistory(out, entries)
	}

	return nil
}

// loadProject checks the project root and builds the effective configuration
func loadProject(cmd *cobra.Command, opts *options, logger *slog.Logger) (string, *config.Config, error) {
	root := opts.root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	if err := project.AssertRoot(root, project.DefaultMarkers); err != nil {
		return "", nil, err
	}

	cfg, err := loadConfig(cmd, opts, root, logger)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

// loadConfig loads the config file and environment of root and applies the
// command line overrides
func loadConfig(cmd *cobra.Command, opts *options, root string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(root, opts.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, w := range cfg.Warnings {
		logger.Warn("config value ignored", "path", cfg.Path, "detail", w)
	}

	flags := cmd.Flags()
	if flags.Changed("targets") {
		cfg.Targets = config.SplitTargets(opts.targets)
	}
	if flags.Changed("keep-days") {
		cfg.KeepDays = opts.keepDays
	}
	if flags.Changed("keep-recent") {
		cfg.KeepRecent = opts.keepRecent
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"path", cfg.Path,
		"targets", cfg.Targets,
		"keep_recent", cfg.KeepRecent,
		"keep_days", cfg.KeepDays,
		"trash_max_days", cfg.TrashMaxDays)

	return cfg, nil
}

func setupLogger(w io.Writer, opts *options) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch opts.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.logFormat == "json" {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
