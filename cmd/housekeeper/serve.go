package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/schaermu/housekeeper/internal/activation"
	"github.com/schaermu/housekeeper/internal/config"
	"github.com/schaermu/housekeeper/internal/journal"
	"github.com/schaermu/housekeeper/internal/metrics"
	"github.com/schaermu/housekeeper/internal/runner"
	"github.com/schaermu/housekeeper/internal/scheduler"
	"github.com/schaermu/housekeeper/internal/server"
	"github.com/schaermu/housekeeper/internal/watch"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run cleanup and prune on a schedule and serve status over HTTP",
		Long: `Serve runs cleanup and prune on the cron schedules of the config file and
starts an HTTP server with health, status, history and Prometheus metrics
endpoints. POST /run and POST /prune trigger an operation immediately.

The config file is watched and reloaded when it changes. When started through
systemd socket activation the passed socket is used instead of the listen
address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *options) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd.ErrOrStderr(), opts)

	root, cfg, err := loadProject(cmd, opts, logger)
	if err != nil {
		return err
	}

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	var j *journal.Journal
	if path := cfg.JournalPath(root); path != "" {
		j = journal.New(path)
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("failed to close journal", "error", err)
			}
		}()
	}

	m := metrics.New(true)
	r := runner.New(runner.Options{
		Root:    root,
		Config:  current.Load,
		DryRun:  opts.dryRun,
		Logger:  logger,
		Metrics: m,
		Journal: j,
	})

	sched := scheduler.New(logger)
	if err := applySchedule(sched, r, cfg); err != nil {
		return err
	}

	// prime the gauges before the first scrape
	if _, err := r.Status(ctx); err != nil {
		logger.Warn("initial status failed", "error", err)
	}

	ln, activated, err := activation.Listen(cfg.Listen)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}

	srv := server.New(server.Options{
		Ops:      r,
		Metrics:  m.Handler(),
		Schedule: sched.NextRuns,
		Logger:   logger,
	})

	sched.Start(ctx)
	defer sched.Stop()

	var wg sync.WaitGroup
	if cfg.Path != "" {
		w := watch.New(cfg.Path, watch.DefaultDebounce, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Watch(ctx, func() error {
				return reload(cmd, opts, root, logger, &current, sched, r)
			})
			if err != nil {
				logger.Error("config watcher failed", "error", err)
			}
		}()
	}

	err = srv.Serve(ctx, ln)
	cancel()
	wg.Wait()
	return err
}

// reload re-reads the configuration. An invalid config is rejected and the
// previous one stays active.
func reload(cmd *cobra.Command, opts *options, root string, logger *slog.Logger, current *atomic.Pointer[config.Config], sched *scheduler.Scheduler, r *runner.Runner) error {
	next, err := loadConfig(cmd, opts, root, logger)
	if err != nil {
		return fmt.Errorf("keeping previous configuration: %w", err)
	}

	prev := current.Load()
	if err := applySchedule(sched, r, next); err != nil {
		return fmt.Errorf("keeping previous configuration: %w", err)
	}
	current.Store(next)

	if next.Listen != prev.Listen {
		logger.Warn("listen address changed, restart to apply", "listen", next.Listen)
	}
	logger.Info("configuration reloaded",
		"targets", next.Targets,
		"keep_recent", next.KeepRecent,
		"keep_days", next.KeepDays,
		"trash_max_days", next.TrashMaxDays)
	return nil
}

func applySchedule(sched *scheduler.Scheduler, r *runner.Runner, cfg *config.Config) error {
	if err := sched.Set(journal.OpCleanup, cfg.Schedule.Cleanup, func(ctx context.Context) error {
		_, err := r.Cleanup(ctx)
		return err
	}); err != nil {
		return err
	}
	return sched.Set(journal.OpPrune, cfg.Schedule.Prune, func(ctx context.Context) error {
		_, err := r.Prune(ctx)
		return err
	})
}
