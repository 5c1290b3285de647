// Package runner executes housekeeping operations one at a time and records
// their outcome in metrics and the journal.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/housekeeper/internal/config"
	"github.com/schaermu/housekeeper/internal/housekeeper"
	"github.com/schaermu/housekeeper/internal/journal"
	"github.com/schaermu/housekeeper/internal/metrics"
)

// Options configures a Runner. Metrics and Journal are optional.
type Options struct {
	Root    string
	Config  func() *config.Config
	DryRun  bool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Journal *journal.Journal

	// ManagerOptions are appended to the options of every Manager created
	ManagerOptions []housekeeper.Option
}

// Runner serialises operations against one project root
type Runner struct {
	opts   Options
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a runner
func New(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{opts: opts, logger: logger}
}

// Config returns the current configuration
func (r *Runner) Config() *config.Config {
	return r.opts.Config()
}

func (r *Runner) manager(cfg *config.Config, logger *slog.Logger) (*housekeeper.Manager, error) {
	opts := []housekeeper.Option{
		housekeeper.WithTrashDir(cfg.TrashDir),
		housekeeper.WithLogger(logger),
		housekeeper.WithDryRun(r.opts.DryRun),
		housekeeper.WithChecksums(cfg.Checksums),
	}
	return housekeeper.NewManager(r.opts.Root, append(opts, r.opts.ManagerOptions...)...)
}

// Status reports the current state of every target and the trash
func (r *Runner) Status(ctx context.Context) (*housekeeper.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.opts.Config()
	m, err := r.manager(cfg, r.logger)
	if err != nil {
		return nil, err
	}

	status, err := m.Status(cfg.Targets)
	if err != nil {
		return nil, err
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordStatus(status)
	}
	return status, nil
}

// Cleanup moves stale files of the configured targets to the trash
func (r *Runner) Cleanup(ctx context.Context) (*housekeeper.CleanupResult, error) {
	var result *housekeeper.CleanupResult
	err := r.run(ctx, journal.OpCleanup, func(m *housekeeper.Manager, cfg *config.Config, e *journal.Entry) error {
		var err error
		result, err = m.Cleanup(cfg.Targets, cfg.Policy())
		if result != nil {
			e.Batch = result.Batch
			e.Files = result.Moved()
			e.Bytes = result.Bytes()
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordCleanup(result)
			}
		}
		return err
	})
	return result, err
}

// Prune deletes trash batches older than the configured trashMaxDays
func (r *Runner) Prune(ctx context.Context) (*housekeeper.PruneResult, error) {
	var result *housekeeper.PruneResult
	err := r.run(ctx, journal.OpPrune, func(m *housekeeper.Manager, cfg *config.Config, e *journal.Entry) error {
		var err error
		result, err = m.Prune(cfg.TrashMaxDays)
		if result != nil {
			e.Files = len(result.Removed)
			e.Bytes = result.Bytes()
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordPrune(result)
			}
		}
		return err
	})
	return result, err
}

// Restore moves the files of the most recent batch back
func (r *Runner) Restore(ctx context.Context) (*housekeeper.RestoreResult, error) {
	var result *housekeeper.RestoreResult
	err := r.run(ctx, journal.OpRestore, func(m *housekeeper.Manager, cfg *config.Config, e *journal.Entry) error {
		var err error
		result, err = m.RestoreLast()
		if result != nil {
			e.Batch = result.Batch
			e.Files = len(result.Restored)
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordRestore(result)
			}
		}
		return err
	})
	return result, err
}

// History returns the most recent journal entries
func (r *Runner) History(ctx context.Context, limit int) ([]journal.Entry, error) {
	if r.opts.Journal == nil {
		return []journal.Entry{}, nil
	}
	return r.opts.Journal.Recent(ctx, limit)
}

// run executes op under the runner lock with a fresh run id and records the
// outcome
func (r *Runner) run(ctx context.Context, op string, fn func(*housekeeper.Manager, *config.Config, *journal.Entry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.opts.Config()
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID, "operation", op)

	m, err := r.manager(cfg, logger)
	if err != nil {
		return err
	}

	entry := journal.Entry{
		RunID:     runID,
		Operation: op,
		StartedAt: time.Now(),
		DryRun:    r.opts.DryRun,
	}

	err = fn(m, cfg, &entry)
	entry.Duration = time.Since(entry.StartedAt)

	if precondition(err) {
		// nothing happened, so nothing is recorded
		return err
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveOperation(op, entry.StartedAt, entry.Duration, err)
	}
	r.record(ctx, logger, entry)
	r.writeTextfile(cfg, logger)

	return err
}

// precondition reports errors that abort an operation before it changes
// anything
func precondition(err error) bool {
	return errors.Is(err, housekeeper.ErrNoTrash) ||
		errors.Is(err, housekeeper.ErrNoBatches) ||
		errors.Is(err, housekeeper.ErrNoManifest)
}

func (r *Runner) record(ctx context.Context, logger *slog.Logger, entry journal.Entry) {
	if r.opts.Journal == nil {
		return
	}
	if err := r.opts.Journal.Record(ctx, entry); err != nil {
		logger.Warn("failed to write journal entry", "error", err)
	}
}

func (r *Runner) writeTextfile(cfg *config.Config, logger *slog.Logger) {
	if r.opts.Metrics == nil {
		return
	}
	path := cfg.MetricsFilePath(r.opts.Root)
	if path == "" {
		return
	}
	if err := r.opts.Metrics.WriteTextfile(path); err != nil {
		logger.Warn("failed to write metrics textfile", "path", path, "error", err)
	}
}
