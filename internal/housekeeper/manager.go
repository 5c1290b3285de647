package housekeeper

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/housekeeper/internal/fsutil"
	"github.com/schaermu/housekeeper/internal/project"
)

// DefaultTrashDir is the trash root relative to the project root
const DefaultTrashDir = "data/.trash"

const day = 24 * time.Hour

// Manager applies retention policies to watched targets of a project
type Manager struct {
	root     string
	trashRel string
	now      func() time.Time
	logger   *slog.Logger
	dryRun   bool
	hash     bool
}

// Option configures a Manager
type Option func(*Manager)

// WithTrashDir sets the trash root, relative to the project root
func WithTrashDir(rel string) Option {
	return func(m *Manager) { m.trashRel = rel }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithDryRun makes Cleanup and Prune report without touching the filesystem
func WithDryRun(dryRun bool) Option {
	return func(m *Manager) { m.dryRun = dryRun }
}

// WithChecksums toggles recording a SHA256 digest per manifest entry
func WithChecksums(enabled bool) Option {
	return func(m *Manager) { m.hash = enabled }
}

// NewManager creates a manager for the project at root
func NewManager(root string, opts ...Option) (*Manager, error) {
	m := &Manager{
		root:     root,
		trashRel: DefaultTrashDir,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}

	abs, err := filepath.Abs(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	m.root = abs

	trashRel, err := project.CleanRel(m.trashRel)
	if err != nil {
		return nil, fmt.Errorf("invalid trash directory: %w", err)
	}
	m.trashRel = trashRel

	return m, nil
}

// Root returns the absolute project root
func (m *Manager) Root() string {
	return m.root
}

// TrashRoot returns the absolute trash root
func (m *Manager) TrashRoot() string {
	return filepath.Join(m.root, m.trashRel)
}

// Status reports file counts and sizes per target and the number of batches
func (m *Manager) Status(targets []string) (*Status, error) {
	status := &Status{Targets: make([]TargetStatus, 0, len(targets))}

	rels, err := cleanTargets(targets)
	if err != nil {
		return nil, err
	}

	for _, rel := range rels {
		target := filepath.ToSlash(rel)
		dir := filepath.Join(m.root, rel)

		files, err := fsutil.ListFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", target, err)
		}

		status.Targets = append(status.Targets, TargetStatus{
			Target: target,
			Files:  len(files),
			Bytes:  fsutil.DirSize(dir),
		})
	}

	batches, err := m.batches()
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to list trash batches: %w", err)
	default:
		status.TrashExists = true
		status.TrashBatches = len(batches)
	}

	return status, nil
}

// cleanTargets normalises targets and drops repeated ones, so two spellings
// of the same directory are handled once
func cleanTargets(targets []string) ([]string, error) {
	seen := make(map[string]bool, len(targets))
	rels := make([]string, 0, len(targets))
	for _, target := range targets {
		rel, err := project.CleanRel(target)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", target, err)
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		rels = append(rels, rel)
	}
	return rels, nil
}

// batches lists batch directory names under the trash root
func (m *Manager) batches() ([]string, error) {
	return fsutil.ListDirs(m.TrashRoot())
}

// ageDays returns the age of t at now in fractional days
func ageDays(now, t time.Time) float64 {
	return float64(now.Sub(t)) / float64(day)
}
