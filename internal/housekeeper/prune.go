package housekeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/housekeeper/internal/fsutil"
)

// Prune deletes trash batches whose directory is older than trashMaxDays.
// The age is taken from the batch directory itself, not from the files in
// it. A missing trash root is not an error.
func (m *Manager) Prune(trashMaxDays int) (*PruneResult, error) {
	now := m.now()
	result := &PruneResult{DryRun: m.dryRun, Removed: make([]PrunedBatch, 0)}

	names, err := m.batches()
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Info("trash is empty", "trash_dir", m.TrashRoot())
			return result, nil
		}
		return nil, fmt.Errorf("failed to list trash batches: %w", err)
	}
	result.TrashExists = true
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(m.TrashRoot(), name)
		info, err := os.Stat(dir)
		if err != nil {
			return result, fmt.Errorf("failed to stat batch %s: %w", name, err)
		}

		age := ageDays(now, info.ModTime())
		if age <= float64(trashMaxDays) {
			continue
		}

		size := fsutil.DirSize(dir)
		if m.dryRun {
			m.logger.Info("[dry-run] would prune batch", "batch", name, "bytes", size, "age_days", age)
		} else {
			if err := os.RemoveAll(dir); err != nil {
				return result, fmt.Errorf("failed to remove batch %s: %w", name, err)
			}
			m.logger.Info("pruned batch", "batch", name, "bytes", size, "age_days", age)
		}

		result.Removed = append(result.Removed, PrunedBatch{Name: name, Bytes: size, AgeDays: age})
	}

	m.logger.Info("prune completed",
		"removed", len(result.Removed),
		"bytes", result.Bytes(),
		"trash_max_days", trashMaxDays,
		"dry_run", m.dryRun)
	return result, nil
}
