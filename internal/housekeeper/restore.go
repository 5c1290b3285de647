package housekeeper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/schaermu/housekeeper/internal/fsutil"
	"github.com/schaermu/housekeeper/internal/project"
)

// LatestBatch returns the name of the most recent batch. Batch names sort
// chronologically; names of the same run are ordered by their numeric
// collision suffix.
func (m *Manager) LatestBatch() (string, error) {
	names, err := m.batches()
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoTrash
		}
		return "", fmt.Errorf("failed to list trash batches: %w", err)
	}
	if len(names) == 0 {
		return "", ErrNoBatches
	}

	sort.Slice(names, func(i, j int) bool {
		return batchLess(names[i], names[j])
	})
	return names[len(names)-1], nil
}

// batchLess orders batch names by base name, then by collision suffix
func batchLess(a, b string) bool {
	baseA, nA := splitBatch(a)
	baseB, nB := splitBatch(b)
	if baseA != baseB {
		return baseA < baseB
	}
	return nA < nB
}

// splitBatch splits "<base>Z-<n>" into base and n. Names without a suffix
// have n == 0.
func splitBatch(name string) (string, int) {
	i := strings.LastIndex(name, "Z-")
	if i < 0 {
		return name, 0
	}
	n, err := strconv.Atoi(name[i+2:])
	if err != nil || n < 1 {
		return name, 0
	}
	return name[:i+1], n
}

// ReadManifest loads the manifest of the named batch
func (m *Manager) ReadManifest(batch string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.TrashRoot(), batch, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, batch)
		}
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest of %s: %w", batch, err)
	}
	return &manifest, nil
}

// RestoreLast moves every file of the most recent batch back to its original
// location as recorded in the manifest. Entries whose trash file is gone or
// whose original path is occupied are skipped. The batch and its manifest
// are left in place, so restoring twice restores nothing the second time.
func (m *Manager) RestoreLast() (*RestoreResult, error) {
	batch, err := m.LatestBatch()
	if err != nil {
		return nil, err
	}

	manifest, err := m.ReadManifest(batch)
	if err != nil {
		return nil, err
	}

	result := &RestoreResult{
		Batch:    batch,
		Total:    len(manifest.Items),
		Restored: make([]string, 0, len(manifest.Items)),
		Skipped:  make([]string, 0),
	}

	m.logger.Info("restoring batch", "batch", batch, "entries", result.Total)

	for _, entry := range manifest.Items {
		restored, err := m.restoreEntry(entry)
		if err != nil {
			return result, err
		}
		if restored {
			result.Restored = append(result.Restored, entry.SrcRel)
		} else {
			result.Skipped = append(result.Skipped, entry.SrcRel)
		}
	}

	m.logger.Info("restore completed",
		"batch", batch,
		"restored", len(result.Restored),
		"total", result.Total)
	return result, nil
}

// restoreEntry moves one manifest entry back. It reports false for entries
// that are skipped.
func (m *Manager) restoreEntry(entry ManifestEntry) (bool, error) {
	trashPath, err := project.Resolve(m.root, entry.DstRel)
	if err != nil {
		m.logger.Warn("skipping manifest entry with invalid trash path", "dst", entry.DstRel, "error", err)
		return false, nil
	}
	origPath, err := project.Resolve(m.root, entry.SrcRel)
	if err != nil {
		m.logger.Warn("skipping manifest entry with invalid original path", "src", entry.SrcRel, "error", err)
		return false, nil
	}

	inTrash, err := fsutil.Exists(trashPath)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", entry.DstRel, err)
	}
	if !inTrash {
		m.logger.Debug("trash file missing, skipping", "dst", entry.DstRel)
		return false, nil
	}

	occupied, err := fsutil.Exists(origPath)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", entry.SrcRel, err)
	}
	if occupied {
		m.logger.Warn("original path exists, not overwriting", "src", entry.SrcRel)
		return false, nil
	}

	if entry.SHA256 != "" {
		if sum, err := fsutil.FileHash(trashPath); err == nil && sum != entry.SHA256 {
			m.logger.Warn("trash file changed since it was moved", "dst", entry.DstRel)
		}
	}

	if err := fsutil.Move(trashPath, origPath); err != nil {
		return false, fmt.Errorf("failed to restore %s: %w", entry.SrcRel, err)
	}
	m.logger.Info("restored file", "src", entry.SrcRel)
	return true, nil
}
