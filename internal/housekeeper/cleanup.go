package housekeeper

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/housekeeper/internal/fsutil"
	"github.com/schaermu/housekeeper/internal/project"
)

// batchLayout names batches after their UTC creation time. Names sort
// lexicographically in chronological order.
const batchLayout = "2006-01-02T15-04-05.000Z"

// BatchName returns the trash batch name for a run started at t
func BatchName(t time.Time) string {
	return strings.Replace(t.UTC().Format(batchLayout), ".", "-", 1)
}

// SelectStale splits files into kept and stale ones. The newest keepRecent
// files are always kept; of the rest, files younger than keepDays are kept.
// Both returned slices are ordered newest first.
func SelectStale(files []fsutil.File, policy Policy, now time.Time) (kept, stale []fsutil.File) {
	sorted := make([]fsutil.File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ModTime.After(sorted[j].ModTime)
	})

	for i, f := range sorted {
		if i < policy.KeepRecent {
			kept = append(kept, f)
			continue
		}
		if ageDays(now, f.ModTime) < float64(policy.KeepDays) {
			kept = append(kept, f)
			continue
		}
		stale = append(stale, f)
	}
	return kept, stale
}

// trashName encodes the originating target into the batch file name. The
// encoding is lossy (a/b and a_b both become a_b), so names already taken in
// the batch get a numeric suffix before the extension.
func trashName(target, name string, used map[string]bool) string {
	base := strings.NewReplacer("/", "_", `\`, "_").Replace(filepath.ToSlash(target)) + "__" + name
	candidate := base
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	used[candidate] = true
	return candidate
}

// Cleanup moves stale files of every target into a new trash batch and writes
// the batch manifest. Targets are created when missing. A batch is only
// created when at least one file is moved.
//
// Moves are not rolled back when a later step fails, and files moved before
// the manifest is written are unrecorded if the process dies in between.
func (m *Manager) Cleanup(targets []string, policy Policy) (*CleanupResult, error) {
	now := m.now()

	m.logger.Info("starting cleanup",
		"targets", targets,
		"keep_recent", policy.KeepRecent,
		"keep_days", policy.KeepDays,
		"dry_run", m.dryRun)

	result := &CleanupResult{
		DryRun:  m.dryRun,
		Targets: make([]TargetResult, 0, len(targets)),
		Items:   make([]ManifestEntry, 0),
	}

	plan, err := m.buildPlan(targets, policy, now, result)
	if err != nil {
		return result, err
	}

	m.logger.Info("cleanup plan", "move", len(plan))

	if m.dryRun {
		m.logPlanDetails(plan)
		result.Planned = plan
		m.logger.Info("dry-run complete, no changes applied")
		return result, nil
	}

	if len(plan) == 0 {
		m.logger.Info("nothing to clean up")
		return result, nil
	}

	if err := m.applyPlan(plan, now, result); err != nil {
		return result, err
	}

	m.logger.Info("cleanup completed",
		"batch", result.Batch,
		"moved", result.Moved(),
		"bytes", result.Bytes())
	return result, nil
}

// buildPlan selects stale files per target and fills in per-target counts
func (m *Manager) buildPlan(targets []string, policy Policy, now time.Time, result *CleanupResult) ([]FileOp, error) {
	var plan []FileOp
	used := make(map[string]bool)

	rels, err := cleanTargets(targets)
	if err != nil {
		return nil, err
	}

	for _, rel := range rels {
		target := filepath.ToSlash(rel)
		if project.Within(rel, m.trashRel) {
			return nil, fmt.Errorf("target %q lies inside the trash directory %s", target, filepath.ToSlash(m.trashRel))
		}

		dir := filepath.Join(m.root, rel)
		if !m.dryRun {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create target %s: %w", target, err)
			}
		}

		files, err := fsutil.ListFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", target, err)
		}

		kept, stale := SelectStale(files, policy, now)
		tr := TargetResult{
			Target:  target,
			Scanned: len(files),
			Kept:    len(kept),
			Moved:   len(stale),
		}

		for _, f := range stale {
			tr.Bytes += f.Size
			plan = append(plan, FileOp{
				Target:  rel,
				SrcPath: f.Path,
				SrcRel:  filepath.ToSlash(filepath.Join(rel, f.Name)),
				DstName: trashName(rel, f.Name, used),
				Size:    f.Size,
				ModTime: f.ModTime,
			})
		}

		m.logger.Debug("target scanned",
			"target", tr.Target,
			"files", tr.Scanned,
			"kept", tr.Kept,
			"stale", tr.Moved)
		result.Targets = append(result.Targets, tr)
	}

	return plan, nil
}

// applyPlan creates the batch, moves every planned file and writes the manifest
func (m *Manager) applyPlan(plan []FileOp, now time.Time, result *CleanupResult) error {
	batch, batchDir, err := m.createBatch(now)
	if err != nil {
		return err
	}
	result.Batch = batch
	result.BatchDir = batchDir

	for _, op := range plan {
		entry := ManifestEntry{
			SrcRel: op.SrcRel,
			DstRel: filepath.ToSlash(filepath.Join(m.trashRel, batch, op.DstName)),
			Size:   op.Size,
			MTime:  NewEpochMillis(op.ModTime),
		}

		if m.hash {
			sum, err := fsutil.FileHash(op.SrcPath)
			if err != nil {
				return fmt.Errorf("failed to hash %s: %w", op.SrcRel, err)
			}
			entry.SHA256 = sum
		}

		if err := fsutil.Move(op.SrcPath, filepath.Join(batchDir, op.DstName)); err != nil {
			return fmt.Errorf("failed to move %s to trash: %w", op.SrcRel, err)
		}
		m.logger.Info("moved file", "src", entry.SrcRel, "dst", entry.DstRel)
		result.Items = append(result.Items, entry)
	}

	manifest := Manifest{
		CreatedAt: NewEpochMillis(now),
		Items:     result.Items,
	}
	if err := fsutil.WriteJSON(filepath.Join(batchDir, ManifestFile), manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// createBatch creates the batch directory for a run started at now. A name
// already taken gets a numeric suffix.
func (m *Manager) createBatch(now time.Time) (string, string, error) {
	if err := os.MkdirAll(m.TrashRoot(), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create trash directory: %w", err)
	}

	base := BatchName(now)
	name := base
	for i := 1; ; i++ {
		dir := filepath.Join(m.TrashRoot(), name)
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return name, dir, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("failed to create trash batch: %w", err)
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// logPlanDetails logs detailed plan information for dry-run
func (m *Manager) logPlanDetails(plan []FileOp) {
	for _, op := range plan {
		m.logger.Info("[dry-run] would move", "src", op.SrcRel, "size", op.Size, "mtime", op.ModTime)
	}
}
